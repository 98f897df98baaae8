package post

import (
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/yahn/internal/model"
)

// ToPost はAPIのアイテムをポストに変換する。
// pointsはscore、comments_cntはdescendantsから取る。
// URLを持つアイテムはURLとドメインを、持たないアイテムは本文を設定する。
// 本文のサニタイズは呼び出し元で行う。
func ToPost(item *model.Item, now time.Time) model.Post {
	p := model.Post{
		ID:          item.ID,
		Title:       item.Title,
		Points:      item.Score,
		UnixTime:    item.Time,
		CommentsCnt: item.Descendants,
		Rank:        -1,
		Created:     now.Unix(),
		LastUpdated: now.Unix(),
	}

	if item.URL != "" {
		u := item.URL
		p.URL = &u
		p.Domain = DeriveDomain(item.URL)
	} else if item.Text != "" {
		text := item.Text
		p.Text = &text
	}
	return p
}

// DeriveDomain はURLから表示用のドメインを導出する。
// ホスト名の先頭の"www."を除去する。パースできない場合やホストが空の場合は元の文字列を返す。
// 空文字列にはnilを返す。
func DeriveDomain(rawURL string) *string {
	if rawURL == "" {
		return nil
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		raw := rawURL
		return &raw
	}

	host := strings.TrimPrefix(u.Hostname(), "www.")
	return &host
}
