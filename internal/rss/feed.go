// Package rss はランキング順のポストをRSS 2.0として書き出す。
package rss

import (
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/feeds"

	"github.com/hitoshi/yahn/internal/model"
)

// ItemURLPrefix はHacker Newsのディスカッションページのプレフィックス。
const ItemURLPrefix = "https://news.ycombinator.com/item?id="

// excerptLen はテキストポストの説明文に含める最大文字数。
const excerptLen = 280

// Options はフィードのメタデータ。
type Options struct {
	Title       string
	Link        string
	Description string
}

// DefaultOptions はデフォルトのフィードメタデータを返す。
func DefaultOptions() Options {
	return Options{
		Title:       "Hacker News Top Stories",
		Link:        "https://news.ycombinator.com/",
		Description: "ローカルにキャッシュされたHacker Newsのトップストーリー",
	}
}

// Build はランキング順のポストからフィードを組み立てる。
// リンク付きポストは記事URLを、テキストポストはディスカッションページをリンクにする。
func Build(posts []model.Post, opts Options, now time.Time) *feeds.Feed {
	feed := &feeds.Feed{
		Title:       opts.Title,
		Link:        &feeds.Link{Href: opts.Link},
		Description: opts.Description,
		Created:     now,
	}

	for _, p := range posts {
		discussion := fmt.Sprintf("%s%d", ItemURLPrefix, p.ID)

		link := discussion
		if p.URL != nil {
			link = *p.URL
		}

		var desc string
		if p.Text != nil {
			desc = PlainText(*p.Text, excerptLen)
		} else {
			desc = fmt.Sprintf("%d points, %d comments", p.Points, p.CommentsCnt)
		}

		feed.Items = append(feed.Items, &feeds.Item{
			Id:          discussion,
			Title:       p.Title,
			Link:        &feeds.Link{Href: link},
			Description: desc,
			Created:     time.Unix(p.UnixTime, 0).UTC(),
		})
	}

	return feed
}

// Write はポストのRSS 2.0をwに書き出す。
func Write(w io.Writer, posts []model.Post, opts Options, now time.Time) error {
	if err := Build(posts, opts, now).WriteRss(w); err != nil {
		return fmt.Errorf("failed to write rss: %w", err)
	}
	return nil
}

// truncate はsをmaxRunes文字以内に切り詰める。切り詰めた場合は末尾に省略記号を付ける。
func truncate(s string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:maxRunes])) + "…"
}
