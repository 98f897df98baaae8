package rss

import (
	"strings"

	"golang.org/x/net/html"
)

// PlainText はサニタイズ済みHTMLからテキストのみを取り出し、空白を正規化して返す。
// 段落の区切りは空白1つとして扱う。maxRunesが正の場合はその文字数で切り詰める。
func PlainText(htmlBody string, maxRunes int) string {
	tokenizer := html.NewTokenizer(strings.NewReader(htmlBody))
	var b strings.Builder

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return truncate(strings.Join(strings.Fields(b.String()), " "), maxRunes)

		case html.TextToken:
			// Textはエンティティをデコード済みの値を返す
			b.Write(tokenizer.Text())

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, _ := tokenizer.TagName()
			switch string(tn) {
			case "p", "br", "pre":
				b.WriteByte(' ')
			}
		}
	}
}
