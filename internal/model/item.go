package model

// ItemType はHacker News APIのアイテム種別を表す。
type ItemType string

const (
	ItemTypeJob     ItemType = "job"
	ItemTypeStory   ItemType = "story"
	ItemTypeComment ItemType = "comment"
	ItemTypePoll    ItemType = "poll"
	ItemTypePollOpt ItemType = "pollopt"
)

// Item はHacker News APIの /v0/item/{id}.json が返す生のアイテムを表す。
// 取得元の値をそのまま保持し、Post/Commentへの変換はsyncパイプラインが行う。
type Item struct {
	ID          int64    `json:"id"`
	Type        ItemType `json:"type"`
	By          string   `json:"by,omitempty"`
	Time        int64    `json:"time"`
	Text        string   `json:"text,omitempty"` // 未サニタイズのHTML
	Kids        []int64  `json:"kids,omitempty"`
	Parent      *int64   `json:"parent,omitempty"`
	URL         string   `json:"url,omitempty"`
	Score       int64    `json:"score,omitempty"`
	Title       string   `json:"title,omitempty"`
	Descendants int64    `json:"descendants,omitempty"`
	Deleted     bool     `json:"deleted,omitempty"`
	Dead        bool     `json:"dead,omitempty"`
}
