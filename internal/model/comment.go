package model

// Comment はローカルにキャッシュされたコメントを表す。
// Parentはルートポスト直下のコメントではnilになる。
type Comment struct {
	ID          int64
	Username    string
	UnixTime    int64
	Content     string // サニタイズ済みHTML
	PostID      int64
	Parent      *int64
	ChildrenCnt int64
	SortOrder   int64
	Created     int64
	LastUpdated int64
}
