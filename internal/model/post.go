package model

// Post はローカルにキャッシュされたストーリーを表す。
// URLとTextはどちらか一方のみが意味を持つ。DomainはURLがある場合のみ設定される。
type Post struct {
	ID             int64
	Title          string
	Domain         *string
	URL            *string
	Text           *string // サニタイズ済みHTML
	Points         int64
	UnixTime       int64
	CommentsCnt    int64
	Rank           int64 // top_postsからの読み出し専用
	Viewed         bool
	CommentsViewed bool
	Created        int64
	LastUpdated    int64
}

// TopPost はトップストーリーの順位とポストIDの対応を表す。
// リフレッシュのたびに全件置き換えられる。
type TopPost struct {
	Rank   int64
	PostID int64
}

// PrefLastFetch は最終フェッチ時刻（エポック秒）を保持するプリファレンスキー。
const PrefLastFetch = "lastfetch"
