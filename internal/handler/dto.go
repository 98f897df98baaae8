package handler

import (
	"github.com/hitoshi/yahn/internal/model"
	"github.com/hitoshi/yahn/internal/navigation"
)

// postResponse はポストのレスポンス。
type postResponse struct {
	ID             int64   `json:"id"`
	Title          string  `json:"title"`
	Domain         *string `json:"domain"`
	URL            *string `json:"url"`
	Text           *string `json:"text"` // サニタイズ済みHTML
	Points         int64   `json:"points"`
	UnixTime       int64   `json:"unix_time"`
	CommentsCnt    int64   `json:"comments_cnt"`
	Rank           int64   `json:"rank"`
	Viewed         bool    `json:"viewed"`
	CommentsViewed bool    `json:"comments_viewed"`
	LastUpdated    int64   `json:"last_updated"`
}

// commentResponse はコメントのレスポンス。
type commentResponse struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	UnixTime    int64  `json:"unix_time"`
	Content     string `json:"content"` // サニタイズ済みHTML
	PostID      int64  `json:"post_id"`
	Parent      *int64 `json:"parent"`
	ChildrenCnt int64  `json:"children_cnt"`
	SortOrder   int64  `json:"sort_order"`
}

// lceResponse は読み込み状態付きのレスポンス。
// stateがerrorの場合もdataにはキャッシュ済みのデータが入る。
type lceResponse[T any] struct {
	State string `json:"state"`
	Data  T      `json:"data"`
	Error string `json:"error,omitempty"`
}

// navigateRequest は画面遷移リクエストのボディ。
type navigateRequest struct {
	Screen navigation.Screen `json:"screen"`
	Event  navigation.Event  `json:"event"`
}

// navigateResponse は画面遷移のレスポンス。
type navigateResponse struct {
	Screen  navigation.Screen   `json:"screen"`
	Effects []navigation.Effect `json:"effects"`
}

func toPostResponse(p model.Post) postResponse {
	return postResponse{
		ID:             p.ID,
		Title:          p.Title,
		Domain:         p.Domain,
		URL:            p.URL,
		Text:           p.Text,
		Points:         p.Points,
		UnixTime:       p.UnixTime,
		CommentsCnt:    p.CommentsCnt,
		Rank:           p.Rank,
		Viewed:         p.Viewed,
		CommentsViewed: p.CommentsViewed,
		LastUpdated:    p.LastUpdated,
	}
}

func toPostResponses(posts []model.Post) []postResponse {
	out := make([]postResponse, len(posts))
	for i, p := range posts {
		out[i] = toPostResponse(p)
	}
	return out
}

func toCommentResponses(comments []model.Comment) []commentResponse {
	out := make([]commentResponse, len(comments))
	for i, c := range comments {
		out[i] = commentResponse{
			ID:          c.ID,
			Username:    c.Username,
			UnixTime:    c.UnixTime,
			Content:     c.Content,
			PostID:      c.PostID,
			Parent:      c.Parent,
			ChildrenCnt: c.ChildrenCnt,
			SortOrder:   c.SortOrder,
		}
	}
	return out
}

func toLceResponse[T, R any](lce model.Lce[T], convert func(T) R) lceResponse[R] {
	return lceResponse[R]{
		State: string(lce.State),
		Data:  convert(lce.Data),
		Error: lce.Error,
	}
}
