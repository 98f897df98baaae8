package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/yahn/internal/middleware"
	"github.com/hitoshi/yahn/internal/model"
	"github.com/hitoshi/yahn/internal/post"
)

// sseKeepAlive はSSEストリームのコメント行を送る間隔。
const sseKeepAlive = 30 * time.Second

// PostServiceInterface はポストハンドラーが必要とするサービスインターフェース。
type PostServiceInterface interface {
	// Refresh は鮮度判定付きでポストを同期し、結果をLceとして返す。
	Refresh(ctx context.Context, onProgress func(float64)) model.Lce[[]model.Post]
	SelectAllPostsByRank(ctx context.Context) ([]model.Post, error)
	WatchPostsByRank(ctx context.Context) <-chan []model.Post
	GetPost(ctx context.Context, id int64) (*model.Post, error)
	MarkPostViewed(id int64)
	MarkPostCommentViewed(id int64)
	State() *post.StateTracker
}

// PostHandler はポストのHTTPハンドラー。
type PostHandler struct {
	service PostServiceInterface
}

// NewPostHandler はPostHandlerを生成する。
func NewPostHandler(service PostServiceInterface) *PostHandler {
	return &PostHandler{service: service}
}

// ListPosts はキャッシュ済みのポストをランキング順に返す。
// 状態には直近のリフレッシュの状態を使う。同期は行わない。
// GET /api/posts
func (h *PostHandler) ListPosts(w http.ResponseWriter, r *http.Request) {
	posts, err := h.service.SelectAllPostsByRank(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	state, errMsg := h.service.State().Snapshot()
	writeJSON(w, http.StatusOK, lceResponse[[]postResponse]{
		State: string(state),
		Data:  toPostResponses(posts),
		Error: errMsg,
	})
}

// RefreshPosts はポストを同期し、結果をLceとして返す。
// 同期に失敗した場合もキャッシュ済みのポストを含めて200で返す。
// POST /api/posts/refresh
func (h *PostHandler) RefreshPosts(w http.ResponseWriter, r *http.Request) {
	result := h.service.Refresh(r.Context(), nil)
	writeJSON(w, http.StatusOK, toLceResponse(result, toPostResponses))
}

// GetPost はポスト1件を返す。
// GET /api/posts/{id}
func (h *PostHandler) GetPost(w http.ResponseWriter, r *http.Request) {
	id, apiErr := parseIDParam(r, "id")
	if apiErr != nil {
		handleServiceError(w, r, apiErr)
		return
	}

	p, err := h.service.GetPost(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPostResponse(*p))
}

// MarkViewed はポストを既読にする。書き込みの完了は待たない。
// PUT /api/posts/{id}/viewed
func (h *PostHandler) MarkViewed(w http.ResponseWriter, r *http.Request) {
	id, apiErr := parseIDParam(r, "id")
	if apiErr != nil {
		handleServiceError(w, r, apiErr)
		return
	}
	h.service.MarkPostViewed(id)
	w.WriteHeader(http.StatusAccepted)
}

// MarkCommentsViewed はポストのコメントを既読にする。書き込みの完了は待たない。
// PUT /api/posts/{id}/comments-viewed
func (h *PostHandler) MarkCommentsViewed(w http.ResponseWriter, r *http.Request) {
	id, apiErr := parseIDParam(r, "id")
	if apiErr != nil {
		handleServiceError(w, r, apiErr)
		return
	}
	h.service.MarkPostCommentViewed(id)
	w.WriteHeader(http.StatusAccepted)
}

// StreamPosts はランキング順のポスト一覧をServer-Sent Eventsで配信する。
// 接続直後と、ポストまたはランキングが変更されるたびにpostsイベントを送る。
// GET /api/posts/stream
func (h *PostHandler) StreamPosts(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// ストリームはサーバーのWriteTimeoutを超えて続く
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		slog.Warn("SSEのフラッシュに対応していません", slog.String("error", err.Error()))
		return
	}

	ctx := r.Context()
	snapshots := h.service.WatchPostsByRank(ctx)

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case posts, ok := <-snapshots:
			if !ok {
				return
			}
			data, err := json.Marshal(toPostResponses(posts))
			if err != nil {
				slog.Error("SSEイベントのエンコードに失敗しました",
					slog.String("request_id", middleware.RequestIDFromContext(ctx)),
					slog.String("error", err.Error()),
				)
				return
			}
			if _, err := fmt.Fprintf(w, "event: posts\ndata: %s\n\n", data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
