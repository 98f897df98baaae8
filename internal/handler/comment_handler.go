package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/yahn/internal/model"
)

// CommentServiceInterface はコメントハンドラーが必要とするサービスインターフェース。
type CommentServiceInterface interface {
	// Refresh はポストのコメントツリーを同期し、ポスト直下のコメントをLceとして返す。
	Refresh(ctx context.Context, postID int64, onProgress func(float64)) model.Lce[[]model.Comment]
	GetCommentsForPost(ctx context.Context, postID int64) ([]model.Comment, error)
	GetCommentsForParent(ctx context.Context, parentID int64) ([]model.Comment, error)
}

// PostLookup はポストの存在確認に使うインターフェース。
type PostLookup interface {
	GetPost(ctx context.Context, id int64) (*model.Post, error)
}

// CommentHandler はコメントのHTTPハンドラー。
type CommentHandler struct {
	service CommentServiceInterface
	posts   PostLookup
}

// NewCommentHandler はCommentHandlerを生成する。
func NewCommentHandler(service CommentServiceInterface, posts PostLookup) *CommentHandler {
	return &CommentHandler{service: service, posts: posts}
}

// ListComments はキャッシュ済みのポスト直下のコメントを表示順で返す。
// GET /api/posts/{id}/comments
func (h *CommentHandler) ListComments(w http.ResponseWriter, r *http.Request) {
	postID, apiErr := parseIDParam(r, "id")
	if apiErr != nil {
		handleServiceError(w, r, apiErr)
		return
	}

	if _, err := h.posts.GetPost(r.Context(), postID); err != nil {
		handleServiceError(w, r, err)
		return
	}

	comments, err := h.service.GetCommentsForPost(r.Context(), postID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCommentResponses(comments))
}

// RefreshComments はポストのコメントツリーを同期し、結果をLceとして返す。
// 同じポストの同期が実行中の場合はloading状態を202で返す。
// POST /api/posts/{id}/comments/refresh
func (h *CommentHandler) RefreshComments(w http.ResponseWriter, r *http.Request) {
	postID, apiErr := parseIDParam(r, "id")
	if apiErr != nil {
		handleServiceError(w, r, apiErr)
		return
	}

	result := h.service.Refresh(r.Context(), postID, nil)

	status := http.StatusOK
	if result.State == model.LceLoading {
		status = http.StatusAccepted
	}
	writeJSON(w, status, toLceResponse(result, toCommentResponses))
}

// ListChildren はコメントへの直接の返信を表示順で返す。
// GET /api/comments/{id}/children
func (h *CommentHandler) ListChildren(w http.ResponseWriter, r *http.Request) {
	parentID, apiErr := parseIDParam(r, "id")
	if apiErr != nil {
		handleServiceError(w, r, apiErr)
		return
	}

	comments, err := h.service.GetCommentsForParent(r.Context(), parentID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCommentResponses(comments))
}
