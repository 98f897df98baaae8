package handler

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/yahn/internal/model"
	"github.com/hitoshi/yahn/internal/rss"
)

// RankedPostLister はランキング順のポスト一覧を返す。
type RankedPostLister interface {
	SelectAllPostsByRank(ctx context.Context) ([]model.Post, error)
}

// FeedHandler はキャッシュ済みポストのRSSを配信するHTTPハンドラー。
type FeedHandler struct {
	posts RankedPostLister
	opts  rss.Options
	now   func() time.Time
}

// NewFeedHandler はFeedHandlerを生成する。
func NewFeedHandler(posts RankedPostLister, opts rss.Options) *FeedHandler {
	return &FeedHandler{posts: posts, opts: opts, now: time.Now}
}

// RSS はランキング順のポストをRSS 2.0で返す。
// GET /rss
func (h *FeedHandler) RSS(w http.ResponseWriter, r *http.Request) {
	posts, err := h.posts.SelectAllPostsByRank(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := rss.Write(&buf, posts, h.opts, h.now()); err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	if _, err := buf.WriteTo(w); err != nil {
		slog.Warn("RSSの書き込みに失敗しました", slog.String("error", err.Error()))
	}
}
