package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/yahn/internal/middleware"
	"github.com/hitoshi/yahn/internal/rss"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// ヘルスチェックとメトリクス
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// ドメインサービス
	PostService    PostServiceInterface
	CommentService CommentServiceInterface
	Navigator      NavigatorInterface

	// RSS
	FeedOptions rss.Options
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → RequestID → Logging → SecurityHeaders → CORS
//
// 同期を伴うエンドポイントにはクライアントIPごとのレート制限を追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	postHandler := NewPostHandler(deps.PostService)
	commentHandler := NewCommentHandler(deps.CommentService, deps.PostService)
	navHandler := NewNavigationHandler(deps.Navigator)
	feedHandler := NewFeedHandler(deps.PostService, deps.FeedOptions)

	syncLimit := deps.RateLimiter.Middleware()

	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	r.Get("/rss", feedHandler.RSS)

	r.Route("/api", func(r chi.Router) {
		r.Route("/posts", func(r chi.Router) {
			r.Get("/", postHandler.ListPosts)
			r.Get("/stream", postHandler.StreamPosts)
			r.With(syncLimit).Post("/refresh", postHandler.RefreshPosts)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", postHandler.GetPost)
				r.Put("/viewed", postHandler.MarkViewed)
				r.Put("/comments-viewed", postHandler.MarkCommentsViewed)
				r.Get("/comments", commentHandler.ListComments)
				r.With(syncLimit).Post("/comments/refresh", commentHandler.RefreshComments)
			})
		})

		r.Get("/comments/{id}/children", commentHandler.ListChildren)
		r.With(syncLimit).Post("/navigate", navHandler.Navigate)
	})

	return r
}
