package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/yahn/internal/comment"
	"github.com/hitoshi/yahn/internal/config"
	"github.com/hitoshi/yahn/internal/database"
	"github.com/hitoshi/yahn/internal/handler"
	"github.com/hitoshi/yahn/internal/hnapi"
	"github.com/hitoshi/yahn/internal/httpcache"
	"github.com/hitoshi/yahn/internal/logger"
	"github.com/hitoshi/yahn/internal/metrics"
	"github.com/hitoshi/yahn/internal/middleware"
	"github.com/hitoshi/yahn/internal/model"
	"github.com/hitoshi/yahn/internal/navigation"
	"github.com/hitoshi/yahn/internal/post"
	"github.com/hitoshi/yahn/internal/repository"
	"github.com/hitoshi/yahn/internal/rss"
	"github.com/hitoshi/yahn/internal/security"
	"github.com/hitoshi/yahn/internal/worker/cleanup"
	"github.com/hitoshi/yahn/internal/worker/refresh"
)

// ErrDatabaseLocked は別のプロセスがデータベースを所有している場合に返される。
var ErrDatabaseLocked = errors.New("database is locked by another process")

// Init はアプリケーションの初期化を行う。
// 環境変数（と設定ファイル）からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再セットアップする
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// App はデータベースとリモートクライアント、同期サービスを所有する。
// Openで生成し、終了時に必ずCloseを呼ぶ。
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	lock     *flock.Flock
	db       *database.DB
	cache    *httpcache.Transport
	registry *prometheus.Registry

	posts     *post.Service
	comments  *comment.Service
	navigator *navigation.Navigator
}

// Open はデータベースファイルのロックを取得し、全依存関係をワイヤリングする。
// 別のプロセスがロックを保持している場合はErrDatabaseLockedを返す。
func Open(cfg *config.Config, log *slog.Logger) (_ *App, err error) {
	a := &App{cfg: cfg, logger: log}
	// 途中で失敗した場合はそれまでに開いたものを閉じ、ロックを解放する
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// 1. 単一プロセスでの所有を保証する
	a.lock = flock.New(cfg.DatabasePath + ".lock")
	locked, err := a.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire database lock: %w", err)
	}
	if !locked {
		a.lock = nil
		return nil, ErrDatabaseLocked
	}

	// 2. DB接続とマイグレーション
	a.db, err = database.OpenAndMigrate(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	log.Info("database opened", slog.String("path", cfg.DatabasePath))

	// 3. リモートクライアント
	// キャッシュ -> レート制限 -> ネットワークの順に通す。キャッシュヒットはトークンを消費しない
	limiter := rate.NewLimiter(rate.Limit(cfg.APIRatePerSec), cfg.APIBurst)
	var transport http.RoundTripper = hnapi.NewRateLimitedTransport(http.DefaultTransport, limiter)
	if cfg.HTTPCachePath != "" {
		a.cache, err = httpcache.Open(cfg.HTTPCachePath, transport, cfg.HTTPCacheMaxAge)
		if err != nil {
			return nil, err
		}
		transport = a.cache
	}
	httpClient := &http.Client{Timeout: cfg.FetchTimeout, Transport: transport}
	client := hnapi.NewClient(httpClient, cfg.HNAPIBaseURL, log)

	// 4. メトリクス
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(a.registry)

	// 5. 同期サービス
	sanitizer := security.NewContentSanitizer()
	a.posts = post.NewService(
		client,
		repository.NewSQLitePostRepo(a.db),
		repository.NewSQLiteTopPostRepo(a.db),
		repository.NewSQLitePrefRepo(a.db),
		a.db.Notifier(),
		sanitizer,
		collector,
		log,
		post.Config{
			RefreshInterval: cfg.RefreshInterval,
			PageSize:        cfg.PostPageSize,
			MaxConcurrent:   cfg.FetchMaxConcurrent,
		},
	)
	a.comments = comment.NewService(
		client,
		repository.NewSQLiteCommentRepo(a.db),
		a.db.Notifier(),
		sanitizer,
		collector,
		log,
		comment.Config{
			PageSize:      cfg.CommentPageSize,
			MaxConcurrent: cfg.FetchMaxConcurrent,
		},
	)
	a.navigator = navigation.NewNavigator(a.posts, a.comments, log)

	return a, nil
}

// Close は依存関係を生成と逆順に閉じる。実行中の既読マークとコメント同期の完了を待つ。
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.navigator != nil {
		a.navigator.Close()
	}
	if a.posts != nil {
		a.posts.Close()
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("failed to close http cache", slog.String("error", err.Error()))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close database", slog.String("error", err.Error()))
		}
	}
	if a.lock != nil {
		_ = a.lock.Unlock()
	}
}

// startBackground はリフレッシュスケジューラとメンテナンスジョブを起動する。
// ctxがキャンセルされると両方が終了し、返されたチャネルがcloseされる。
func (a *App) startBackground(ctx context.Context) <-chan struct{} {
	scheduler := refresh.NewScheduler(
		a.posts, a.comments, a.logger,
		a.cfg.PrefetchComments, a.cfg.FetchMaxConcurrent,
	)

	// cacheが無効の場合はnilインターフェースを渡す
	var purger cleanup.CachePurger
	if a.cache != nil {
		purger = a.cache
	}
	cleanupJob := cleanup.NewCleanupJob(a.db, purger, a.logger)

	done := make(chan struct{})
	go func() {
		defer close(done)

		cleanupDone := make(chan struct{})
		go func() {
			defer close(cleanupDone)
			cleanupJob.Start(ctx, a.cfg.MaintenanceInterval)
		}()

		scheduler.Start(ctx, a.cfg.RefreshInterval)
		<-cleanupDone
	}()
	return done
}

// runServe はAPIサーバーとバックグラウンド同期を起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, a *App) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(a.cfg.RateLimitRefresh), a.logger)
	defer rl.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		CORSAllowedOrigin: a.cfg.CORSAllowedOrigin,
		RateLimiter:       rl,
		Logger:            a.logger,
		HealthChecker:     a.db,
		MetricsHandler:    metrics.Handler(a.registry),
		PostService:       a.posts,
		CommentService:    a.comments,
		Navigator:         a.navigator,
		FeedOptions:       rss.DefaultOptions(),
	})

	server := &http.Server{
		Addr:         ":" + a.cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
		// SSEストリームをシャットダウン時に終了させる
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	bgDone := a.startBackground(ctx)

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var listenErr error
	select {
	case <-ctx.Done():
	case listenErr = <-serveErr:
	}
	a.logger.Info("shutting down API server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	shutdownErr := server.Shutdown(shutdownCtx)
	<-bgDone

	if listenErr != nil {
		return fmt.Errorf("server listen error: %w", listenErr)
	}
	if shutdownErr != nil {
		return fmt.Errorf("server shutdown failed: %w", shutdownErr)
	}

	a.logger.Info("API server stopped gracefully")
	return nil
}

// runWorker はバックグラウンド同期のみを起動する。
// ctxがキャンセルされるまでブロックする。
func runWorker(ctx context.Context, a *App) error {
	a.logger.Info("worker starting",
		slog.Duration("refresh_interval", a.cfg.RefreshInterval),
		slog.Int("prefetch_comments", a.cfg.PrefetchComments),
	)

	<-a.startBackground(ctx)

	a.logger.Info("worker stopped gracefully")
	return nil
}

// runSyncPosts はポストを1回同期し、結果をwに出力する。
// 同期に失敗した場合はエラーを返す。
func runSyncPosts(ctx context.Context, a *App, w io.Writer) error {
	result := a.posts.Refresh(ctx, nil)
	if result.State == model.LceError {
		return fmt.Errorf("post sync failed: %s", result.Error)
	}
	fmt.Fprintf(w, "synced %d posts\n", len(result.Data))
	return nil
}

// runSyncComments はポストのコメントツリーを1回同期し、結果をwに出力する。
func runSyncComments(ctx context.Context, a *App, postID int64, w io.Writer) error {
	if _, err := a.posts.GetPost(ctx, postID); err != nil {
		return err
	}

	result := a.comments.Refresh(ctx, postID, nil)
	switch result.State {
	case model.LceError:
		return fmt.Errorf("comment sync failed: %s", result.Error)
	case model.LceLoading:
		return model.NewSyncInProgressError(fmt.Sprintf("post %d", postID))
	}

	total, err := countComments(ctx, a.comments, result.Data)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "synced %d comments (%d top-level) for post %d\n", total, len(result.Data), postID)
	return nil
}

// countComments はrootsを根とするコメントツリーの総数を数える。
func countComments(ctx context.Context, svc *comment.Service, roots []model.Comment) (int, error) {
	total := 0
	stack := append([]model.Comment(nil), roots...)
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		total++
		if c.ChildrenCnt == 0 {
			continue
		}
		children, err := svc.GetCommentsForParent(ctx, c.ID)
		if err != nil {
			return 0, err
		}
		stack = append(stack, children...)
	}
	return total, nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, log *slog.Logger) error {
	lock := flock.New(cfg.DatabasePath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire database lock: %w", err)
	}
	if !locked {
		return ErrDatabaseLocked
	}
	defer func() { _ = lock.Unlock() }()

	log.Info("running database migrations", slog.String("path", cfg.DatabasePath))

	if err := database.RunMigrations(cfg.DatabasePath); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// signalContext はSIGINTまたはSIGTERMでキャンセルされるコンテキストを返す。
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
