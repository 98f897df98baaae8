// Package post はトップストーリーの同期と既読状態の管理を提供する。
package post

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/yahn/internal/database"
	"github.com/hitoshi/yahn/internal/hnapi"
	"github.com/hitoshi/yahn/internal/metrics"
	"github.com/hitoshi/yahn/internal/model"
	"github.com/hitoshi/yahn/internal/repository"
	"github.com/hitoshi/yahn/internal/security"
)

const (
	defaultRefreshInterval = 10 * time.Minute
	defaultPageSize        = 50
	defaultMaxConcurrent   = 16

	// markTimeout は既読マーク1件あたりの書き込みタイムアウト。
	markTimeout = 5 * time.Second
)

// RemoteSource はトップストーリーとアイテムの取得元。
type RemoteSource interface {
	FetchTopItems(ctx context.Context) ([]int64, error)
	FetchItem(ctx context.Context, id int64) (*model.Item, error)
}

// Config はポスト同期の設定。
type Config struct {
	// RefreshInterval より新しいキャッシュはリモートに問い合わせずにそのまま使う。
	RefreshInterval time.Duration
	// PageSize はランキングとして保持するポスト数の上限。
	PageSize int
	// MaxConcurrent は同時に実行するアイテム取得の上限。
	MaxConcurrent int
}

// Service はポストの同期パイプラインとUI向けの読み書きを提供する。
type Service struct {
	api       RemoteSource
	posts     repository.PostRepository
	topPosts  repository.TopPostRepository
	prefs     repository.PrefRepository
	notifier  *database.Notifier
	sanitizer security.ContentSanitizerService
	metrics   metrics.SyncRecorder
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time

	state     *StateTracker
	refreshMu sync.Mutex

	marksMu sync.Mutex
	marks   sync.WaitGroup
	closed  bool
}

// NewService はServiceの新しいインスタンスを生成する。
// Configの0値の項目にはデフォルト値を使用する。
func NewService(
	api RemoteSource,
	posts repository.PostRepository,
	topPosts repository.TopPostRepository,
	prefs repository.PrefRepository,
	notifier *database.Notifier,
	sanitizer security.ContentSanitizerService,
	recorder metrics.SyncRecorder,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Service{
		api:       api,
		posts:     posts,
		topPosts:  topPosts,
		prefs:     prefs,
		notifier:  notifier,
		sanitizer: sanitizer,
		metrics:   recorder,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		state:     NewStateTracker(),
	}
}

// State は直近のリフレッシュ状態を返す。
func (s *Service) State() *StateTracker {
	return s.state
}

type fetchResult struct {
	id   int64
	item *model.Item
	err  error
}

// RequestAndStorePosts はトップストーリーを取得してローカルストアに反映する。
//
// 最終フェッチ時刻からRefreshIntervalが経過していない場合はリモートに問い合わせず、
// onProgress(1.0)を呼んで終了する。それ以外の場合はランキングを単一トランザクションで置き換え、
// 各ポストを並行に取得して、届いた順に差分がある場合のみ書き込む。
// 全件成功した場合に限り最終フェッチ時刻を更新するため、キャンセルや失敗の後は次回必ず再取得する。
func (s *Service) RequestAndStorePosts(ctx context.Context, onProgress func(float64)) (err error) {
	if onProgress == nil {
		onProgress = func(float64) {}
	}

	start := s.now()
	syncID := uuid.NewString()
	logger := s.logger.With(slog.String("sync_id", syncID))

	lastFetch, _, err := s.prefs.Get(ctx, model.PrefLastFetch)
	if err != nil {
		return fmt.Errorf("最終フェッチ時刻の取得に失敗しました: %w", err)
	}
	if start.Unix()-lastFetch < int64(s.cfg.RefreshInterval/time.Second) {
		logger.Debug("キャッシュが新しいためポスト同期をスキップしました",
			slog.Int64("last_fetch", lastFetch),
		)
		s.metrics.RecordSyncSkipped(metrics.PipelinePosts)
		onProgress(1.0)
		return nil
	}

	defer func() {
		s.metrics.RecordSyncRun(metrics.PipelinePosts, metrics.ResultOf(err), s.now().Sub(start))
	}()

	ids, err := s.api.FetchTopItems(ctx)
	if err != nil {
		return fmt.Errorf("トップストーリーの取得に失敗しました: %w", err)
	}
	if len(ids) > s.cfg.PageSize {
		ids = ids[:s.cfg.PageSize]
	}

	if err := s.topPosts.Replace(ctx, ids); err != nil {
		return fmt.Errorf("ランキングの置き換えに失敗しました: %w", err)
	}

	logger.Info("ポスト同期を開始します", slog.Int("post_count", len(ids)))

	if len(ids) == 0 {
		onProgress(1.0)
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := s.fetchAll(fetchCtx, ids)

	var (
		completed, inserted, updated, unchanged, missing int
		firstErr                                         error
	)
	for r := range results {
		if firstErr != nil {
			continue
		}

		if r.err != nil {
			if errors.Is(r.err, hnapi.ErrItemNotFound) {
				logger.Warn("削除済みのポストをスキップしました", slog.Int64("post_id", r.id))
				missing++
			} else {
				firstErr = fmt.Errorf("ポスト %d の取得に失敗しました: %w", r.id, r.err)
				cancel()
				continue
			}
		} else if r.item.Deleted {
			missing++
		} else {
			op, err := s.upsert(ctx, r.item)
			if err != nil {
				firstErr = err
				cancel()
				continue
			}
			switch op {
			case metrics.OpInsert:
				inserted++
			case metrics.OpUpdate:
				updated++
			default:
				unchanged++
			}
		}

		completed++
		onProgress(float64(completed) / float64(len(ids)))
	}
	s.metrics.RecordItemsFetched(metrics.PipelinePosts, completed-missing)

	if firstErr == nil {
		firstErr = ctx.Err()
	}
	if firstErr != nil {
		logger.Warn("ポスト同期が中断されました",
			slog.Int("completed", completed),
			slog.String("error", firstErr.Error()),
		)
		return firstErr
	}

	if err := s.prefs.Set(ctx, model.PrefLastFetch, s.now().Unix()); err != nil {
		return fmt.Errorf("最終フェッチ時刻の保存に失敗しました: %w", err)
	}

	logger.Info("ポスト同期が完了しました",
		slog.Int("inserted", inserted),
		slog.Int("updated", updated),
		slog.Int("unchanged", unchanged),
		slog.Int("missing", missing),
		slog.Float64("duration_ms", float64(s.now().Sub(start).Milliseconds())),
	)
	return nil
}

// fetchAll はidsのアイテムを最大MaxConcurrent並列で取得し、完了順に結果を送る。
// 全ての取得が終わるとチャネルは閉じられる。
func (s *Service) fetchAll(ctx context.Context, ids []int64) <-chan fetchResult {
	results := make(chan fetchResult)
	sem := make(chan struct{}, s.cfg.MaxConcurrent)
	var wg sync.WaitGroup

	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results <- fetchResult{id: id, err: ctx.Err()}
				return
			}
			item, err := s.api.FetchItem(ctx, id)
			<-sem

			results <- fetchResult{id: id, item: item, err: err}
		}(id)
	}

	go func() {
		wg.Wait()
		close(results)
	}()
	return results
}

// upsert はポストを挿入するか、pointsまたはcomments_cntが変わった場合のみ更新する。
// 戻り値は実行した書き込み種別。書き込みがなければ空文字列を返す。
func (s *Service) upsert(ctx context.Context, item *model.Item) (string, error) {
	post := ToPost(item, s.now())
	if post.Text != nil {
		sanitized := s.sanitizer.Sanitize(*post.Text)
		post.Text = &sanitized
	}

	existing, err := s.posts.FindByID(ctx, post.ID)
	if err != nil {
		return "", err
	}

	if existing == nil {
		if err := s.posts.Insert(ctx, &post); err != nil {
			return "", err
		}
		s.metrics.RecordRowWritten(database.TablePosts, metrics.OpInsert)
		return metrics.OpInsert, nil
	}

	if existing.Points == post.Points && existing.CommentsCnt == post.CommentsCnt {
		s.metrics.RecordRowUnchanged(database.TablePosts)
		return "", nil
	}

	if err := s.posts.UpdateStats(ctx, post.ID, post.Points, post.CommentsCnt, post.LastUpdated); err != nil {
		return "", err
	}
	s.metrics.RecordRowWritten(database.TablePosts, metrics.OpUpdate)
	return metrics.OpUpdate, nil
}

// Refresh はRequestAndStorePostsを実行し、結果をLceとして返す。
// エラーは返さない。失敗時もキャッシュ済みのポストをDataに含める。
// 同時に呼ばれた場合は直列に実行される。
func (s *Service) Refresh(ctx context.Context, onProgress func(float64)) model.Lce[[]model.Post] {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	s.state.Set(model.LceLoading, "")

	syncErr := s.RequestAndStorePosts(ctx, onProgress)

	// ctxがキャンセルされていてもキャッシュは読めるようにする
	posts, err := s.posts.ListByRank(context.WithoutCancel(ctx))
	if err != nil {
		s.logger.Error("キャッシュ済みポストの取得に失敗しました", slog.String("error", err.Error()))
		posts = []model.Post{}
		if syncErr == nil {
			syncErr = err
		}
	}

	if syncErr != nil {
		msg := failureMessage(syncErr)
		s.state.Set(model.LceError, msg)
		return model.Failure(posts, msg)
	}

	s.state.Set(model.LceContent, "")
	return model.Content(posts)
}

// SelectAllPostsByRank はランキング順のポスト一覧を返す。
func (s *Service) SelectAllPostsByRank(ctx context.Context) ([]model.Post, error) {
	return s.posts.ListByRank(ctx)
}

// WatchPostsByRank はランキング順のポスト一覧のライブビューを返す。
// 購読直後と、ポストまたはランキングが変更されるたびにスナップショットを送る。
func (s *Service) WatchPostsByRank(ctx context.Context) <-chan []model.Post {
	return database.Watch(ctx, s.notifier,
		[]string{database.TablePosts, database.TableTopPosts},
		s.posts.ListByRank,
		func(err error) {
			s.logger.Error("ポスト一覧の再取得に失敗しました", slog.String("error", err.Error()))
		},
	)
}

// GetPost は指定IDのポストを返す。存在しない場合はPOST_NOT_FOUNDエラーを返す。
func (s *Service) GetPost(ctx context.Context, id int64) (*model.Post, error) {
	post, err := s.posts.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if post == nil {
		return nil, model.NewPostNotFoundError(id)
	}
	return post, nil
}

// MarkPostViewed はポストを既読にする。書き込みは非同期に行い、完了を待たない。
func (s *Service) MarkPostViewed(id int64) {
	s.goMark("viewed", id, s.posts.MarkViewed)
}

// MarkPostCommentViewed はポストのコメントを既読にする。書き込みは非同期に行い、完了を待たない。
func (s *Service) MarkPostCommentViewed(id int64) {
	s.goMark("comments_viewed", id, s.posts.MarkCommentsViewed)
}

func (s *Service) goMark(kind string, id int64, mark func(context.Context, int64) error) {
	s.marksMu.Lock()
	if s.closed {
		s.marksMu.Unlock()
		return
	}
	s.marks.Add(1)
	s.marksMu.Unlock()

	go func() {
		defer s.marks.Done()

		ctx, cancel := context.WithTimeout(context.Background(), markTimeout)
		defer cancel()

		if err := mark(ctx, id); err != nil {
			s.logger.Error("既読状態の保存に失敗しました",
				slog.String("kind", kind),
				slog.Int64("post_id", id),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Close は実行中の既読マークの完了を待つ。Close後のマークは無視される。
func (s *Service) Close() {
	s.marksMu.Lock()
	s.closed = true
	s.marksMu.Unlock()
	s.marks.Wait()
}

// failureMessage は同期エラーをユーザー向けのメッセージに変換する。
func failureMessage(err error) string {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	var statusErr *hnapi.StatusError
	if errors.As(err, &statusErr) {
		return model.NewRemoteFetchFailedError(statusErr.Error()).Message
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return model.NewRemoteFetchFailedError(err.Error()).Message
	}
	return err.Error()
}
