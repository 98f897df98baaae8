// Package comment はポストのコメントツリーの同期と読み出しを提供する。
package comment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
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
	defaultPageSize      = 300
	defaultMaxConcurrent = 16

	// DeletedUsername は削除済みまたは投稿者のないコメントに設定するユーザー名。
	DeletedUsername = "n/a"
)

// ItemSource はアイテムの取得元。
type ItemSource interface {
	FetchItem(ctx context.Context, id int64) (*model.Item, error)
}

// Config はコメント同期の設定。
type Config struct {
	// PageSize は1回の同期で保存するコメント数の上限。
	PageSize int
	// MaxConcurrent は同期全体で同時に実行するアイテム取得の上限。
	MaxConcurrent int
}

// Service はコメントツリーの同期パイプラインとUI向けの読み出しを提供する。
type Service struct {
	api       ItemSource
	comments  repository.CommentRepository
	notifier  *database.Notifier
	sanitizer security.ContentSanitizerService
	metrics   metrics.SyncRecorder
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time

	inflightMu sync.Mutex
	inflight   map[int64]bool
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	api ItemSource,
	comments repository.CommentRepository,
	notifier *database.Notifier,
	sanitizer security.ContentSanitizerService,
	recorder metrics.SyncRecorder,
	logger *slog.Logger,
	cfg Config,
) *Service {
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
		comments:  comments,
		notifier:  notifier,
		sanitizer: sanitizer,
		metrics:   recorder,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		inflight:  make(map[int64]bool),
	}
}

// RequestAndStoreComments はポストのコメントツリーを深さ優先で取得してローカルストアに反映する。
//
// 兄弟コメントは並行に取得し、揃った後に取得順で保存してから各子ツリーへ再帰する。
// 並行数は同期全体で共有するセマフォで制限し、セマフォはネットワーク呼び出しの間だけ保持する。
// 保存数がPageSizeに達すると以降の展開を打ち切る。
// 失敗は呼び出し元に伝播し、それまでに保存したコメントはそのまま残る。
// onProgressはトップレベルのコメントの枝が完了するたびに呼ばれ、最後に1.0で呼ばれる。
// 同じポストの同期が実行中の場合はSYNC_IN_PROGRESSエラーを返す。
func (s *Service) RequestAndStoreComments(ctx context.Context, postID int64, onProgress func(float64)) (err error) {
	if !s.acquire(postID) {
		return model.NewSyncInProgressError(fmt.Sprintf("post %d", postID))
	}
	defer s.release(postID)

	if onProgress == nil {
		onProgress = func(float64) {}
	}

	start := s.now()
	logger := s.logger.With(
		slog.String("sync_id", uuid.NewString()),
		slog.Int64("post_id", postID),
	)

	defer func() {
		s.metrics.RecordSyncRun(metrics.PipelineComments, metrics.ResultOf(err), s.now().Sub(start))
	}()

	root, err := s.api.FetchItem(ctx, postID)
	if err != nil {
		if errors.Is(err, hnapi.ErrItemNotFound) {
			return model.NewPostNotFoundError(postID)
		}
		return fmt.Errorf("ポスト %d の取得に失敗しました: %w", postID, err)
	}

	run := &treeSync{
		svc:        s,
		postID:     postID,
		sem:        make(chan struct{}, s.cfg.MaxConcurrent),
		total:      len(root.Kids),
		onProgress: onProgress,
		logger:     logger,
	}

	logger.Info("コメント同期を開始します", slog.Int("top_level_count", run.total))

	if err := run.walk(ctx, root.Kids, nil, 0); err != nil {
		logger.Warn("コメント同期が中断されました",
			slog.Int("stored", run.stored),
			slog.String("error", err.Error()),
		)
		return err
	}

	onProgress(1.0)
	s.metrics.RecordItemsFetched(metrics.PipelineComments, int(run.fetched.Load()))

	logger.Info("コメント同期が完了しました",
		slog.Int("stored", run.stored),
		slog.Int("inserted", run.inserted),
		slog.Int("updated", run.updated),
		slog.Bool("capped", run.stored >= s.cfg.PageSize),
		slog.Float64("duration_ms", float64(s.now().Sub(start).Milliseconds())),
	)
	return nil
}

// treeSync は1回のコメント同期の状態を保持する。
// walkは単一のゴルーチンで実行されるため、fetched以外のカウンタは排他不要。
type treeSync struct {
	svc        *Service
	postID     int64
	sem        chan struct{}
	total      int
	completed  int
	onProgress func(float64)
	logger     *slog.Logger

	stored, inserted, updated int
	fetched                   atomic.Int64
}

func (r *treeSync) walk(ctx context.Context, kids []int64, parent *int64, depth int) error {
	remaining := r.svc.cfg.PageSize - r.stored
	if remaining <= 0 || len(kids) == 0 {
		return nil
	}
	if len(kids) > remaining {
		kids = kids[:remaining]
	}

	items, err := r.fetchBatch(ctx, kids)
	if err != nil {
		return err
	}

	for i, item := range items {
		if item == nil {
			continue
		}
		if r.stored >= r.svc.cfg.PageSize {
			return nil
		}

		c := r.svc.toComment(item, r.postID, parent, int64(i))
		op, err := r.svc.upsert(ctx, &c)
		if err != nil {
			return err
		}
		r.stored++
		switch op {
		case metrics.OpInsert:
			r.inserted++
		case metrics.OpUpdate:
			r.updated++
		}

		id := item.ID
		if err := r.walk(ctx, item.Kids, &id, depth+1); err != nil {
			return err
		}

		if depth == 0 {
			r.completed++
			r.onProgress(float64(r.completed) / float64(r.total))
		}
	}
	return nil
}

// fetchBatch は兄弟コメントを並行に取得し、idsと同じ順序で返す。
// nullが返されたアイテムはnilになる。
func (r *treeSync) fetchBatch(ctx context.Context, ids []int64) ([]*model.Item, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	items := make([]*model.Item, len(ids))
	errs := make([]error, len(ids))
	var wg sync.WaitGroup

	for i, id := range ids {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()

			select {
			case r.sem <- struct{}{}:
			case <-ctx.Done():
				errs[i] = ctx.Err()
				return
			}
			item, err := r.svc.api.FetchItem(ctx, id)
			<-r.sem

			if err != nil {
				if !errors.Is(err, hnapi.ErrItemNotFound) {
					cancel()
				}
				errs[i] = err
				return
			}
			r.fetched.Add(1)
			items[i] = item
		}(i, id)
	}
	wg.Wait()

	var ctxErr error
	for i, err := range errs {
		switch {
		case err == nil:
		case errors.Is(err, hnapi.ErrItemNotFound):
			r.logger.Debug("nullのコメントをスキップしました", slog.Int64("comment_id", ids[i]))
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			if ctxErr == nil {
				ctxErr = err
			}
		default:
			return nil, fmt.Errorf("コメント %d の取得に失敗しました: %w", ids[i], err)
		}
	}
	if ctxErr != nil {
		return nil, ctxErr
	}
	return items, nil
}

// toComment はAPIのアイテムをコメントに変換する。
// 親がルートポストの場合はParentをnilにする。削除済みコメントはユーザー名を"n/a"、本文を空にする。
func (s *Service) toComment(item *model.Item, postID int64, parent *int64, sortOrder int64) model.Comment {
	now := s.now().Unix()
	c := model.Comment{
		ID:          item.ID,
		Username:    item.By,
		UnixTime:    item.Time,
		Content:     s.sanitizer.Sanitize(item.Text),
		PostID:      postID,
		Parent:      parent,
		ChildrenCnt: int64(len(item.Kids)),
		SortOrder:   sortOrder,
		Created:     now,
		LastUpdated: now,
	}

	if item.Parent != nil {
		if *item.Parent == postID {
			c.Parent = nil
		} else {
			p := *item.Parent
			c.Parent = &p
		}
	}

	if item.By == "" {
		c.Username = DeletedUsername
	}
	if item.Deleted {
		c.Username = DeletedUsername
		c.Content = ""
	}
	return c
}

// upsert はコメントを挿入するか、本文または子コメント数が変わった場合のみ更新する。
// 戻り値は実行した書き込み種別。書き込みがなければ空文字列を返す。
func (s *Service) upsert(ctx context.Context, c *model.Comment) (string, error) {
	existing, err := s.comments.FindByID(ctx, c.ID)
	if err != nil {
		return "", err
	}

	if existing == nil {
		if err := s.comments.Insert(ctx, c); err != nil {
			return "", err
		}
		s.metrics.RecordRowWritten(database.TableComments, metrics.OpInsert)
		return metrics.OpInsert, nil
	}

	if existing.Content == c.Content && existing.ChildrenCnt == c.ChildrenCnt {
		s.metrics.RecordRowUnchanged(database.TableComments)
		return "", nil
	}

	c.Created = existing.Created
	if err := s.comments.UpdateContent(ctx, c); err != nil {
		return "", err
	}
	s.metrics.RecordRowWritten(database.TableComments, metrics.OpUpdate)
	return metrics.OpUpdate, nil
}

// Refresh はRequestAndStoreCommentsを実行し、ポスト直下のコメントをLceとして返す。
// エラーは返さない。失敗時もキャッシュ済みのコメントをDataに含める。
// 同じポストの同期が実行中の場合はLoading状態を返す。
func (s *Service) Refresh(ctx context.Context, postID int64, onProgress func(float64)) model.Lce[[]model.Comment] {
	syncErr := s.RequestAndStoreComments(ctx, postID, onProgress)

	comments, err := s.comments.ListByPost(context.WithoutCancel(ctx), postID)
	if err != nil {
		s.logger.Error("キャッシュ済みコメントの取得に失敗しました",
			slog.Int64("post_id", postID),
			slog.String("error", err.Error()),
		)
		comments = []model.Comment{}
		if syncErr == nil {
			syncErr = err
		}
	}

	var apiErr *model.APIError
	if errors.As(syncErr, &apiErr) && apiErr.Code == model.ErrCodeSyncInProgress {
		return model.Loading(comments)
	}
	if syncErr != nil {
		return model.Failure(comments, failureMessage(syncErr))
	}
	return model.Content(comments)
}

// GetCommentsForPost はポスト直下のコメントを表示順で返す。
func (s *Service) GetCommentsForPost(ctx context.Context, postID int64) ([]model.Comment, error) {
	return s.comments.ListByPost(ctx, postID)
}

// GetCommentsForParent は指定コメントへの直接の返信を表示順で返す。
func (s *Service) GetCommentsForParent(ctx context.Context, parentID int64) ([]model.Comment, error) {
	return s.comments.ListByParent(ctx, parentID)
}

// WatchCommentsForPost はポスト直下のコメントのライブビューを返す。
func (s *Service) WatchCommentsForPost(ctx context.Context, postID int64) <-chan []model.Comment {
	return database.Watch(ctx, s.notifier, []string{database.TableComments},
		func(ctx context.Context) ([]model.Comment, error) {
			return s.comments.ListByPost(ctx, postID)
		},
		s.logWatchError,
	)
}

// WatchCommentsForParent は指定コメントへの返信のライブビューを返す。
func (s *Service) WatchCommentsForParent(ctx context.Context, parentID int64) <-chan []model.Comment {
	return database.Watch(ctx, s.notifier, []string{database.TableComments},
		func(ctx context.Context) ([]model.Comment, error) {
			return s.comments.ListByParent(ctx, parentID)
		},
		s.logWatchError,
	)
}

func (s *Service) logWatchError(err error) {
	s.logger.Error("コメント一覧の再取得に失敗しました", slog.String("error", err.Error()))
}

func (s *Service) acquire(postID int64) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if s.inflight[postID] {
		return false
	}
	s.inflight[postID] = true
	return true
}

func (s *Service) release(postID int64) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, postID)
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
	return err.Error()
}
