// Package refresh はトップストーリーのバックグラウンド同期を提供する。
// 一定間隔でポストを同期し、上位ポストのコメントを先読みする。
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/yahn/internal/model"
)

// PostRefresher はポスト同期の実行インターフェース。
type PostRefresher interface {
	Refresh(ctx context.Context, onProgress func(float64)) model.Lce[[]model.Post]
}

// CommentSyncer はコメント同期の実行インターフェース。
type CommentSyncer interface {
	RequestAndStoreComments(ctx context.Context, postID int64, onProgress func(float64)) error
}

// Scheduler はポスト同期のスケジューリングとコメント先読みの並列制御を行う。
// ポストの鮮度判定はpost.Serviceが行うため、間隔内の実行はリモート呼び出しなしで終わる。
type Scheduler struct {
	posts          PostRefresher
	comments       CommentSyncer
	logger         *slog.Logger
	prefetch       int
	maxConcurrency int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// prefetchが0以下の場合はコメントの先読みを行わない。
// maxConcurrencyが0以下の場合はデフォルト値4を使用する。
func NewScheduler(
	posts PostRefresher,
	comments CommentSyncer,
	logger *slog.Logger,
	prefetch int,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	return &Scheduler{
		posts:          posts,
		comments:       comments,
		logger:         logger,
		prefetch:       prefetch,
		maxConcurrency: maxConcurrency,
	}
}

// Start は指定間隔でスケジューラを起動する。
// 失敗が続いた場合は間隔を上限とする指数バックオフで再試行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("prefetch_comments", s.prefetch),
	)

	consecutiveErrors := 0
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-timer.C:
			if err := s.RunOnce(ctx); err != nil {
				consecutiveErrors++
				s.logger.Error("同期サイクルの実行に失敗しました",
					slog.Int("consecutive_errors", consecutiveErrors),
					slog.String("error", err.Error()),
				)
			} else {
				consecutiveErrors = 0
			}
			timer.Reset(nextDelay(consecutiveErrors, interval))
		}
	}
}

// RunOnce はポストを1回同期し、成功した場合は上位ポストのコメントを並列に先読みする。
// コメント先読みの個別の失敗はログに記録するのみで、サイクルは失敗扱いにしない。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	result := s.posts.Refresh(ctx, nil)
	if result.State == model.LceError {
		return fmt.Errorf("ポスト同期に失敗: %s", result.Error)
	}

	targets := result.Data
	if s.prefetch <= 0 {
		targets = nil
	} else if len(targets) > s.prefetch {
		targets = targets[:s.prefetch]
	}

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup
	prefetched := 0

	for _, p := range targets {
		if p.CommentsCnt == 0 {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		prefetched++
		sem <- struct{}{}

		go func(postID int64) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := s.comments.RequestAndStoreComments(ctx, postID, nil); err != nil {
				var apiErr *model.APIError
				if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeSyncInProgress {
					s.logger.Debug("コメント同期が実行中のため先読みをスキップしました",
						slog.Int64("post_id", postID),
					)
					return
				}
				s.logger.Warn("コメントの先読みに失敗しました",
					slog.Int64("post_id", postID),
					slog.String("error", err.Error()),
				)
			}
		}(p.ID)
	}

	wg.Wait()

	duration := time.Since(start)
	s.logger.Info("同期サイクルが完了しました",
		slog.Int("post_count", len(result.Data)),
		slog.Int("prefetched", prefetched),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return ctx.Err()
}
