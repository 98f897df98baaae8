package navigation

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// commentRefreshTimeout はナビゲーションを契機としたコメント同期1回あたりのタイムアウト。
const commentRefreshTimeout = 2 * time.Minute

// PostMarker はポストの既読状態を更新する。
type PostMarker interface {
	MarkPostViewed(id int64)
	MarkPostCommentViewed(id int64)
}

// CommentSyncer はポストのコメントを同期する。
type CommentSyncer interface {
	RequestAndStoreComments(ctx context.Context, postID int64, onProgress func(float64)) error
}

// Navigator はReduceの結果の副作用を実行する。
// 既読マークとコメント同期はいずれも完了を待たずに戻る。
type Navigator struct {
	marker   PostMarker
	comments CommentSyncer
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNavigator はNavigatorの新しいインスタンスを生成する。
func NewNavigator(marker PostMarker, comments CommentSyncer, logger *slog.Logger) *Navigator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Navigator{
		marker:   marker,
		comments: comments,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Dispatch は遷移を計算し、副作用を実行して次の画面を返す。
func (n *Navigator) Dispatch(current Screen, ev Event) (Screen, []Effect, error) {
	next, effects, err := Reduce(current, ev)
	if err != nil {
		return current, nil, err
	}

	for _, eff := range effects {
		switch eff.Type {
		case EffectMarkPostViewed:
			n.marker.MarkPostViewed(eff.PostID)
		case EffectMarkPostCommentViewed:
			n.marker.MarkPostCommentViewed(eff.PostID)
		case EffectRefreshComments:
			n.refreshComments(eff.PostID)
		}
	}
	return next, effects, nil
}

func (n *Navigator) refreshComments(postID int64) {
	if n.ctx.Err() != nil {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		ctx, cancel := context.WithTimeout(n.ctx, commentRefreshTimeout)
		defer cancel()

		if err := n.comments.RequestAndStoreComments(ctx, postID, nil); err != nil {
			n.logger.Warn("画面遷移に伴うコメント同期に失敗しました",
				slog.Int64("post_id", postID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Close は実行中のコメント同期をキャンセルし、終了を待つ。
func (n *Navigator) Close() {
	n.cancel()
	n.wg.Wait()
}
