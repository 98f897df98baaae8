package database

import (
	"context"
	"sync"
)

// Notifier はテーブル単位の変更通知を購読者に配信する。
// 通知チャネルはバッファ1で、連続した変更は1回の通知にまとめられる。
type Notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscription
}

type subscription struct {
	tables map[string]bool
	ch     chan struct{}
}

// NewNotifier はNotifierを生成する。
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]*subscription)}
}

// Subscribe は指定テーブルの変更通知を購読する。
// 戻り値の関数で購読を解除する。
func (n *Notifier) Subscribe(tables ...string) (<-chan struct{}, func()) {
	sub := &subscription{
		tables: make(map[string]bool, len(tables)),
		ch:     make(chan struct{}, 1),
	}
	for _, t := range tables {
		sub.tables[t] = true
	}

	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = sub
	n.mu.Unlock()

	return sub.ch, func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

// Publish は指定テーブルの変更を購読者に通知する。送信はブロックしない。
func (n *Notifier) Publish(tables ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, sub := range n.subs {
		for _, t := range tables {
			if !sub.tables[t] {
				continue
			}
			select {
			case sub.ch <- struct{}{}:
			default:
			}
			break
		}
	}
}

// Watch は継続的に更新される読み取りビューを返す。
// 購読直後に1回、以降は対象テーブルが変更されるたびにqueryを再実行して結果を送信する。
// queryのエラーはonErrに渡され、そのスナップショットは送信されない。
// ctxがキャンセルされるとチャネルは閉じられる。
func Watch[T any](
	ctx context.Context,
	n *Notifier,
	tables []string,
	query func(ctx context.Context) (T, error),
	onErr func(error),
) <-chan T {
	out := make(chan T)
	changed, unsubscribe := n.Subscribe(tables...)

	go func() {
		defer close(out)
		defer unsubscribe()

		emit := func() bool {
			v, err := query(ctx)
			if err != nil {
				if onErr != nil && ctx.Err() == nil {
					onErr(err)
				}
				return ctx.Err() == nil
			}
			select {
			case out <- v:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-changed:
				if !emit() {
					return
				}
			}
		}
	}()

	return out
}
