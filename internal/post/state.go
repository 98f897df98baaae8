package post

import (
	"sync"

	"github.com/hitoshi/yahn/internal/model"
)

// StateTracker は直近のリフレッシュの状態を保持する。
// HTTP APIはキャッシュ済みのポストにこの状態を付けてLceとして返す。
type StateTracker struct {
	mu    sync.RWMutex
	state model.LceState
	err   string
}

// NewStateTracker はContent状態のStateTrackerを生成する。
func NewStateTracker() *StateTracker {
	return &StateTracker{state: model.LceContent}
}

// Set は状態を更新する。
func (t *StateTracker) Set(state model.LceState, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
	t.err = errMsg
}

// Snapshot は現在の状態とエラーメッセージを返す。
func (t *StateTracker) Snapshot() (model.LceState, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state, t.err
}
