package refresh

import "time"

const (
	// initialBackoff は同期失敗後の初回リトライ遅延。
	initialBackoff = 30 * time.Second
)

// CalculateBackoff は連続失敗回数に基づいて次回実行までの遅延を計算する。
// 初回30秒、2倍ずつ増加し、通常の実行間隔を上限とする。
func CalculateBackoff(consecutiveErrors int, interval time.Duration) time.Duration {
	delay := initialBackoff
	if delay > interval {
		return interval
	}
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > interval {
			return interval
		}
	}
	return delay
}

// nextDelay は直前の実行結果に応じた次回実行までの遅延を返す。
func nextDelay(consecutiveErrors int, interval time.Duration) time.Duration {
	if consecutiveErrors == 0 {
		return interval
	}
	return CalculateBackoff(consecutiveErrors-1, interval)
}
