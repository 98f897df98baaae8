// Package cleanup はローカルストアの定期メンテナンスジョブを提供する。
// WALのチェックポイント、クエリプランナ統計の更新、期限切れHTTPキャッシュの削除を行う。
// ポストとコメントはキャッシュの正本であるため、このジョブでは削除しない。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *database.DB を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CachePurger は期限切れのHTTPキャッシュエントリを削除する。
type CachePurger interface {
	Purge(now time.Time) (int, error)
}

// maintenanceStatements は順に実行するメンテナンス文。
var maintenanceStatements = []string{
	"PRAGMA wal_checkpoint(TRUNCATE)",
	"PRAGMA optimize",
}

// CleanupJob はストアとHTTPキャッシュのメンテナンスジョブ。
// 何度実行しても結果が変わらない冪等な処理のみを行う。
type CleanupJob struct {
	db     Executor
	cache  CachePurger
	logger *slog.Logger
	now    func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
// cacheがnilの場合はHTTPキャッシュの削除を行わない。
func NewCleanupJob(db Executor, cache CachePurger, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:     db,
		cache:  cache,
		logger: logger,
		now:    time.Now,
	}
}

// Start は指定間隔でジョブを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// エラーはRun内でログ出力済み
			_ = j.Run(ctx)
		}
	}
}

// Run はメンテナンスを1回実行する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	purged := 0
	if j.cache != nil {
		n, err := j.cache.Purge(j.now())
		if err != nil {
			j.logger.Error("HTTPキャッシュの削除に失敗しました",
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("HTTPキャッシュの削除に失敗: %w", err)
		}
		purged = n
	}

	for _, stmt := range maintenanceStatements {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			j.logger.Error("ストアのメンテナンスに失敗しました",
				slog.String("statement", stmt),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("ストアのメンテナンスに失敗 (%s): %w", stmt, err)
		}
	}

	duration := time.Since(start)
	j.logger.Info("メンテナンスジョブが完了しました",
		slog.Int("purged_cache_entries", purged),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
