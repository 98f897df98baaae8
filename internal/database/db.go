package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"

	_ "modernc.org/sqlite"
)

// テーブル名。変更通知の購読キーとしても使用する。
const (
	TablePosts    = "posts"
	TableTopPosts = "top_posts"
	TableComments = "comments"
	TablePrefs    = "prefs"
)

// DB はローカルSQLiteストアのハンドル。
// 書き込みはすべてWriteExec/WriteTxを経由させ、ストア内部のロックで直列化する。
// 読み込みはWALモードの別コネクションで並行に実行できる。
// ハンドルはアプリケーションが所有し、syncコンポーネントは借用するだけとする。
type DB struct {
	*sql.DB

	path     string
	writeMu  sync.Mutex
	writes   atomic.Int64
	notifier *Notifier
}

// Open はSQLiteデータベースを開く。
// WALモード、外部キー制約、busy_timeoutを有効化する。
// スキーマの適用はRunMigrationsで別途行う。
func Open(path string) (*DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &DB{
		DB:       conn,
		path:     path,
		notifier: NewNotifier(),
	}, nil
}

// OpenAndMigrate はマイグレーションを適用してからデータベースを開く。
func OpenAndMigrate(path string) (*DB, error) {
	if err := RunMigrations(path); err != nil {
		return nil, err
	}
	return Open(path)
}

// Path はデータベースファイルのパスを返す。
func (d *DB) Path() string {
	return d.path
}

// Notifier はテーブル変更通知のNotifierを返す。
func (d *DB) Notifier() *Notifier {
	return d.notifier
}

// WriteCount はこれまでに実行された書き込み（単文またはコミット済みトランザクション）の数を返す。
// 変更のない行への書き込みが発生していないことの検証に使用する。
func (d *DB) WriteCount() int64 {
	return d.writes.Load()
}

// WriteExec は書き込みロックを取得して1文を実行する。
// 1行以上変更された場合はtableの変更を通知する。
func (d *DB) WriteExec(ctx context.Context, table string, query string, args ...any) (sql.Result, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	res, err := d.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	d.writes.Add(1)

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		d.notifier.Publish(table)
	}
	return res, nil
}

// WriteTx は書き込みロックを取得し、fnを単一トランザクション内で実行する。
// fnがエラーを返した場合はロールバックする。コミット成功時はtablesの変更を通知する。
func (d *DB) WriteTx(ctx context.Context, tables []string, fn func(tx *sql.Tx) error) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	d.writes.Add(1)

	d.notifier.Publish(tables...)
	return nil
}
