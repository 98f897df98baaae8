package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/yahn/internal/database"
)

// SQLitePrefRepo はSQLiteを使用したプリファレンスリポジトリ。
type SQLitePrefRepo struct {
	db *database.DB
}

// NewSQLitePrefRepo はSQLitePrefRepoを生成する。
func NewSQLitePrefRepo(db *database.DB) *SQLitePrefRepo {
	return &SQLitePrefRepo{db: db}
}

// Get は指定キーの値を取得する。未設定の場合は0とfalseを返す。
func (r *SQLitePrefRepo) Get(ctx context.Context, key string) (int64, bool, error) {
	var v int64
	err := r.db.QueryRowContext(ctx, `SELECT value_int FROM prefs WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("プリファレンスの取得に失敗しました: %w", err)
	}
	return v, true, nil
}

// Set は指定キーに値をUPSERTする。
func (r *SQLitePrefRepo) Set(ctx context.Context, key string, value int64) error {
	_, err := r.db.WriteExec(ctx, database.TablePrefs,
		`INSERT INTO prefs (key, value_int) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value_int = excluded.value_int`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("プリファレンスの保存に失敗しました: %w", err)
	}
	return nil
}
