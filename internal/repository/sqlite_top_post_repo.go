package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/yahn/internal/database"
)

// SQLiteTopPostRepo はSQLiteを使用したランキングリポジトリ。
type SQLiteTopPostRepo struct {
	db *database.DB
}

// NewSQLiteTopPostRepo はSQLiteTopPostRepoを生成する。
func NewSQLiteTopPostRepo(db *database.DB) *SQLiteTopPostRepo {
	return &SQLiteTopPostRepo{db: db}
}

// Replace はランキングを全件置き換える。
// DELETEと再INSERTを単一トランザクションで行うため、読み手が空のランキングを観測することはない。
func (r *SQLiteTopPostRepo) Replace(ctx context.Context, postIDs []int64) error {
	err := r.db.WriteTx(ctx, []string{database.TableTopPosts}, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM top_posts`); err != nil {
			return fmt.Errorf("ランキングの削除に失敗しました: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO top_posts (rank, post_id) VALUES (?, ?)`)
		if err != nil {
			return fmt.Errorf("ランキング挿入文の準備に失敗しました: %w", err)
		}
		defer stmt.Close()

		for rank, postID := range postIDs {
			if _, err := stmt.ExecContext(ctx, rank, postID); err != nil {
				return fmt.Errorf("ランキングの挿入に失敗しました: %w", err)
			}
		}
		return nil
	})
	return err
}

// ListPostIDs は順位の昇順でポストIDを返す。
func (r *SQLiteTopPostRepo) ListPostIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT post_id FROM top_posts ORDER BY rank ASC`)
	if err != nil {
		return nil, fmt.Errorf("ランキングの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
