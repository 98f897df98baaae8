package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/yahn/internal/database"
	"github.com/hitoshi/yahn/internal/model"
)

const commentColumns = `id, username, unix_time, content, post_id, parent, children_cnt, sort_order, created, last_updated`

// SQLiteCommentRepo はSQLiteを使用したコメントリポジトリ。
type SQLiteCommentRepo struct {
	db *database.DB
}

// NewSQLiteCommentRepo はSQLiteCommentRepoを生成する。
func NewSQLiteCommentRepo(db *database.DB) *SQLiteCommentRepo {
	return &SQLiteCommentRepo{db: db}
}

// FindByID は指定IDのコメントを取得する。見つからない場合はnilを返す。
func (r *SQLiteCommentRepo) FindByID(ctx context.Context, id int64) (*model.Comment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id = ?`, id)

	c, err := scanComment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("コメントの取得に失敗しました: %w", err)
	}
	return c, nil
}

// Insert は新規コメントを挿入する。
func (r *SQLiteCommentRepo) Insert(ctx context.Context, c *model.Comment) error {
	var parent sql.NullInt64
	if c.Parent != nil {
		parent = sql.NullInt64{Int64: *c.Parent, Valid: true}
	}

	_, err := r.db.WriteExec(ctx, database.TableComments,
		`INSERT INTO comments (`+commentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Username, c.UnixTime, c.Content, c.PostID, parent,
		c.ChildrenCnt, c.SortOrder, c.Created, c.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("コメントの挿入に失敗しました: %w", err)
	}
	return nil
}

// UpdateContent はコメントの本文、子コメント数、兄弟内の順序を更新する。
func (r *SQLiteCommentRepo) UpdateContent(ctx context.Context, c *model.Comment) error {
	_, err := r.db.WriteExec(ctx, database.TableComments,
		`UPDATE comments SET content = ?, children_cnt = ?, sort_order = ?, last_updated = ? WHERE id = ?`,
		c.Content, c.ChildrenCnt, c.SortOrder, c.LastUpdated, c.ID,
	)
	if err != nil {
		return fmt.Errorf("コメントの更新に失敗しました: %w", err)
	}
	return nil
}

// ListByPost はポスト直下（parentがNULL）のコメントをsort_order順で返す。
func (r *SQLiteCommentRepo) ListByPost(ctx context.Context, postID int64) ([]model.Comment, error) {
	return r.list(ctx,
		`SELECT `+commentColumns+` FROM comments
		 WHERE post_id = ? AND parent IS NULL
		 ORDER BY sort_order ASC, id ASC`,
		postID,
	)
}

// ListByParent は指定コメントの直接の返信をsort_order順で返す。
func (r *SQLiteCommentRepo) ListByParent(ctx context.Context, parentID int64) ([]model.Comment, error) {
	return r.list(ctx,
		`SELECT `+commentColumns+` FROM comments
		 WHERE parent = ?
		 ORDER BY sort_order ASC, id ASC`,
		parentID,
	)
}

// CountByPost はポストに属するコメントの総数を返す。
func (r *SQLiteCommentRepo) CountByPost(ctx context.Context, postID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM comments WHERE post_id = ?`, postID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("コメント数の取得に失敗しました: %w", err)
	}
	return n, nil
}

func (r *SQLiteCommentRepo) list(ctx context.Context, query string, args ...any) ([]model.Comment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("コメント一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	comments := []model.Comment{}
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("コメントの読み取りに失敗しました: %w", err)
		}
		comments = append(comments, *c)
	}
	return comments, rows.Err()
}

func scanComment(row rowScanner) (*model.Comment, error) {
	var (
		c      model.Comment
		parent sql.NullInt64
	)
	err := row.Scan(
		&c.ID, &c.Username, &c.UnixTime, &c.Content, &c.PostID, &parent,
		&c.ChildrenCnt, &c.SortOrder, &c.Created, &c.LastUpdated,
	)
	if err != nil {
		return nil, err
	}
	if parent.Valid {
		p := parent.Int64
		c.Parent = &p
	}
	return &c, nil
}
