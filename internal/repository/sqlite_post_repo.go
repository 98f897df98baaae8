package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/yahn/internal/database"
	"github.com/hitoshi/yahn/internal/model"
)

const postColumns = `p.id, p.title, p.text, p.domain, p.url, p.points, p.unix_time, p.comments_cnt,
	COALESCE(t.rank, -1), p.viewed, p.comments_viewed, p.created, p.last_updated`

// SQLitePostRepo はSQLiteを使用したポストリポジトリ。
type SQLitePostRepo struct {
	db *database.DB
}

// NewSQLitePostRepo はSQLitePostRepoを生成する。
func NewSQLitePostRepo(db *database.DB) *SQLitePostRepo {
	return &SQLitePostRepo{db: db}
}

// FindByID は指定IDのポストを取得する。見つからない場合はnilを返す。
func (r *SQLitePostRepo) FindByID(ctx context.Context, id int64) (*model.Post, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+postColumns+`
		 FROM posts p LEFT JOIN top_posts t ON t.post_id = p.id
		 WHERE p.id = ?`,
		id,
	)

	post, err := scanPost(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ポストの取得に失敗しました: %w", err)
	}
	return post, nil
}

// Insert は新規ポストを挿入する。
func (r *SQLitePostRepo) Insert(ctx context.Context, post *model.Post) error {
	_, err := r.db.WriteExec(ctx, database.TablePosts,
		`INSERT INTO posts (id, title, text, domain, url, points, unix_time, comments_cnt,
		                    viewed, comments_viewed, created, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		post.ID, post.Title, nullString(post.Text), nullString(post.Domain), nullString(post.URL),
		post.Points, post.UnixTime, post.CommentsCnt,
		boolToInt(post.Viewed), boolToInt(post.CommentsViewed), post.Created, post.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("ポストの挿入に失敗しました: %w", err)
	}
	return nil
}

// UpdateStats はポストのpointsとcomments_cntを更新する。
func (r *SQLitePostRepo) UpdateStats(ctx context.Context, id, points, commentsCnt, lastUpdated int64) error {
	_, err := r.db.WriteExec(ctx, database.TablePosts,
		`UPDATE posts SET points = ?, comments_cnt = ?, last_updated = ? WHERE id = ?`,
		points, commentsCnt, lastUpdated, id,
	)
	if err != nil {
		return fmt.Errorf("ポストの更新に失敗しました: %w", err)
	}
	return nil
}

// ListByRank はランキングに含まれるポストを順位の昇順で返す。
// まだ詳細を取得していないランキングのエントリは含まれない。
func (r *SQLitePostRepo) ListByRank(ctx context.Context) ([]model.Post, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+postColumns+`
		 FROM top_posts t JOIN posts p ON p.id = t.post_id
		 ORDER BY t.rank ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("ランキングの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	posts := []model.Post{}
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("ポストの読み取りに失敗しました: %w", err)
		}
		posts = append(posts, *post)
	}
	return posts, rows.Err()
}

// MarkViewed はポストを既読にする。
func (r *SQLitePostRepo) MarkViewed(ctx context.Context, id int64) error {
	_, err := r.db.WriteExec(ctx, database.TablePosts,
		`UPDATE posts SET viewed = 1 WHERE id = ? AND viewed = 0`, id)
	if err != nil {
		return fmt.Errorf("ポストの既読化に失敗しました: %w", err)
	}
	return nil
}

// MarkCommentsViewed はポストのコメントを既読にする。
func (r *SQLitePostRepo) MarkCommentsViewed(ctx context.Context, id int64) error {
	_, err := r.db.WriteExec(ctx, database.TablePosts,
		`UPDATE posts SET comments_viewed = 1 WHERE id = ? AND comments_viewed = 0`, id)
	if err != nil {
		return fmt.Errorf("コメントの既読化に失敗しました: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (*model.Post, error) {
	var (
		post                   model.Post
		text, domain, url      sql.NullString
		viewed, commentsViewed int64
	)
	err := row.Scan(
		&post.ID, &post.Title, &text, &domain, &url,
		&post.Points, &post.UnixTime, &post.CommentsCnt,
		&post.Rank, &viewed, &commentsViewed, &post.Created, &post.LastUpdated,
	)
	if err != nil {
		return nil, err
	}

	post.Text = stringPtr(text)
	post.Domain = stringPtr(domain)
	post.URL = stringPtr(url)
	post.Viewed = viewed != 0
	post.CommentsViewed = commentsViewed != 0
	return &post, nil
}
