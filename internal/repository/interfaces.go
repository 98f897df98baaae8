// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/yahn/internal/model"
)

// PostRepository はポストデータの永続化インターフェース。
type PostRepository interface {
	// FindByID は指定IDのポストを取得する。見つからない場合はnilを返す。
	// ランキング外のポストのRankは-1になる。
	FindByID(ctx context.Context, id int64) (*model.Post, error)

	// Insert は新規ポストを挿入する。
	Insert(ctx context.Context, post *model.Post) error

	// UpdateStats はポストのpointsとcomments_cntを更新する。
	UpdateStats(ctx context.Context, id, points, commentsCnt, lastUpdated int64) error

	// ListByRank はランキングに含まれるポストを順位の昇順で返す。
	ListByRank(ctx context.Context) ([]model.Post, error)

	// MarkViewed はポストを既読にする。
	MarkViewed(ctx context.Context, id int64) error

	// MarkCommentsViewed はポストのコメントを既読にする。
	MarkCommentsViewed(ctx context.Context, id int64) error
}

// TopPostRepository はトップストーリーのランキングの永続化インターフェース。
type TopPostRepository interface {
	// Replace はランキングを単一トランザクション内で全件置き換える。
	// postIDsのインデックスがそのまま順位になる。
	Replace(ctx context.Context, postIDs []int64) error

	// ListPostIDs は順位の昇順でポストIDを返す。
	ListPostIDs(ctx context.Context) ([]int64, error)
}

// CommentRepository はコメントデータの永続化インターフェース。
type CommentRepository interface {
	// FindByID は指定IDのコメントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.Comment, error)

	// Insert は新規コメントを挿入する。
	Insert(ctx context.Context, comment *model.Comment) error

	// UpdateContent はコメントの本文、子コメント数、兄弟内の順序を更新する。
	UpdateContent(ctx context.Context, comment *model.Comment) error

	// ListByPost はポスト直下（parentがNULL）のコメントをsort_order順で返す。
	ListByPost(ctx context.Context, postID int64) ([]model.Comment, error)

	// ListByParent は指定コメントの直接の返信をsort_order順で返す。
	ListByParent(ctx context.Context, parentID int64) ([]model.Comment, error)

	// CountByPost はポストに属するコメントの総数を返す。
	CountByPost(ctx context.Context, postID int64) (int, error)
}

// PrefRepository はキーと整数値のプリファレンスの永続化インターフェース。
type PrefRepository interface {
	// Get は指定キーの値を取得する。未設定の場合は0とfalseを返す。
	Get(ctx context.Context, key string) (int64, bool, error)

	// Set は指定キーに値をUPSERTする。
	Set(ctx context.Context, key string, value int64) error
}
