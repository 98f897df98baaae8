// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, remote, store, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodePostNotFound      = "POST_NOT_FOUND"
	ErrCodeCommentNotFound   = "COMMENT_NOT_FOUND"
	ErrCodeInvalidID         = "INVALID_ID"
	ErrCodeRemoteFetchFailed = "REMOTE_FETCH_FAILED"
	ErrCodeStoreFailed       = "STORE_FAILED"
	ErrCodeSyncInProgress    = "SYNC_IN_PROGRESS"
	ErrCodeInvalidNavigation = "INVALID_NAVIGATION"
)

// NewPostNotFoundError はポスト未検出エラーを生成する。
func NewPostNotFoundError(postID int64) *APIError {
	return &APIError{
		Code:     ErrCodePostNotFound,
		Message:  fmt.Sprintf("指定されたポストが見つかりません: %d", postID),
		Category: "validation",
		Action:   "ポスト一覧を更新してから再度お試しください。",
	}
}

// NewCommentNotFoundError はコメント未検出エラーを生成する。
func NewCommentNotFoundError(commentID int64) *APIError {
	return &APIError{
		Code:     ErrCodeCommentNotFound,
		Message:  fmt.Sprintf("指定されたコメントが見つかりません: %d", commentID),
		Category: "validation",
		Action:   "コメント一覧を更新してから再度お試しください。",
	}
}

// NewInvalidIDError は不正なID指定エラーを生成する。
func NewInvalidIDError(raw string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidID,
		Message:  fmt.Sprintf("無効なIDです: %s", raw),
		Category: "validation",
		Action:   "正の整数のIDを指定してください。",
	}
}

// NewRemoteFetchFailedError はHacker News APIからの取得失敗エラーを生成する。
func NewRemoteFetchFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeRemoteFetchFailed,
		Message:  fmt.Sprintf("Hacker News APIからの取得に失敗しました: %s", reason),
		Category: "remote",
		Action:   "ネットワーク接続を確認し、しばらく待ってから再度更新してください。",
	}
}

// NewStoreFailedError はローカルストアの操作失敗エラーを生成する。
func NewStoreFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeStoreFailed,
		Message:  fmt.Sprintf("ローカルキャッシュの操作に失敗しました: %s", reason),
		Category: "store",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewSyncInProgressError は同一対象の同期が既に実行中である場合のエラーを生成する。
func NewSyncInProgressError(target string) *APIError {
	return &APIError{
		Code:     ErrCodeSyncInProgress,
		Message:  fmt.Sprintf("同期処理が既に実行中です: %s", target),
		Category: "system",
		Action:   "実行中の同期が完了するまでお待ちください。",
	}
}

// NewInvalidNavigationError は不正な画面遷移イベントのエラーを生成する。
func NewInvalidNavigationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidNavigation,
		Message:  fmt.Sprintf("無効な画面遷移です: %s", reason),
		Category: "validation",
		Action:   "画面状態とイベントの組み合わせを確認してください。",
	}
}
