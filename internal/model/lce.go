package model

// LceState は読み込み状態（Loading / Content / Error）を表す。
type LceState string

const (
	// LceLoading は同期処理が実行中であることを表す。
	LceLoading LceState = "loading"
	// LceContent は最新のデータが得られたことを表す。
	LceContent LceState = "content"
	// LceError は同期に失敗したことを表す。Dataにはキャッシュ済みのデータが残る。
	LceError LceState = "error"
)

// Lce はsyncパイプラインが呼び出し元に返す3状態の結果。
// 失敗時も画面を空にしないよう、Errorの場合もDataにキャッシュ済みのデータを保持する。
type Lce[T any] struct {
	State LceState
	Data  T
	Error string
}

// Loading はLoading状態のLceを生成する。
func Loading[T any](data T) Lce[T] {
	return Lce[T]{State: LceLoading, Data: data}
}

// Content はContent状態のLceを生成する。
func Content[T any](data T) Lce[T] {
	return Lce[T]{State: LceContent, Data: data}
}

// Failure はError状態のLceを生成する。
func Failure[T any](data T, message string) Lce[T] {
	return Lce[T]{State: LceError, Data: data, Error: message}
}
