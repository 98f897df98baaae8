// Package navigation は画面遷移の状態機械を提供する。
// 描画からは独立した純粋な遷移関数Reduceと、遷移に伴う副作用を実行するNavigatorからなる。
package navigation

import (
	"fmt"

	"github.com/hitoshi/yahn/internal/model"
)

// Kind は画面の種類。
type Kind string

const (
	KindList         Kind = "list"
	KindViewOne      Kind = "view_one"
	KindViewComments Kind = "view_comments"
	KindAbout        Kind = "about"
)

// Screen は現在の画面。ViewOneとViewCommentsの場合のみPostIDが意味を持つ。
type Screen struct {
	Kind   Kind  `json:"kind"`
	PostID int64 `json:"post_id,omitempty"`
}

// EventType は画面遷移イベントの種類。
type EventType string

const (
	EventOpenPost     EventType = "open_post"
	EventOpenComments EventType = "open_comments"
	EventOpenAbout    EventType = "open_about"
	EventBack         EventType = "back"
)

// Event は画面遷移イベント。
type Event struct {
	Type   EventType `json:"type"`
	PostID int64     `json:"post_id,omitempty"`
}

// EffectType は遷移に伴う副作用の種類。
type EffectType string

const (
	EffectMarkPostViewed        EffectType = "mark_post_viewed"
	EffectMarkPostCommentViewed EffectType = "mark_post_comment_viewed"
	EffectRefreshComments       EffectType = "refresh_comments"
)

// Effect は遷移に伴う副作用。
type Effect struct {
	Type   EffectType `json:"type"`
	PostID int64      `json:"post_id"`
}

// List は初期画面を返す。
func List() Screen {
	return Screen{Kind: KindList}
}

// Validate は画面状態が整合しているかを検証する。
func (s Screen) Validate() error {
	switch s.Kind {
	case KindList, KindAbout:
		return nil
	case KindViewOne, KindViewComments:
		if s.PostID <= 0 {
			return model.NewInvalidNavigationError(fmt.Sprintf("%s にはポストIDが必要です", s.Kind))
		}
		return nil
	default:
		return model.NewInvalidNavigationError(fmt.Sprintf("不明な画面です: %q", s.Kind))
	}
}

// Reduce は現在の画面とイベントから次の画面と副作用を求める。
//
//   - open_post: ポスト本文の画面へ遷移し、ポストを既読にする
//   - open_comments: コメント画面へ遷移し、コメントを既読にしてコメントを同期する
//   - open_about: About画面へ遷移する
//   - back: 一覧以外の画面から一覧へ戻る。一覧では何もしない
func Reduce(current Screen, ev Event) (Screen, []Effect, error) {
	if err := current.Validate(); err != nil {
		return current, nil, err
	}

	switch ev.Type {
	case EventOpenPost:
		if ev.PostID <= 0 {
			return current, nil, model.NewInvalidNavigationError("open_post にはポストIDが必要です")
		}
		return Screen{Kind: KindViewOne, PostID: ev.PostID},
			[]Effect{{Type: EffectMarkPostViewed, PostID: ev.PostID}}, nil

	case EventOpenComments:
		if ev.PostID <= 0 {
			return current, nil, model.NewInvalidNavigationError("open_comments にはポストIDが必要です")
		}
		return Screen{Kind: KindViewComments, PostID: ev.PostID},
			[]Effect{
				{Type: EffectMarkPostCommentViewed, PostID: ev.PostID},
				{Type: EffectRefreshComments, PostID: ev.PostID},
			}, nil

	case EventOpenAbout:
		return Screen{Kind: KindAbout}, nil, nil

	case EventBack:
		return List(), nil, nil

	default:
		return current, nil, model.NewInvalidNavigationError(fmt.Sprintf("不明なイベントです: %q", ev.Type))
	}
}
