package handler

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/yahn/internal/model"
	"github.com/hitoshi/yahn/internal/navigation"
)

// NavigatorInterface は画面遷移を計算し副作用を実行する。
type NavigatorInterface interface {
	Dispatch(current navigation.Screen, ev navigation.Event) (navigation.Screen, []navigation.Effect, error)
}

// NavigationHandler は画面遷移のHTTPハンドラー。
type NavigationHandler struct {
	navigator NavigatorInterface
}

// NewNavigationHandler はNavigationHandlerを生成する。
func NewNavigationHandler(navigator NavigatorInterface) *NavigationHandler {
	return &NavigationHandler{navigator: navigator}
}

// Navigate は現在の画面とイベントから次の画面を求め、既読マークやコメント同期を開始する。
// POST /api/navigate
func (h *NavigationHandler) Navigate(w http.ResponseWriter, r *http.Request) {
	var req navigateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handleServiceError(w, r, model.NewInvalidNavigationError("リクエストボディの解析に失敗しました"))
		return
	}
	if req.Screen.Kind == "" {
		req.Screen = navigation.List()
	}

	next, effects, err := h.navigator.Dispatch(req.Screen, req.Event)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	if effects == nil {
		effects = []navigation.Effect{}
	}
	writeJSON(w, http.StatusOK, navigateResponse{Screen: next, Effects: effects})
}
