package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/yahn/internal/middleware"
	"github.com/hitoshi/yahn/internal/model"
	"github.com/hitoshi/yahn/internal/navigation"
	"github.com/hitoshi/yahn/internal/post"
	"github.com/hitoshi/yahn/internal/rss"
)

// --- モック定義 ---

// mockPostService はPostServiceInterfaceのモック実装。
type mockPostService struct {
	refreshFn func(ctx context.Context) model.Lce[[]model.Post]
	selectFn  func(ctx context.Context) ([]model.Post, error)
	watchFn   func(ctx context.Context) <-chan []model.Post
	getPostFn func(ctx context.Context, id int64) (*model.Post, error)

	mu             sync.Mutex
	viewed         []int64
	commentsViewed []int64
	state          *post.StateTracker
}

func (m *mockPostService) Refresh(ctx context.Context, _ func(float64)) model.Lce[[]model.Post] {
	if m.refreshFn != nil {
		return m.refreshFn(ctx)
	}
	return model.Content([]model.Post{})
}

func (m *mockPostService) SelectAllPostsByRank(ctx context.Context) ([]model.Post, error) {
	if m.selectFn != nil {
		return m.selectFn(ctx)
	}
	return []model.Post{}, nil
}

func (m *mockPostService) WatchPostsByRank(ctx context.Context) <-chan []model.Post {
	if m.watchFn != nil {
		return m.watchFn(ctx)
	}
	ch := make(chan []model.Post)
	close(ch)
	return ch
}

func (m *mockPostService) GetPost(ctx context.Context, id int64) (*model.Post, error) {
	if m.getPostFn != nil {
		return m.getPostFn(ctx, id)
	}
	return &model.Post{ID: id}, nil
}

func (m *mockPostService) MarkPostViewed(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.viewed = append(m.viewed, id)
}

func (m *mockPostService) MarkPostCommentViewed(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commentsViewed = append(m.commentsViewed, id)
}

func (m *mockPostService) State() *post.StateTracker {
	if m.state == nil {
		m.state = post.NewStateTracker()
	}
	return m.state
}

// mockCommentService はCommentServiceInterfaceのモック実装。
type mockCommentService struct {
	refreshFn   func(ctx context.Context, postID int64) model.Lce[[]model.Comment]
	forPostFn   func(ctx context.Context, postID int64) ([]model.Comment, error)
	forParentFn func(ctx context.Context, parentID int64) ([]model.Comment, error)
}

func (m *mockCommentService) Refresh(ctx context.Context, postID int64, _ func(float64)) model.Lce[[]model.Comment] {
	if m.refreshFn != nil {
		return m.refreshFn(ctx, postID)
	}
	return model.Content([]model.Comment{})
}

func (m *mockCommentService) GetCommentsForPost(ctx context.Context, postID int64) ([]model.Comment, error) {
	if m.forPostFn != nil {
		return m.forPostFn(ctx, postID)
	}
	return []model.Comment{}, nil
}

func (m *mockCommentService) GetCommentsForParent(ctx context.Context, parentID int64) ([]model.Comment, error) {
	if m.forParentFn != nil {
		return m.forParentFn(ctx, parentID)
	}
	return []model.Comment{}, nil
}

// mockNavigator はNavigatorInterfaceのモック実装。副作用は実行せず遷移のみ計算する。
type mockNavigator struct{}

func (mockNavigator) Dispatch(current navigation.Screen, ev navigation.Event) (navigation.Screen, []navigation.Effect, error) {
	return navigation.Reduce(current, ev)
}

// mockHealthChecker はHealthCheckerのモック実装。
type mockHealthChecker struct {
	err error
}

func (m mockHealthChecker) PingContext(ctx context.Context) error { return m.err }

type testDeps struct {
	posts    *mockPostService
	comments *mockCommentService
	health   mockHealthChecker
	logs     *bytes.Buffer
	rateCfg  middleware.RateLimiterConfig
}

func newTestDeps() *testDeps {
	return &testDeps{
		posts:    &mockPostService{},
		comments: &mockCommentService{},
		logs:     &bytes.Buffer{},
		rateCfg:  middleware.RateLimiterConfig{Rate: 100, Burst: 100, CleanupInterval: time.Minute},
	}
}

func (d *testDeps) router(t *testing.T) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(d.logs, nil))
	rl := middleware.NewRateLimiter(d.rateCfg, logger)
	t.Cleanup(rl.Stop)

	return NewRouter(&RouterDeps{
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       rl,
		Logger:            logger,
		HealthChecker:     d.health,
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("# metrics\n"))
		}),
		PostService:    d.posts,
		CommentService: d.comments,
		Navigator:      mockNavigator{},
		FeedOptions:    rss.DefaultOptions(),
	})
}

func serve(h http.Handler, method, target string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v\nraw: %s", err, w.Body.String())
	}
	return body
}

func strPtr(s string) *string { return &s }

// --- GET /health ---

func TestRouter_Health(t *testing.T) {
	d := newTestDeps()
	w := serve(d.router(t), http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	d = newTestDeps()
	d.health = mockHealthChecker{err: errors.New("database is closed")}
	w = serve(d.router(t), http.MethodGet, "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestRouter_Metrics(t *testing.T) {
	d := newTestDeps()
	w := serve(d.router(t), http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "# metrics") {
		t.Errorf("status = %d body = %q", w.Code, w.Body.String())
	}
}

// --- GET /api/posts ---

func TestRouter_ListPosts_IncludesRefreshState(t *testing.T) {
	d := newTestDeps()
	d.posts.selectFn = func(ctx context.Context) ([]model.Post, error) {
		return []model.Post{
			{ID: 1, Title: "first", URL: strPtr("https://example.com"), Domain: strPtr("example.com"), Rank: 0},
			{ID: 2, Title: "Ask HN", Text: strPtr("<p>q</p>"), Rank: 1, Viewed: true},
		}, nil
	}
	d.posts.State().Set(model.LceError, "network down")

	w := serve(d.router(t), http.MethodGet, "/api/posts", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var body lceResponse[[]postResponse]
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.State != "error" || body.Error != "network down" {
		t.Errorf("state = %q error = %q, want error/network down", body.State, body.Error)
	}
	if len(body.Data) != 2 || body.Data[0].ID != 1 || *body.Data[0].Domain != "example.com" {
		t.Errorf("data = %+v", body.Data)
	}
	if body.Data[1].URL != nil || !body.Data[1].Viewed {
		t.Errorf("text post = %+v", body.Data[1])
	}
}

func TestRouter_ListPosts_StoreError(t *testing.T) {
	d := newTestDeps()
	d.posts.selectFn = func(ctx context.Context) ([]model.Post, error) {
		return nil, errors.New("disk I/O error")
	}

	w := serve(d.router(t), http.MethodGet, "/api/posts", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if body := decodeError(t, w); body.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %q, want INTERNAL_ERROR", body.Code)
	}
}

// --- POST /api/posts/refresh ---

func TestRouter_RefreshPosts_FailureKeepsData(t *testing.T) {
	d := newTestDeps()
	d.posts.refreshFn = func(ctx context.Context) model.Lce[[]model.Post] {
		return model.Failure([]model.Post{{ID: 5, Title: "cached"}}, "timeout")
	}

	w := serve(d.router(t), http.MethodPost, "/api/posts/refresh", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var body lceResponse[[]postResponse]
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.State != "error" || len(body.Data) != 1 || body.Data[0].Title != "cached" {
		t.Errorf("body = %+v", body)
	}
}

func TestRouter_RefreshPosts_RateLimited(t *testing.T) {
	d := newTestDeps()
	d.rateCfg = middleware.RateLimiterConfig{Rate: 0.01, Burst: 1, CleanupInterval: time.Minute}
	router := d.router(t)

	if w := serve(router, http.MethodPost, "/api/posts/refresh", ""); w.Code != http.StatusOK {
		t.Fatalf("first refresh status = %d, want 200", w.Code)
	}
	w := serve(router, http.MethodPost, "/api/posts/refresh", "")
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second refresh status = %d, want 429", w.Code)
	}

	// 読み出しはレート制限の対象外
	if w := serve(router, http.MethodGet, "/api/posts", ""); w.Code != http.StatusOK {
		t.Errorf("list status = %d, want 200", w.Code)
	}
}

// --- GET /api/posts/{id} ---

func TestRouter_GetPost(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		getPostFn  func(ctx context.Context, id int64) (*model.Post, error)
		wantStatus int
		wantCode   string
	}{
		{
			name:       "存在するポスト",
			target:     "/api/posts/42",
			wantStatus: http.StatusOK,
		},
		{
			name:   "存在しないポスト",
			target: "/api/posts/43",
			getPostFn: func(ctx context.Context, id int64) (*model.Post, error) {
				return nil, model.NewPostNotFoundError(id)
			},
			wantStatus: http.StatusNotFound,
			wantCode:   model.ErrCodePostNotFound,
		},
		{
			name:       "数値でないID",
			target:     "/api/posts/abc",
			wantStatus: http.StatusBadRequest,
			wantCode:   model.ErrCodeInvalidID,
		},
		{
			name:       "0のID",
			target:     "/api/posts/0",
			wantStatus: http.StatusBadRequest,
			wantCode:   model.ErrCodeInvalidID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDeps()
			d.posts.getPostFn = tt.getPostFn

			w := serve(d.router(t), http.MethodGet, tt.target, "")
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantCode != "" {
				if body := decodeError(t, w); body.Code != tt.wantCode {
					t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
				}
			}
		})
	}
}

// --- PUT /api/posts/{id}/viewed, comments-viewed ---

func TestRouter_MarkViewed_Accepted(t *testing.T) {
	d := newTestDeps()
	router := d.router(t)

	if w := serve(router, http.MethodPut, "/api/posts/7/viewed", ""); w.Code != http.StatusAccepted {
		t.Errorf("viewed status = %d, want 202", w.Code)
	}
	if w := serve(router, http.MethodPut, "/api/posts/7/comments-viewed", ""); w.Code != http.StatusAccepted {
		t.Errorf("comments-viewed status = %d, want 202", w.Code)
	}
	if w := serve(router, http.MethodPut, "/api/posts/-1/viewed", ""); w.Code != http.StatusBadRequest {
		t.Errorf("invalid id status = %d, want 400", w.Code)
	}

	d.posts.mu.Lock()
	defer d.posts.mu.Unlock()
	if len(d.posts.viewed) != 1 || d.posts.viewed[0] != 7 {
		t.Errorf("viewed = %v, want [7]", d.posts.viewed)
	}
	if len(d.posts.commentsViewed) != 1 || d.posts.commentsViewed[0] != 7 {
		t.Errorf("commentsViewed = %v, want [7]", d.posts.commentsViewed)
	}
}

// --- コメント ---

func TestRouter_ListComments(t *testing.T) {
	d := newTestDeps()
	parent := int64(100)
	d.comments.forPostFn = func(ctx context.Context, postID int64) ([]model.Comment, error) {
		if postID != 9 {
			t.Errorf("postID = %d, want 9", postID)
		}
		return []model.Comment{{ID: 100, Username: "pg", Content: "<p>hi</p>", PostID: 9, ChildrenCnt: 1}}, nil
	}
	d.comments.forParentFn = func(ctx context.Context, parentID int64) ([]model.Comment, error) {
		return []model.Comment{{ID: 101, PostID: 9, Parent: &parent}}, nil
	}
	router := d.router(t)

	w := serve(router, http.MethodGet, "/api/posts/9/comments", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var roots []commentResponse
	if err := json.NewDecoder(w.Body).Decode(&roots); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(roots) != 1 || roots[0].Parent != nil || roots[0].Username != "pg" {
		t.Errorf("roots = %+v", roots)
	}

	w = serve(router, http.MethodGet, "/api/comments/100/children", "")
	var children []commentResponse
	if err := json.NewDecoder(w.Body).Decode(&children); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(children) != 1 || children[0].Parent == nil || *children[0].Parent != 100 {
		t.Errorf("children = %+v", children)
	}
}

func TestRouter_ListComments_UnknownPost(t *testing.T) {
	d := newTestDeps()
	d.posts.getPostFn = func(ctx context.Context, id int64) (*model.Post, error) {
		return nil, model.NewPostNotFoundError(id)
	}

	w := serve(d.router(t), http.MethodGet, "/api/posts/9/comments", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRouter_RefreshComments_InProgressIsAccepted(t *testing.T) {
	d := newTestDeps()
	d.comments.refreshFn = func(ctx context.Context, postID int64) model.Lce[[]model.Comment] {
		return model.Loading([]model.Comment{})
	}

	w := serve(d.router(t), http.MethodPost, "/api/posts/9/comments/refresh", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	var body lceResponse[[]commentResponse]
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.State != "loading" {
		t.Errorf("state = %q, want loading", body.State)
	}
}

// --- POST /api/navigate ---

func TestRouter_Navigate(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantStatus  int
		wantKind    navigation.Kind
		wantEffects int
	}{
		{
			name:        "コメントを開く",
			body:        `{"screen":{"kind":"list"},"event":{"type":"open_comments","post_id":3}}`,
			wantStatus:  http.StatusOK,
			wantKind:    navigation.KindViewComments,
			wantEffects: 2,
		},
		{
			name:       "画面省略時は一覧から",
			body:       `{"event":{"type":"open_about"}}`,
			wantStatus: http.StatusOK,
			wantKind:   navigation.KindAbout,
		},
		{
			name:       "戻る",
			body:       `{"screen":{"kind":"view_one","post_id":3},"event":{"type":"back"}}`,
			wantStatus: http.StatusOK,
			wantKind:   navigation.KindList,
		},
		{
			name:       "ポストIDなし",
			body:       `{"event":{"type":"open_post"}}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "不正なJSON",
			body:       `{`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDeps()
			w := serve(d.router(t), http.MethodPost, "/api/navigate", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				if body := decodeError(t, w); body.Code != model.ErrCodeInvalidNavigation {
					t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInvalidNavigation)
				}
				return
			}

			var body navigateResponse
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Screen.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", body.Screen.Kind, tt.wantKind)
			}
			if len(body.Effects) != tt.wantEffects {
				t.Errorf("effects = %+v, want %d", body.Effects, tt.wantEffects)
			}
		})
	}
}

// --- ミドルウェアチェーン ---

func TestRouter_MiddlewareChain(t *testing.T) {
	d := newTestDeps()
	router := d.router(t)

	w := serve(router, http.MethodGet, "/api/posts", "")
	if w.Header().Get(middleware.HeaderRequestID) == "" {
		t.Error("X-Request-ID header is missing")
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if !strings.Contains(d.logs.String(), `"msg":"http_request"`) {
		t.Errorf("access log missing: %s", d.logs.String())
	}

	// プリフライトはハンドラーに到達せず204
	w = serve(router, http.MethodOptions, "/api/posts/refresh", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
}

func TestRouter_RecoversFromPanic(t *testing.T) {
	d := newTestDeps()
	d.posts.selectFn = func(ctx context.Context) ([]model.Post, error) {
		panic("unexpected")
	}

	w := serve(d.router(t), http.MethodGet, "/api/posts", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

// --- GET /rss ---

func TestRouter_RSS(t *testing.T) {
	d := newTestDeps()
	d.posts.selectFn = func(ctx context.Context) ([]model.Post, error) {
		return []model.Post{{ID: 1, Title: "first", URL: strPtr("https://example.com/a")}}, nil
	}

	w := serve(d.router(t), http.MethodGet, "/rss", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/rss+xml") {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), "<title>first</title>") {
		t.Errorf("body does not contain item title: %s", w.Body.String())
	}
}
