package hnapi

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/time/rate"

	"github.com/hitoshi/yahn/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func TestClient_FetchTopItems(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/topstories.json" {
			t.Errorf("path = %s, want /v0/topstories.json", r.URL.Path)
		}
		if r.Header.Get("User-Agent") == "" {
			t.Error("User-Agentヘッダーが設定されていません")
		}
		w.Write([]byte(`[3, 1, 2]`))
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewClient(server.Client(), server.URL, newTestLogger(&buf))

	ids, err := c.FetchTopItems(context.Background())
	if err != nil {
		t.Fatalf("FetchTopItems returned error: %v", err)
	}
	if diff := cmp.Diff([]int64{3, 1, 2}, ids); diff != "" {
		t.Errorf("FetchTopItems mismatch (-want +got):\n%s", diff)
	}
}

func TestClient_FetchItem(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/item/8863.json" {
			t.Errorf("path = %s, want /v0/item/8863.json", r.URL.Path)
		}
		w.Write([]byte(`{"by":"dhouston","descendants":71,"id":8863,"kids":[9224,8917],
			"score":111,"time":1175714200,"title":"My YC app","type":"story","url":"http://www.getdropbox.com/u/2/screencast.html"}`))
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewClient(server.Client(), server.URL+"/", newTestLogger(&buf))

	item, err := c.FetchItem(context.Background(), 8863)
	if err != nil {
		t.Fatalf("FetchItem returned error: %v", err)
	}

	want := &model.Item{
		ID:          8863,
		Type:        model.ItemTypeStory,
		By:          "dhouston",
		Time:        1175714200,
		Kids:        []int64{9224, 8917},
		URL:         "http://www.getdropbox.com/u/2/screencast.html",
		Score:       111,
		Title:       "My YC app",
		Descendants: 71,
	}
	if diff := cmp.Diff(want, item); diff != "" {
		t.Errorf("FetchItem mismatch (-want +got):\n%s", diff)
	}
}

func TestClient_FetchItem_Null(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("null"))
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewClient(server.Client(), server.URL, newTestLogger(&buf))

	_, err := c.FetchItem(context.Background(), 1)
	if !errors.Is(err, ErrItemNotFound) {
		t.Errorf("err = %v, want ErrItemNotFound", err)
	}
}

func TestClient_FetchItem_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewClient(server.Client(), server.URL, newTestLogger(&buf))

	_, err := c.FetchItem(context.Background(), 1)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if statusErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want %d", statusErr.StatusCode, http.StatusServiceUnavailable)
	}
	if !bytes.Contains(buf.Bytes(), []byte("Hacker News APIがエラーステータスを返しました")) {
		t.Errorf("エラーステータスのログが出力されていません: %s", buf.String())
	}
}

func TestClient_FetchItem_MalformedJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id": "not-a-number"`))
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewClient(server.Client(), server.URL, newTestLogger(&buf))

	if _, err := c.FetchItem(context.Background(), 1); err == nil {
		t.Fatal("不正なJSONに対してエラーが返されませんでした")
	}
}

func TestClient_ContextCancelled(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewClient(server.Client(), server.URL, newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.FetchTopItems(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls.Load() != 0 {
		t.Errorf("キャンセル済みコンテキストでリクエストが送信されました: %d", calls.Load())
	}
}

func TestClient_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	var buf bytes.Buffer
	// バースト1、10リクエスト/秒: 3回目のリクエストまでに少なくとも約200ms待つ
	limiter := rate.NewLimiter(rate.Limit(10), 1)
	httpClient := &http.Client{Transport: NewRateLimitedTransport(server.Client().Transport, limiter)}
	c := NewClient(httpClient, server.URL, newTestLogger(&buf))

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := c.FetchTopItems(context.Background()); err != nil {
			t.Fatalf("FetchTopItems returned error: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("レート制限が適用されていません: elapsed=%v", elapsed)
	}
}
