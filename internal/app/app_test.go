package app

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
)

// fakeHNServer はトップストーリー2件とコメント2件を返すテスト用サーバー。
func fakeHNServer(t *testing.T) *httptest.Server {
	t.Helper()
	items := map[string]string{
		"1":  `{"id":1,"type":"story","by":"pg","time":1700000000,"title":"Launch","url":"https://example.com/","score":10,"descendants":2,"kids":[10]}`,
		"2":  `{"id":2,"type":"story","by":"dang","time":1700000100,"title":"Ask HN","text":"q","score":3}`,
		"10": `{"id":10,"type":"comment","by":"alice","time":1700000200,"text":"top","parent":1,"kids":[11]}`,
		"11": `{"id":11,"type":"comment","by":"bob","time":1700000300,"text":"reply","parent":10}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/v0/topstories.json" {
			fmt.Fprint(w, `[1,2]`)
			return
		}
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v0/item/"), ".json")
		if body, ok := items[id]; ok {
			fmt.Fprint(w, body)
			return
		}
		fmt.Fprint(w, `null`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// setTestEnv はテスト用の一時ディレクトリを使う設定を環境変数に設定し、DBのパスを返す。
func setTestEnv(t *testing.T, hnURL string) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "yahn.db")
	t.Setenv("YAHN_CONFIG", "")
	t.Setenv("DATABASE_PATH", dbPath)
	t.Setenv("HN_API_BASE_URL", hnURL)
	t.Setenv("HTTP_CACHE_PATH", filepath.Join(dir, "http-cache.db"))
	t.Setenv("LOG_LEVEL", "info")
	return dbPath
}

func TestInit_WithValidConfig_Succeeds(t *testing.T) {
	dbPath := setTestEnv(t, "http://127.0.0.1:1")

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.DatabasePath != dbPath {
		t.Errorf("DatabasePath = %q, want %q", cfg.DatabasePath, dbPath)
	}

	// slogのデフォルトロガーがJSON出力に設定されていること
	slog.Default().Info("init test")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log output, got error: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "init test" {
		t.Errorf("msg = %q, want %q", entry["msg"], "init test")
	}
}

func TestInit_WithInvalidConfig_ReturnsError(t *testing.T) {
	setTestEnv(t, "http://127.0.0.1:1")
	t.Setenv("POST_PAGE_SIZE", "0")

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err == nil {
		t.Fatal("expected error for invalid page size, got nil")
	}
	if cfg != nil {
		t.Error("expected nil config on error")
	}
}

func TestInit_AppliesLogLevel(t *testing.T) {
	setTestEnv(t, "http://127.0.0.1:1")
	t.Setenv("LOG_LEVEL", "warn")

	var buf bytes.Buffer
	if _, err := Init(&buf); err != nil {
		t.Fatalf("Init: %v", err)
	}
	slog.Default().Info("suppressed")
	if buf.Len() != 0 {
		t.Errorf("info log should be suppressed at warn level: %s", buf.String())
	}
}

func TestOpen_SecondProcessIsRejected(t *testing.T) {
	setTestEnv(t, "http://127.0.0.1:1")

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	first, err := Open(cfg, slog.Default())
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}

	if _, err := Open(cfg, slog.Default()); !errors.Is(err, ErrDatabaseLocked) {
		t.Errorf("second Open error = %v, want ErrDatabaseLocked", err)
	}

	first.Close()

	// 解放後は再び開ける
	again, err := Open(cfg, slog.Default())
	if err != nil {
		t.Fatalf("Open after Close: %v", err)
	}
	again.Close()
}

func TestOpen_WithoutHTTPCache(t *testing.T) {
	setTestEnv(t, "http://127.0.0.1:1")
	t.Setenv("HTTP_CACHE_PATH", "")

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	a, err := Open(cfg, slog.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	if a.cache != nil {
		t.Error("http cache should be disabled when HTTP_CACHE_PATH is empty")
	}
}

func TestOpen_LateFailureReleasesLock(t *testing.T) {
	setTestEnv(t, "http://127.0.0.1:1")
	// 存在しないディレクトリのためHTTPキャッシュのオープンだけが失敗する
	t.Setenv("HTTP_CACHE_PATH", filepath.Join(t.TempDir(), "missing", "http-cache.db"))

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	a, err := Open(cfg, slog.Default())
	if err == nil {
		a.Close()
		t.Fatal("Open should fail when the http cache cannot be opened")
	}
	if errors.Is(err, ErrDatabaseLocked) {
		t.Fatalf("Open error = %v, want cache open error", err)
	}

	// 失敗時にロックとDBが解放されていれば同じDBを再び開ける
	cfg.HTTPCachePath = ""
	again, err := Open(cfg, slog.Default())
	if err != nil {
		t.Fatalf("Open after failed Open: %v", err)
	}
	again.Close()
}

func TestClose_NilApp(t *testing.T) {
	var a *App
	a.Close()
}
