package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigFile はYAML設定ファイルのパスを指定する環境変数名。
const EnvConfigFile = "YAHN_CONFIG"

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Store
	DatabasePath string

	// Remote
	HNAPIBaseURL       string
	HTTPCachePath      string // 空の場合はHTTPキャッシュを無効化する
	HTTPCacheMaxAge    time.Duration
	FetchTimeout       time.Duration
	FetchMaxConcurrent int
	APIRatePerSec      int
	APIBurst           int

	// Sync
	RefreshInterval  time.Duration
	PostPageSize     int
	CommentPageSize  int
	PrefetchComments int

	// Maintenance
	MaintenanceInterval time.Duration

	// Server
	ServerPort        string
	CORSAllowedOrigin string
	RateLimitRefresh  int // 同期エンドポイントのIPごとの1分あたり上限

	// Logging
	LogLevel slog.Level
}

// Load は設定を読み込む。
// YAHN_CONFIGが指定されている場合はそのYAMLファイルを読み込み、環境変数で上書きする。
func Load() (*Config, error) {
	file := map[string]string{}
	if path := os.Getenv(EnvConfigFile); path != "" {
		var err error
		file, err = readFile(path)
		if err != nil {
			return nil, err
		}
	}
	return load(file)
}

func load(file map[string]string) (*Config, error) {
	l := &loader{file: file}
	cfg := &Config{}

	cfg.DatabasePath = l.getString("DATABASE_PATH", "yahn.db")
	cfg.HNAPIBaseURL = l.getString("HN_API_BASE_URL", "https://hacker-news.firebaseio.com")
	cfg.HTTPCachePath = l.getOptionalString("HTTP_CACHE_PATH", "yahn-http-cache.db")
	cfg.HTTPCacheMaxAge = l.getDuration("HTTP_CACHE_MAX_AGE", 60*time.Second)
	cfg.FetchTimeout = l.getDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxConcurrent = l.getInt("FETCH_MAX_CONCURRENT", 16)
	cfg.APIRatePerSec = l.getInt("API_RATE_PER_SEC", 50)
	cfg.APIBurst = l.getInt("API_BURST", 50)
	cfg.RefreshInterval = l.getDuration("REFRESH_INTERVAL", 10*time.Minute)
	cfg.PostPageSize = l.getInt("POST_PAGE_SIZE", 50)
	cfg.CommentPageSize = l.getInt("COMMENT_PAGE_SIZE", 300)
	cfg.PrefetchComments = l.getInt("PREFETCH_COMMENTS", 10)
	cfg.MaintenanceInterval = l.getDuration("MAINTENANCE_INTERVAL", 24*time.Hour)
	cfg.ServerPort = l.getString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = l.getString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.RateLimitRefresh = l.getInt("RATE_LIMIT_REFRESH", 30)
	cfg.LogLevel = l.getLevel("LOG_LEVEL", slog.LevelInfo)

	if len(l.errs) > 0 {
		return nil, errors.Join(l.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は設定値の整合性を検証する。
func (c *Config) Validate() error {
	var invalid []string

	positiveInts := []struct {
		key string
		v   int
	}{
		{"FETCH_MAX_CONCURRENT", c.FetchMaxConcurrent},
		{"API_RATE_PER_SEC", c.APIRatePerSec},
		{"API_BURST", c.APIBurst},
		{"POST_PAGE_SIZE", c.PostPageSize},
		{"COMMENT_PAGE_SIZE", c.CommentPageSize},
		{"RATE_LIMIT_REFRESH", c.RateLimitRefresh},
	}
	for _, p := range positiveInts {
		if p.v <= 0 {
			invalid = append(invalid, p.key)
		}
	}

	positiveDurations := []struct {
		key string
		v   time.Duration
	}{
		{"HTTP_CACHE_MAX_AGE", c.HTTPCacheMaxAge},
		{"FETCH_TIMEOUT", c.FetchTimeout},
		{"REFRESH_INTERVAL", c.RefreshInterval},
		{"MAINTENANCE_INTERVAL", c.MaintenanceInterval},
	}
	for _, p := range positiveDurations {
		if p.v <= 0 {
			invalid = append(invalid, p.key)
		}
	}

	if c.PrefetchComments < 0 {
		invalid = append(invalid, "PREFETCH_COMMENTS")
	}
	if c.DatabasePath == "" {
		invalid = append(invalid, "DATABASE_PATH")
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid configuration values: %v", invalid)
	}
	return nil
}

// readFile はYAML設定ファイルを読み込み、キーを大文字の環境変数名に正規化して返す。
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	file := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			file[strings.ToUpper(k)] = ""
			continue
		}
		file[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return file, nil
}

// loader は環境変数、設定ファイル、デフォルト値の順に値を解決する。
type loader struct {
	file map[string]string
	errs []error
}

func (l *loader) lookup(key string) (string, bool) {
	if v, ok := os.LookupEnv(key); ok {
		return v, true
	}
	v, ok := l.file[key]
	return v, ok
}

func (l *loader) getString(key, defaultVal string) string {
	if v, ok := l.lookup(key); ok && v != "" {
		return v
	}
	return defaultVal
}

// getOptionalString は明示的に空文字列が指定された場合に空文字列を返す。
func (l *loader) getOptionalString(key, defaultVal string) string {
	if v, ok := l.lookup(key); ok {
		return v
	}
	return defaultVal
}

func (l *loader) getInt(key string, defaultVal int) int {
	v, ok := l.lookup(key)
	if !ok || v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return i
}

func (l *loader) getDuration(key string, defaultVal time.Duration) time.Duration {
	v, ok := l.lookup(key)
	if !ok || v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func (l *loader) getLevel(key string, defaultVal slog.Level) slog.Level {
	v, ok := l.lookup(key)
	if !ok || v == "" {
		return defaultVal
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: invalid level %q", key, v))
		return defaultVal
	}
	return level
}
