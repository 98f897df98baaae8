// Package hnapi はHacker News Firebase APIのクライアントを提供する。
// トップストーリーのID一覧と個別アイテムの取得のみを扱う。
package hnapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/hitoshi/yahn/internal/model"
)

const (
	// DefaultBaseURL はHacker News APIのベースURL。
	DefaultBaseURL = "https://hacker-news.firebaseio.com"

	// maxResponseBytes はレスポンスボディの読み取り上限。
	maxResponseBytes = 4 * 1024 * 1024

	userAgent = "yahn/1.0 (+https://github.com/hitoshi/yahn)"
)

// ErrItemNotFound はAPIがアイテムに対してnullを返したことを示す。
// 削除済みまたは存在しないIDで発生する。
var ErrItemNotFound = errors.New("hnapi: item not found")

// StatusError はAPIが200以外のステータスを返したことを示す。
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hnapi: %s returned status %d", e.URL, e.StatusCode)
}

// Client はHacker News APIのクライアント。
// レート制限はhttpClientのTransport(NewRateLimitedTransport)で行う。
// リトライは行わない。失敗は呼び出し元の同期パイプラインに伝播する。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, baseURL string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// FetchTopItems はトップストーリーのID一覧をランキング順で取得する。
func (c *Client) FetchTopItems(ctx context.Context) ([]int64, error) {
	body, err := c.get(ctx, c.baseURL+"/v0/topstories.json")
	if err != nil {
		return nil, err
	}

	var ids []int64
	if err := json.Unmarshal(body, &ids); err != nil {
		return nil, fmt.Errorf("トップストーリーのパースに失敗しました: %w", err)
	}
	return ids, nil
}

// FetchItem は指定IDのアイテムを取得する。
// APIがnullを返した場合はErrItemNotFoundを返す。
func (c *Client) FetchItem(ctx context.Context, id int64) (*model.Item, error) {
	body, err := c.get(ctx, c.baseURL+"/v0/item/"+strconv.FormatInt(id, 10)+".json")
	if err != nil {
		return nil, err
	}

	if bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
		return nil, fmt.Errorf("アイテム %d: %w", id, ErrItemNotFound)
	}

	var item model.Item
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, fmt.Errorf("アイテム %d のパースに失敗しました: %w", id, err)
	}
	return &item, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("Hacker News APIの呼び出しに失敗しました",
				slog.String("url", url),
				slog.String("error", err.Error()),
			)
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Hacker News APIがエラーステータスを返しました",
			slog.String("url", url),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	return body, nil
}
