// Package httpcache はbboltに永続化するHTTPレスポンスキャッシュを提供する。
// Hacker News APIへの短時間での重複取得を抑止するため、GETの200応答を短いmax-ageで保持する。
package httpcache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bucketResponses = "responses"

	// HeaderCache はキャッシュから応答したことを示すレスポンスヘッダー。
	HeaderCache = "X-Yahn-Cache"

	// maxCachedBodyBytes を超えるボディはキャッシュしない。
	maxCachedBodyBytes = 4 * 1024 * 1024
)

// Transport はキャッシュ付きのhttp.RoundTripper。
// キャッシュキーはリクエストURL。エントリは有効期限（UnixNano, 8バイト）+ Content-Type長（2バイト）
// + Content-Type + ボディの形式で保存する。
type Transport struct {
	db     *bolt.DB
	next   http.RoundTripper
	maxAge time.Duration
	now    func() time.Time
}

// Open はpathのbboltファイルを開き、Transportを生成する。
// nextがnilの場合はhttp.DefaultTransportを使用する。
// maxAgeはレスポンスにmax-ageが指定されていない場合の有効期間。
func Open(path string, next http.RoundTripper, maxAge time.Duration) (*Transport, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("HTTPキャッシュを開けませんでした: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketResponses))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("HTTPキャッシュの初期化に失敗しました: %w", err)
	}

	if next == nil {
		next = http.DefaultTransport
	}
	return &Transport{db: db, next: next, maxAge: maxAge, now: time.Now}, nil
}

// Close はキャッシュファイルを閉じる。
func (t *Transport) Close() error {
	return t.db.Close()
}

// RoundTrip はhttp.RoundTripperの実装。
// 有効期限内のキャッシュがあればネットワークにアクセスせずに応答する。
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet || req.Header.Get("Range") != "" {
		return t.next.RoundTrip(req)
	}

	key := []byte(req.URL.String())
	if resp := t.lookup(req, key); resp != nil {
		return resp, nil
	}

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}

	ttl, ok := t.ttl(resp.Header.Get("Cache-Control"))
	if !ok {
		return resp, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBodyBytes+1))
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if len(body) > maxCachedBodyBytes {
		return resp, nil
	}

	expires := t.now().Add(ttl)
	// 保存に失敗しても応答自体は成功として返す
	_ = t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketResponses)).Put(key, encodeEntry(expires, resp.Header.Get("Content-Type"), body))
	})
	return resp, nil
}

// Purge は有効期限切れのエントリを削除し、削除件数を返す。
func (t *Transport) Purge(now time.Time) (int, error) {
	purged := 0
	err := t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketResponses))
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			expires, _, _, ok := decodeEntry(v)
			if !ok || !now.Before(expires) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		purged = len(expired)
		return nil
	})
	return purged, err
}

// Len はキャッシュ済みのエントリ数を返す。
func (t *Transport) Len() (int, error) {
	n := 0
	err := t.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(bucketResponses)).Stats().KeyN
		return nil
	})
	return n, err
}

func (t *Transport) lookup(req *http.Request, key []byte) *http.Response {
	var (
		contentType string
		body        []byte
		hit         bool
	)
	t.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketResponses)).Get(key)
		if v == nil {
			return nil
		}
		expires, ct, b, ok := decodeEntry(v)
		if !ok || !t.now().Before(expires) {
			return nil
		}
		// bboltの値はトランザクション外では無効になるためコピーする
		contentType = ct
		body = append([]byte(nil), b...)
		hit = true
		return nil
	})
	if !hit {
		return nil
	}

	header := make(http.Header)
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	header.Set(HeaderCache, "HIT")
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// ttl はCache-Controlヘッダーから有効期間を決定する。
// no-storeはキャッシュしない。max-ageがあればそれを、なければ既定のmaxAgeを使用する。
// Firebaseはno-cacheを返すため、no-cacheは既定のmaxAgeの範囲で無視する。
func (t *Transport) ttl(cacheControl string) (time.Duration, bool) {
	ttl := t.maxAge
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.ToLower(strings.TrimSpace(directive))
		switch {
		case directive == "no-store":
			return 0, false
		case strings.HasPrefix(directive, "max-age="):
			secs, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age="))
			if err == nil && secs >= 0 {
				ttl = time.Duration(secs) * time.Second
			}
		}
	}
	if ttl <= 0 {
		return 0, false
	}
	return ttl, true
}

func encodeEntry(expires time.Time, contentType string, body []byte) []byte {
	ct := []byte(contentType)
	if len(ct) > 0xffff {
		ct = nil
	}
	buf := make([]byte, 10, 10+len(ct)+len(body))
	binary.BigEndian.PutUint64(buf[:8], uint64(expires.UnixNano()))
	binary.BigEndian.PutUint16(buf[8:10], uint16(len(ct)))
	buf = append(buf, ct...)
	return append(buf, body...)
}

func decodeEntry(v []byte) (time.Time, string, []byte, bool) {
	if len(v) < 10 {
		return time.Time{}, "", nil, false
	}
	expires := time.Unix(0, int64(binary.BigEndian.Uint64(v[:8])))
	ctLen := int(binary.BigEndian.Uint16(v[8:10]))
	if len(v) < 10+ctLen {
		return time.Time{}, "", nil, false
	}
	return expires, string(v[10 : 10+ctLen]), v[10+ctLen:], true
}
