package hnapi

import (
	"net/http"

	"golang.org/x/time/rate"
)

// RateLimitedTransport は送信前にレートリミッターのトークンを待つRoundTripper。
// キャッシュ用Transportの下流に置くことで、実際にネットワークへ出るリクエストだけを制限する。
type RateLimitedTransport struct {
	next    http.RoundTripper
	limiter *rate.Limiter
}

// NewRateLimitedTransport はRateLimitedTransportを生成する。
// nextがnilの場合はhttp.DefaultTransportを使う。limiterがnilの場合は制限しない。
func NewRateLimitedTransport(next http.RoundTripper, limiter *rate.Limiter) *RateLimitedTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &RateLimitedTransport{next: next, limiter: limiter}
}

// RoundTrip はトークンを取得してからリクエストを送信する。
// リクエストのコンテキストがキャンセルされた場合は送信せずにエラーを返す。
func (t *RateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	return t.next.RoundTrip(req)
}
