// Package httpclient 构造带超时与可选代理的 *http.Client，供各数据源共用。
package httpclient

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

func New(timeout time.Duration, proxy string) (*http.Client, error) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	proxy = strings.TrimSpace(proxy)
	if proxy == "" {
		return client, nil
	}
	proxyURL, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("invalid REST proxy url: %w", err)
	}
	baseTransport, ok := http.DefaultTransport.(*http.Transport)
	if !ok || baseTransport == nil {
		return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
	}
	transport := baseTransport.Clone()
	transport.Proxy = http.ProxyURL(proxyURL)
	client.Transport = transport
	return client, nil
}
