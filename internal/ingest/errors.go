package ingest

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind 是数据源失败的分类。
type ErrorKind string

const (
	// KindTransient 网络/5xx/超时：退避后重试。
	KindTransient ErrorKind = "transient"
	// KindThrottle 被数据源限流：按 transient 处理，并额外放宽限速间隔。
	KindThrottle ErrorKind = "throttle"
	// KindPermanent 4xx/不支持的品种或区间：本次调用内跳过该来源，不重试。
	KindPermanent ErrorKind = "permanent"
)

// FetchError 携带来源与分类的拉取错误。
type FetchError struct {
	Source string
	Kind   ErrorKind
	Err    error
}

func (e *FetchError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s %s: %v", e.Source, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func Transient(source string, err error) error {
	return &FetchError{Source: source, Kind: KindTransient, Err: err}
}

func Throttled(source string, err error) error {
	return &FetchError{Source: source, Kind: KindThrottle, Err: err}
}

func Permanent(source string, err error) error {
	return &FetchError{Source: source, Kind: KindPermanent, Err: err}
}

// KindOf 返回错误分类；未分类的错误视为 transient。
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) && fe.Kind != "" {
		return fe.Kind
	}
	return KindTransient
}

// Retryable 对 transient 与 throttle 返回 true。
func Retryable(err error) bool {
	return KindOf(err) != KindPermanent
}

// ClassifyStatus 按 HTTP 状态码分类：429/418 限流，408 与 5xx 瞬时，其余 4xx 永久。
func ClassifyStatus(source string, status int, err error) error {
	if err == nil {
		err = fmt.Errorf("http status %d", status)
	}
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return Throttled(source, err)
	case status == http.StatusRequestTimeout || status >= 500:
		return Transient(source, err)
	case status >= 400:
		return Permanent(source, err)
	default:
		return Transient(source, err)
	}
}

// ClassifyTransport 分类没有 HTTP 状态的错误（超时、连接失败）：一律 transient，已分类的原样返回。
func ClassifyTransport(source string, err error) error {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return err
	}
	return Transient(source, err)
}
