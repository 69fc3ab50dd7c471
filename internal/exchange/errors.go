package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorClass 交易所调用失败的分类
type ErrorClass int

const (
	ClassNone      ErrorClass = iota
	ClassRetryable            // 下一轮重试即可
	ClassFatal                // 重试无意义（鉴权、参数、业务拒绝）
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRetryable:
		return "retryable"
	case ClassFatal:
		return "fatal"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// APIError 交易所返回的错误
type APIError struct {
	Status  int    // HTTP 状态码
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("grvt api error: status=%d code=%d msg=%s", e.Status, e.Code, e.Message)
}

var (
	ErrNotConnected     = errors.New("exchange client not connected")
	ErrUnknownSymbol    = errors.New("unknown symbol")
	ErrNoInstruments    = errors.New("no instruments loaded")
	ErrEmptyOrderID     = errors.New("exchange returned empty order id")
	ErrMissingPrivateID = errors.New("sub account id not configured")
	ErrMissingAPIKey    = errors.New("api key not configured")
	ErrNoSigner         = errors.New("order signer not configured")
)

// Classify 判断错误是否值得下一轮重试
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}

	if errors.Is(err, context.Canceled) {
		return ClassRetryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassRetryable
	}
	if errors.Is(err, ErrUnknownSymbol) || errors.Is(err, ErrNoInstruments) || errors.Is(err, ErrMissingPrivateID) ||
		errors.Is(err, ErrMissingAPIKey) || errors.Is(err, ErrNoSigner) {
		return ClassFatal
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == 429 || apiErr.Status >= 500:
			return ClassRetryable
		case apiErr.Status >= 400:
			return ClassFatal
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassRetryable
	}

	return classifyMessage(err.Error())
}

// IsRetryable 是否可重试
func IsRetryable(err error) bool {
	return Classify(err) == ClassRetryable
}

func classifyMessage(msg string) ErrorClass {
	msg = strings.ToLower(msg)

	fatalPatterns := []string{
		"unauthorized",
		"forbidden",
		"signature",
		"invalid api",
		"insufficient",
	}
	for _, p := range fatalPatterns {
		if strings.Contains(msg, p) {
			return ClassFatal
		}
	}

	// 其余按网络类错误处理
	return ClassRetryable
}
