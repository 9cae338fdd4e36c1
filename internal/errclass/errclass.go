// Package errclass 把各种底层错误归类到统一的错误分类，
// 供流式组装的错误处理和多 key 故障切换共用。
package errclass

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"syscall"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
)

type Kind string

const (
	Network       Kind = "network"
	Auth          Kind = "auth"
	Timeout       Kind = "timeout"
	RateLimit     Kind = "rate_limit"
	Server        Kind = "server"
	Client        Kind = "client"
	ToolExecution Kind = "tool_execution"
	Unknown       Kind = "unknown"
)

// Kinds 全部分类
var Kinds = []Kind{Network, Auth, Timeout, RateLimit, Server, Client, ToolExecution, Unknown}

// ParseKind 未识别的字符串归为 Unknown
func ParseKind(s string) Kind {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k
		}
	}
	return Unknown
}

// IsCredentialError 该类错误换一把 key 可能成功
func (k Kind) IsCredentialError() bool {
	return k == Auth || k == RateLimit
}

// Error 已分类的错误
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	Cause      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Message: NormalizeMessage(err.Error()), Cause: err}
}

// Classify 返回错误的分类。nil 和 context.Canceled 不属于任何分类，返回空串。
func Classify(err error) Kind {
	if err == nil || errors.Is(err, context.Canceled) {
		return ""
	}
	return ClassifyError(err).Kind
}

// ClassifyError 构造归一化的 *Error；已经是 *Error 的直接返回
func ClassifyError(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{
			Kind:       kindForStatus(apiErr.HTTPStatusCode, apiErr.Message),
			Message:    NormalizeMessage(apiErr.Message),
			StatusCode: apiErr.HTTPStatusCode,
			Cause:      err,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := err.Error()
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &Error{
			Kind:       kindForStatus(reqErr.HTTPStatusCode, msg),
			Message:    NormalizeMessage(msg),
			StatusCode: reqErr.HTTPStatusCode,
			Cause:      err,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: Timeout, Message: err.Error(), Cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: Timeout, Message: err.Error(), Cause: err}
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return &Error{Kind: Network, Message: err.Error(), Cause: err}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &Error{Kind: Network, Message: err.Error(), Cause: err}
	}

	msg := err.Error()
	status := statusFromMessage(msg)
	return &Error{
		Kind:       kindForStatus(status, msg),
		Message:    NormalizeMessage(msg),
		StatusCode: status,
		Cause:      err,
	}
}

func kindForStatus(status int, msg string) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Auth
	case status == http.StatusTooManyRequests:
		return RateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return Timeout
	case status >= 500:
		return Server
	case status >= 400:
		return Client
	}
	return kindFromMessage(msg)
}

func kindFromMessage(msg string) Kind {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, "invalid api key", "incorrect api key", "unauthorized", "authentication", "permission denied", "invalid_api_key"):
		return Auth
	case containsAny(lower, "rate limit", "rate_limit", "too many requests", "quota", "run out of credits"):
		return RateLimit
	case containsAny(lower, "timeout", "timed out", "deadline exceeded"):
		return Timeout
	case containsAny(lower, "connection reset", "connection refused", "unexpected eof", "broken pipe", "no such host", "network is unreachable", "use of closed"):
		return Network
	case containsAny(lower, "internal server error", "bad gateway", "service unavailable", "overloaded"):
		return Server
	case containsAny(lower, "tool execution", "tool failed"):
		return ToolExecution
	case containsAny(lower, "bad request", "invalid request", "input is too long", "context length"):
		return Client
	}
	return Unknown
}

var statusPattern = regexp.MustCompile(`(?i)(?:status(?: code)?|http)[\s:=]*([1-5]\d\d)\b`)

// statusFromMessage 只识别显式标注的状态码，避免把正文里的数字误判成状态码
func statusFromMessage(msg string) int {
	m := statusPattern.FindStringSubmatch(msg)
	if len(m) < 2 {
		return 0
	}
	var status int
	fmt.Sscanf(m[1], "%d", &status)
	return status
}

// NormalizeMessage 供应商经常把 JSON 错误体原样塞进错误信息，这里取出其中的可读消息
func NormalizeMessage(msg string) string {
	trimmed := strings.TrimSpace(msg)
	start := strings.Index(trimmed, "{")
	if start < 0 {
		return trimmed
	}
	body := trimmed[start:]
	if !gjson.Valid(body) {
		return trimmed
	}
	for _, path := range []string{"error.message", "message", "error", "detail"} {
		if v := gjson.Get(body, path); v.Exists() && v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return trimmed
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
