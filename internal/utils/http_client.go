package utils

import (
	"bytes"
	"crypto/tls"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"llmhouse-backend/pkg/logger"

	"github.com/sirupsen/logrus"
)

func NewHTTPClient(timeout time.Duration, debug bool) *http.Client {
	var transport http.RoundTripper = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: false,
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if debug {
		transport = NewDebugTransport(transport)
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// DebugTransport 记录发往供应商的请求，敏感头和字段打码
type DebugTransport struct {
	base http.RoundTripper
}

func NewDebugTransport(base http.RoundTripper) *DebugTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &DebugTransport{base: base}
}

func (t *DebugTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method == http.MethodPost {
		t.logRequest(req)
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		logger.Errorf("Provider request to %s failed: %v", req.URL.Host, err)
	}
	return resp, err
}

func (t *DebugTransport) logRequest(req *http.Request) {
	headers := logrus.Fields{}
	for name, values := range req.Header {
		if isSensitiveHeader(name) {
			headers[name] = "[REDACTED]"
		} else {
			headers[name] = strings.Join(values, ", ")
		}
	}

	var body string
	if req.Body != nil {
		raw, err := io.ReadAll(req.Body)
		if err != nil {
			logger.Errorf("Failed to read request body for debug: %v", err)
			return
		}
		// 读完后放回去，不影响真正的请求
		req.Body = io.NopCloser(bytes.NewReader(raw))
		body = RedactJSON(string(raw))
	}

	logger.WithFields(logrus.Fields{
		"method":  req.Method,
		"url":     req.URL.String(),
		"headers": headers,
		"size":    len(body),
	}).Debugf("Provider request body: %s", body)
}

var sensitiveField = regexp.MustCompile(`(?i)("(?:api_key|apikey|password|secret|token)"\s*:\s*)"[^"]*"`)

// RedactJSON 把 JSON 中敏感字段的值替换成 [REDACTED]
func RedactJSON(s string) string {
	return sensitiveField.ReplaceAllString(s, `$1"[REDACTED]"`)
}

func isSensitiveHeader(name string) bool {
	for _, h := range []string{"authorization", "x-api-key", "x-auth-token", "cookie", "api-key"} {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}
