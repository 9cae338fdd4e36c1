package errclass

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"classified passthrough", New(ToolExecution, "tool blew up"), ToolExecution},
		{"wrapped classified", fmt.Errorf("stream: %w", New(RateLimit, "slow down")), RateLimit},
		{"openai 401", &openai.APIError{HTTPStatusCode: 401, Message: "Incorrect API key provided"}, Auth},
		{"openai 429", &openai.APIError{HTTPStatusCode: 429, Message: "Rate limit reached"}, RateLimit},
		{"openai 500", &openai.APIError{HTTPStatusCode: 500, Message: "oops"}, Server},
		{"openai 400", &openai.APIError{HTTPStatusCode: 400, Message: "bad"}, Client},
		{"request error 503", &openai.RequestError{HTTPStatusCode: 503, Err: errors.New("unavailable")}, Server},
		{"deadline", context.DeadlineExceeded, Timeout},
		{"net timeout", timeoutErr{}, Timeout},
		{"unexpected eof", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), Network},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, Network},
		{"explicit status in text", errors.New("upstream returned status 429"), RateLimit},
		{"auth text", errors.New("invalid api key"), Auth},
		{"unknown", errors.New("something odd"), Unknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestClassifyCanceledIsNotAnError(t *testing.T) {
	assert.Equal(t, Kind(""), Classify(context.Canceled))
	assert.Equal(t, Kind(""), Classify(fmt.Errorf("read: %w", context.Canceled)))
	assert.Equal(t, Kind(""), Classify(nil))
}

func TestCredentialKinds(t *testing.T) {
	assert.True(t, Auth.IsCredentialError())
	assert.True(t, RateLimit.IsCredentialError())
	for _, k := range []Kind{Network, Timeout, Server, Client, ToolExecution, Unknown} {
		assert.False(t, k.IsCredentialError(), k)
	}
}

func TestNormalizeMessage(t *testing.T) {
	assert.Equal(t, "quota exceeded",
		NormalizeMessage(`error, status code: 429, body: {"error":{"message":"quota exceeded","type":"insufficient_quota"}}`))
	assert.Equal(t, "plain", NormalizeMessage("plain"))
	assert.Equal(t, "broken {json", NormalizeMessage("broken {json"))
}

func TestParseKind(t *testing.T) {
	assert.Equal(t, RateLimit, ParseKind("RATE_LIMIT"))
	assert.Equal(t, Unknown, ParseKind("weird"))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root")
	err := Wrap(Server, cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "server error")
}
