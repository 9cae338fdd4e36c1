// Package failover 同一供应商多把 key 之间的故障切换。
// 鉴权和限流类错误换下一把 key 重试，其他错误直接返回。
package failover

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"llmhouse-backend/internal/errclass"
	"llmhouse-backend/internal/metrics"
	"llmhouse-backend/pkg/logger"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("llmhouse-backend/failover")

var (
	ErrNoCredentials      = errors.New("no credentials configured")
	ErrNoUsableCredential = errors.New("all credentials are unavailable")
)

const DefaultMaxRetries = 2

// Fingerprint key 的不可逆标识，用于日志和回调，不暴露原文
func Fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:12]
}

// Attempt 一次调用尝试的结果
type Attempt struct {
	Credential string
	Index      int
	OK         bool
	Kind       errclass.Kind
	Err        error
}

type Options struct {
	// MaxRetries 第一次失败后最多再换几把 key
	MaxRetries int
	// Rotate 每次调用从下一把 key 开始，把负载分摊到所有 key 上
	Rotate bool
	// CircuitBreaker 为每把 key 维护熔断器，熔断中的 key 直接跳过
	CircuitBreaker bool
	// Backoff 两次尝试之间的最小间隔
	Backoff time.Duration
	// OnAttempt 每次尝试后回调，按尝试顺序同步调用
	OnAttempt func(Attempt)
	Metrics   *metrics.Instruments
}

type credential struct {
	secret      string
	fingerprint string
	breaker     *gobreaker.CircuitBreaker
}

// Pool 一组可以互相替换的 key
type Pool struct {
	creds []credential
	opts  Options
	next  atomic.Uint64
}

func NewPool(keys []string, opts Options) (*Pool, error) {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	p := &Pool{opts: opts}
	for _, k := range keys {
		if k == "" {
			continue
		}
		c := credential{secret: k, fingerprint: Fingerprint(k)}
		if opts.CircuitBreaker {
			c.breaker = newBreaker(c.fingerprint)
		}
		p.creds = append(p.creds, c)
	}
	if len(p.creds) == 0 {
		return nil, ErrNoCredentials
	}
	return p, nil
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// 只有 key 相关的错误计入熔断
		IsSuccessful: func(err error) bool {
			return err == nil || !errclass.Classify(err).IsCredentialError()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Infof("Credential %s breaker %s -> %s", name, from, to)
		},
	})
}

// Len key 数量
func (p *Pool) Len() int {
	return len(p.creds)
}

// Fingerprints 按配置顺序
func (p *Pool) Fingerprints() []string {
	out := make([]string, len(p.creds))
	for i, c := range p.creds {
		out[i] = c.fingerprint
	}
	return out
}

// Do 用池里的 key 依次尝试 call。
// 返回成功的结果，或者最后一次失败的错误。
func Do[T any](ctx context.Context, p *Pool, call func(ctx context.Context, apiKey string) (T, error)) (T, error) {
	var zero T
	ctx, span := tracer.Start(ctx, "failover.do")
	defer span.End()

	n := len(p.creds)
	start := 0
	if p.opts.Rotate {
		start = int((p.next.Add(1) - 1) % uint64(n))
	}
	budget := p.opts.MaxRetries + 1
	if budget > n {
		budget = n
	}

	var pace *rate.Limiter
	if p.opts.Backoff > 0 {
		pace = rate.NewLimiter(rate.Every(p.opts.Backoff), 1)
	}

	var lastErr error
	attempts := 0
	for i := 0; i < n && attempts < budget; i++ {
		idx := (start + i) % n
		cred := p.creds[idx]
		if cred.breaker != nil && cred.breaker.State() == gobreaker.StateOpen {
			logger.Debugf("Credential %s skipped, breaker open", cred.fingerprint)
			continue
		}
		if pace != nil {
			if err := pace.Wait(ctx); err != nil {
				return zero, err
			}
		}
		attempts++

		result, err := invoke(ctx, cred, call)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			attempts--
			continue
		}
		kind := errclass.Classify(err)
		p.report(ctx, Attempt{Credential: cred.fingerprint, Index: idx, OK: err == nil, Kind: kind, Err: err})
		if err == nil {
			span.SetAttributes(attribute.Int("failover.attempts", attempts))
			return result, nil
		}

		lastErr = err
		if !kind.IsCredentialError() {
			span.SetStatus(codes.Error, err.Error())
			return zero, err
		}
		logger.WithFields(logrus.Fields{
			"credential": cred.fingerprint,
			"kind":       kind,
		}).Warnf("Provider call failed, trying next credential: %v", err)
	}

	span.SetAttributes(attribute.Int("failover.attempts", attempts))
	if lastErr == nil {
		lastErr = ErrNoUsableCredential
	}
	span.SetStatus(codes.Error, lastErr.Error())
	return zero, fmt.Errorf("credentials exhausted after %d attempt(s): %w", attempts, lastErr)
}

func invoke[T any](ctx context.Context, cred credential, call func(ctx context.Context, apiKey string) (T, error)) (T, error) {
	if cred.breaker == nil {
		return call(ctx, cred.secret)
	}
	var result T
	_, err := cred.breaker.Execute(func() (interface{}, error) {
		var err error
		result, err = call(ctx, cred.secret)
		return nil, err
	})
	return result, err
}

func (p *Pool) report(ctx context.Context, a Attempt) {
	p.opts.Metrics.CredentialAttempt(ctx, a.Credential, a.OK, string(a.Kind))
	if p.opts.OnAttempt != nil {
		p.opts.OnAttempt(a)
	}
}
