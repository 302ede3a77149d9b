package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/mnehpets/linkgate/endpoint"
	"github.com/mnehpets/linkgate/ratelimit"
	"go.uber.org/zap"
)

// Rate limit response headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// RateLimitProcessor counts each request against the bucket for
// (client, category) and rejects it with 429 once the bucket is full.
//
// The X-RateLimit-* headers are set on every request the limiter answered,
// admitted or not. If the store fails the request is admitted, a warning
// is logged and only X-RateLimit-Limit is set.
type RateLimitProcessor struct {
	limiter   *ratelimit.Limiter
	category  ratelimit.Category
	clientKey func(*http.Request) string
	logger    *zap.Logger
}

// RateLimitOption configures a RateLimitProcessor.
type RateLimitOption func(*RateLimitProcessor)

// WithClientKey overrides how the client identity is derived.
func WithClientKey(f func(*http.Request) string) RateLimitOption {
	return func(p *RateLimitProcessor) {
		if f != nil {
			p.clientKey = f
		}
	}
}

// WithTrustedProxies derives the client from X-Forwarded-For, trusting count
// proxies in front of the server. See ClientIP.
func WithTrustedProxies(count int) RateLimitOption {
	return func(p *RateLimitProcessor) {
		p.clientKey = func(r *http.Request) string {
			return ClientIP(r, true, count)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) RateLimitOption {
	return func(p *RateLimitProcessor) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewRateLimitProcessor creates a processor for one route category. By
// default the client is the connection's peer address.
func NewRateLimitProcessor(limiter *ratelimit.Limiter, category ratelimit.Category, opts ...RateLimitOption) *RateLimitProcessor {
	p := &RateLimitProcessor{
		limiter:  limiter,
		category: category,
		clientKey: func(r *http.Request) string {
			return ClientIP(r, false, 0)
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *RateLimitProcessor) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	key := ratelimit.Key{Client: p.clientKey(r), Category: p.category}

	d, err := p.limiter.Check(r.Context(), key)
	if err != nil {
		if errors.Is(err, ratelimit.ErrUnknownCategory) {
			return endpoint.Error(http.StatusInternalServerError, "", err)
		}
		p.logger.Warn("rate limit store unavailable, admitting request",
			zap.String("category", string(p.category)),
			zap.Error(err))
		if pol, ok := p.limiter.Policy(p.category); ok {
			w.Header().Set(HeaderRateLimitLimit, strconv.Itoa(pol.Limit))
		}
		return next(w, r)
	}

	h := w.Header()
	h.Set(HeaderRateLimitLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRateLimitRemaining, strconv.Itoa(d.Remaining))
	h.Set(HeaderRateLimitReset, strconv.FormatInt(d.ResetAt.Unix(), 10))

	if !d.Admitted {
		h.Set(HeaderRetryAfter, strconv.FormatInt(retryAfterSeconds(d.RetryAfter), 10))
		p.logger.Warn("rate limit exceeded",
			zap.String("client", key.Client),
			zap.String("category", string(p.category)),
			zap.Duration("retry_after", d.RetryAfter))
		return endpoint.Error(http.StatusTooManyRequests, "too many requests, please try again later", d.Err(key))
	}
	return next(w, r)
}

// retryAfterSeconds rounds up to whole seconds, minimum 1.
func retryAfterSeconds(d time.Duration) int64 {
	s := int64((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

var _ endpoint.Processor = (*RateLimitProcessor)(nil)
