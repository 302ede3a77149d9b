package middleware

import (
	"net/http"

	"github.com/mnehpets/linkgate/endpoint"
)

// SecurityHeadersProcessor sets response headers for routes that carry
// OAuth codes and state in their URLs.
//
// Default configuration (NewNoStoreProcessor):
//   - Cache-Control: no-store
//   - Pragma: no-cache
//   - Referrer-Policy: no-referrer
//   - X-Content-Type-Options: nosniff
//   - X-Frame-Options: DENY
//
// Empty values disable the corresponding header.
type SecurityHeadersProcessor struct {
	// CacheControl keeps authorization responses out of shared and browser
	// caches.
	CacheControl string

	// Pragma is the HTTP/1.0 equivalent of CacheControl.
	Pragma string

	// ReferrerPolicy stops the callback URL, which holds the code and state,
	// from leaking to third-party resources via Referer.
	ReferrerPolicy string

	// ContentTypeOptions enables X-Content-Type-Options: nosniff.
	ContentTypeOptions bool

	// FrameOptions sets X-Frame-Options. The popup result page is opened as
	// a window, never framed.
	FrameOptions string

	// ContentSecurityPolicy sets Content-Security-Policy.
	ContentSecurityPolicy string
}

// SecurityHeadersOption is a functional option for configuring SecurityHeadersProcessor.
type SecurityHeadersOption func(*SecurityHeadersProcessor)

// NewNoStoreProcessor creates a SecurityHeadersProcessor for authorize and
// callback routes.
func NewNoStoreProcessor(opts ...SecurityHeadersOption) *SecurityHeadersProcessor {
	p := &SecurityHeadersProcessor{
		CacheControl:       "no-store",
		Pragma:             "no-cache",
		ReferrerPolicy:     "no-referrer",
		ContentTypeOptions: true,
		FrameOptions:       "DENY",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithReferrerPolicy sets the Referrer-Policy header.
func WithReferrerPolicy(policy string) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) {
		p.ReferrerPolicy = policy
	}
}

// WithFrameOptions sets the X-Frame-Options header.
func WithFrameOptions(options string) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) {
		p.FrameOptions = options
	}
}

// WithCSP sets the Content-Security-Policy header.
func WithCSP(policy string) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) {
		p.ContentSecurityPolicy = policy
	}
}

func (p *SecurityHeadersProcessor) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	h := w.Header()
	setIf(h, "Cache-Control", p.CacheControl)
	setIf(h, "Pragma", p.Pragma)
	setIf(h, "Referrer-Policy", p.ReferrerPolicy)
	setIf(h, "X-Frame-Options", p.FrameOptions)
	setIf(h, "Content-Security-Policy", p.ContentSecurityPolicy)
	if p.ContentTypeOptions {
		h.Set("X-Content-Type-Options", "nosniff")
	}
	return next(w, r)
}

func setIf(h http.Header, key, value string) {
	if value != "" {
		h.Set(key, value)
	}
}

var _ endpoint.Processor = (*SecurityHeadersProcessor)(nil)
