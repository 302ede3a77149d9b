// Package endpoint provides a small typed-handler layer over net/http.
//
// A request passes through three phases:
//
//  1. Processors run in order, each deciding whether to call next. They may
//     set headers but never write the status or body.
//  2. The request is decoded into a typed params value (see Unmarshal) and
//     handed to the EndpointFunc, which returns a Renderer.
//  3. The Renderer writes the status, headers and body.
//
// Errors from any phase are translated into an HTTP response. Only the
// Message of an *EndpointError is ever written to the client; causes stay
// server-side so that internal detail is not leaked.
package endpoint

import (
	"errors"
	"io"
	"net/http"
)

// EndpointError is an error with a client-visible status and message.
type EndpointError struct {
	Status int
	// Message is written to the response body. Keep it generic.
	Message string
	Cause   error
}

func (e *EndpointError) Error() string {
	if e == nil {
		return "endpoint: error: <nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *EndpointError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Error creates an *EndpointError. An error that already is one is returned
// unchanged.
func Error(status int, message string, err error) error {
	var ee *EndpointError
	if errors.As(err, &ee) {
		return err
	}
	return &EndpointError{Status: status, Message: message, Cause: err}
}

// Renderer writes a response. Renderers must call WriteHeader exactly once.
type Renderer interface {
	Render(w http.ResponseWriter, r *http.Request) error
}

// RendererFunc adapts a function to a Renderer.
type RendererFunc func(w http.ResponseWriter, r *http.Request) error

func (f RendererFunc) Render(w http.ResponseWriter, r *http.Request) error {
	return f(w, r)
}

// Processor is middleware that runs before the endpoint.
//
// Processors must call next unless they short-circuit by returning an error,
// and must not call WriteHeader or write the body.
type Processor interface {
	Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error
}

// ProcessorFunc adapts a function to a Processor.
type ProcessorFunc func(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error

func (f ProcessorFunc) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	return f(w, r, next)
}

// EndpointFunc implements business logic for decoded params P and returns
// the Renderer for the response.
type EndpointFunc[P any] func(w http.ResponseWriter, r *http.Request, params P) (Renderer, error)

// EndpointHandler is an http.Handler running Processors then Endpoint.
type EndpointHandler[P any] struct {
	Endpoint   EndpointFunc[P]
	Processors []Processor
}

// Handler constructs an EndpointHandler, inferring P from fn.
func Handler[P any](fn EndpointFunc[P], processors ...Processor) *EndpointHandler[P] {
	return &EndpointHandler[P]{Endpoint: fn, Processors: processors}
}

// HandleFunc adapts fn into an http.HandlerFunc.
func HandleFunc[P any](fn EndpointFunc[P], processors ...Processor) http.HandlerFunc {
	return Handler(fn, processors...).ServeHTTP
}

// ServeHTTP implements http.Handler.
func (h *EndpointHandler[P]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Endpoint == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	var run func(i int, w http.ResponseWriter, r *http.Request) error
	run = func(i int, w http.ResponseWriter, r *http.Request) error {
		if i < len(h.Processors) {
			p := h.Processors[i]
			if p == nil {
				return errors.New("endpoint: nil processor")
			}
			return p.Process(w, r, func(w http.ResponseWriter, r *http.Request) error {
				return run(i+1, w, r)
			})
		}

		var params P
		if err := Unmarshal(r, &params); err != nil {
			return err
		}
		renderer, err := h.Endpoint(w, r, params)
		if err != nil {
			return err
		}
		if renderer == nil {
			return errors.New("endpoint: nil renderer")
		}
		if c, ok := renderer.(io.Closer); ok {
			defer c.Close()
		}
		return renderer.Render(w, r)
	}

	if err := run(0, w, r); err != nil {
		writeError(w, err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := http.StatusText(status)

	var ee *EndpointError
	if errors.As(err, &ee) && ee != nil {
		if ee.Status >= 400 && ee.Status < 600 {
			status = ee.Status
		}
		message = ee.Message
		if message == "" {
			message = http.StatusText(status)
		}
	}
	http.Error(w, message, status)
}
