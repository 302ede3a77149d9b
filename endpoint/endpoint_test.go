package endpoint

import (
	"errors"
	"html/template"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type headerProcessor struct {
	Key   string
	Value string
}

func (hp headerProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	if hp.Key != "" {
		w.Header().Set(hp.Key, hp.Value)
	}
	return next(w, r)
}

func TestHandler_Constructors(t *testing.T) {
	h1 := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return &StringRenderer{Body: "h1"}, nil
	})
	hf := HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return &StringRenderer{Body: "hf"}, nil
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)

	rec1 := httptest.NewRecorder()
	h1.ServeHTTP(rec1, req)
	if rec1.Body.String() != "h1" {
		t.Errorf("Handler: got body %q", rec1.Body.String())
	}

	rec2 := httptest.NewRecorder()
	hf(rec2, req)
	if rec2.Body.String() != "hf" {
		t.Errorf("HandleFunc: got body %q", rec2.Body.String())
	}
}

func TestHandler_ProcessorsRunInOrderThenEndpoint(t *testing.T) {
	var order []string
	record := func(name string) Processor {
		return ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
			order = append(order, name)
			return next(w, r)
		})
	}

	h := Handler(func(_ http.ResponseWriter, _ *http.Request, params struct {
		Name string `query:"name"`
	}) (Renderer, error) {
		order = append(order, "endpoint")
		return &StringRenderer{Body: "hello " + strings.ToUpper(params.Name)}, nil
	}, record("a"), headerProcessor{Key: "X-Test", Value: "1"}, record("b"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?name=world", nil))

	if got := strings.Join(order, ","); got != "a,b,endpoint" {
		t.Fatalf("expected order a,b,endpoint, got %s", got)
	}
	if got := rec.Header().Get("X-Test"); got != "1" {
		t.Fatalf("expected X-Test header %q, got %q", "1", got)
	}
	if got := rec.Body.String(); got != "hello WORLD" {
		t.Fatalf("expected body %q, got %q", "hello WORLD", got)
	}
}

func TestHandler_ProcessorShortCircuit(t *testing.T) {
	called := false
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		called = true
		return &StringRenderer{Body: "ok"}, nil
	}, ProcessorFunc(func(w http.ResponseWriter, _ *http.Request, _ func(http.ResponseWriter, *http.Request) error) error {
		w.Header().Set("Retry-After", "60")
		return Error(http.StatusTooManyRequests, "too many requests", errors.New("bucket full"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if called {
		t.Fatal("endpoint must not run after a processor error")
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "60" {
		t.Fatalf("expected Retry-After header to survive, got %q", got)
	}
	if strings.Contains(rec.Body.String(), "bucket full") {
		t.Fatalf("cause leaked into body: %q", rec.Body.String())
	}
}

func TestHandler_ErrorsDoNotLeakCause(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "plain error",
			err:        errors.New("dial tcp 10.0.0.1: secret detail"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   "Internal Server Error\n",
		},
		{
			name:       "endpoint error",
			err:        Error(http.StatusBadRequest, "bad request", errors.New("secret detail")),
			wantStatus: http.StatusBadRequest,
			wantBody:   "bad request\n",
		},
		{
			name:       "endpoint error without message",
			err:        Error(http.StatusForbidden, "", errors.New("secret detail")),
			wantStatus: http.StatusForbidden,
			wantBody:   "Forbidden\n",
		},
		{
			name:       "out of range status",
			err:        &EndpointError{Status: 200, Message: "odd"},
			wantStatus: http.StatusInternalServerError,
			wantBody:   "odd\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
				return nil, tt.err
			})
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if rec.Body.String() != tt.wantBody {
				t.Fatalf("expected body %q, got %q", tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestHandler_NilRenderer(t *testing.T) {
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return nil, nil
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rec.Code)
	}
}

func TestHandler_DecodeErrorIs400(t *testing.T) {
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct {
		N int `query:"n"`
	}) (Renderer, error) {
		return &StringRenderer{Body: "ok"}, nil
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?n=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
}

type closingRenderer struct {
	StringRenderer
	closed bool
}

func (c *closingRenderer) Close() error {
	c.closed = true
	return nil
}

func TestHandler_ClosesRenderer(t *testing.T) {
	cr := &closingRenderer{StringRenderer: StringRenderer{Body: "x"}}
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return cr, nil
	})
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !cr.closed {
		t.Fatal("expected renderer to be closed")
	}
}

func TestHandler_HTMLTemplateRenderer_ParamsAsValues(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("/t", HandleFunc(func(_ http.ResponseWriter, _ *http.Request, params struct {
		Name string `query:"name"`
	}) (Renderer, error) {
		tmpl := template.Must(template.New("base").Parse("<p>{{.Name}}</p>"))
		return &HTMLTemplateRenderer{Template: tmpl, Values: params}, nil
	}))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/t?name=%3Cb%3E", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/html; charset=utf-8" {
		t.Fatalf("expected Content-Type %q, got %q", "text/html; charset=utf-8", got)
	}
	if got := rec.Body.String(); got != "<p>&lt;b&gt;</p>" {
		t.Fatalf("expected escaped body, got %q", got)
	}
}

func TestError_WrapsOnce(t *testing.T) {
	inner := Error(http.StatusUnauthorized, "unauthorized", errors.New("cause"))
	outer := Error(http.StatusInternalServerError, "other", inner)
	if outer != inner {
		t.Fatal("expected existing EndpointError to be returned unchanged")
	}

	var ee *EndpointError
	if !errors.As(outer, &ee) || ee.Status != http.StatusUnauthorized {
		t.Fatalf("unexpected error %v", outer)
	}
	if got := ee.Error(); got != "unauthorized: cause" {
		t.Fatalf("unexpected Error() %q", got)
	}
}
