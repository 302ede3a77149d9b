package endpoint

import (
	"html/template"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStringRenderer_SetsContentTypeAndBody(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	r := StringRenderer{Body: "hello"}
	if err := r.Render(rec, req); err != nil {
		t.Fatalf("Render returned error: %v", err)
	}

	if got := rec.Header().Get("Content-Type"); got != "text/plain; charset=utf-8" {
		t.Fatalf("expected Content-Type %q, got %q", "text/plain; charset=utf-8", got)
	}
	if got := rec.Body.String(); got != "hello" {
		t.Fatalf("expected body %q, got %q", "hello", got)
	}
}

func TestStringRenderer_DoesNotOverrideExistingContentType(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec.Header().Set("Content-Type", "text/custom")

	r := StringRenderer{Body: "ok", Status: http.StatusCreated}
	if err := r.Render(rec, req); err != nil {
		t.Fatalf("Render returned error: %v", err)
	}

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d", http.StatusCreated, rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/custom" {
		t.Fatalf("expected Content-Type %q, got %q", "text/custom", got)
	}
}

func TestJSONRenderer(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	r := JSONRenderer{Status: http.StatusAccepted, Value: map[string]string{"authUrl": "https://example.com/a?x=1&y=2"}}
	if err := r.Render(rec, req); err != nil {
		t.Fatalf("Render returned error: %v", err)
	}

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected Content-Type %q, got %q", "application/json", got)
	}
	if got := rec.Body.String(); got != "{\"authUrl\":\"https://example.com/a?x=1&y=2\"}\n" {
		t.Fatalf("unexpected body %q", got)
	}
}

func TestJSONRenderer_EncodeErrorWritesNothing(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	r := JSONRenderer{Value: make(chan int)}
	if err := r.Render(rec, req); err == nil {
		t.Fatal("expected error for unencodable value")
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected empty body, got %q", rec.Body.String())
	}
}

func TestRedirectRenderer(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantStatus int
	}{
		{name: "default", wantStatus: http.StatusTemporaryRedirect},
		{name: "found", status: http.StatusFound, wantStatus: http.StatusFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			r := RedirectRenderer{URL: "https://provider.example/authorize?state=abc", Status: tt.status}
			if err := r.Render(rec, req); err != nil {
				t.Fatalf("Render returned error: %v", err)
			}
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if got := rec.Header().Get("Location"); got != "https://provider.example/authorize?state=abc" {
				t.Fatalf("unexpected Location %q", got)
			}
		})
	}
}

func TestHTMLTemplateRenderer_NamedTemplateAndErrors(t *testing.T) {
	tmpl := template.Must(template.New("root").Parse(`{{define "page"}}<i>{{.}}</i>{{end}}`))

	rec := httptest.NewRecorder()
	r := HTMLTemplateRenderer{Template: tmpl, Name: "page", Values: "x"}
	if err := r.Render(rec, httptest.NewRequest(http.MethodGet, "/", nil)); err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	if got := rec.Body.String(); got != "<i>x</i>" {
		t.Fatalf("unexpected body %q", got)
	}

	rec = httptest.NewRecorder()
	r = HTMLTemplateRenderer{Template: tmpl, Name: "missing"}
	if err := r.Render(rec, httptest.NewRequest(http.MethodGet, "/", nil)); err == nil {
		t.Fatal("expected error for missing template")
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected nothing written, got %q", rec.Body.String())
	}

	if err := (&HTMLTemplateRenderer{}).Render(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil)); err == nil {
		t.Fatal("expected error for nil template")
	}
}
