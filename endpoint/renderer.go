package endpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"net/http"
)

func setContentType(w http.ResponseWriter, contentType string) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", contentType)
	}
}

func statusOr(status, def int) int {
	if status == 0 {
		return def
	}
	return status
}

// StringRenderer writes Body as text/plain unless ContentType is set.
type StringRenderer struct {
	Status      int
	Body        string
	ContentType string
}

func (sr *StringRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	ct := sr.ContentType
	if ct == "" {
		ct = "text/plain; charset=utf-8"
	}
	setContentType(w, ct)
	w.WriteHeader(statusOr(sr.Status, http.StatusOK))
	if sr.Body == "" {
		return nil
	}
	_, err := io.WriteString(w, sr.Body)
	return err
}

// JSONRenderer encodes Value as JSON.
type JSONRenderer struct {
	Status int
	Value  any
}

func (jr *JSONRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	// Encode first so that a marshalling failure can still become a 500.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(jr.Value); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusOr(jr.Status, http.StatusOK))
	_, err := io.Copy(w, &buf)
	return err
}

// RedirectRenderer redirects to URL, with 307 when Status is zero.
type RedirectRenderer struct {
	URL    string
	Status int
}

func (rr *RedirectRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	http.Redirect(w, r, rr.URL, statusOr(rr.Status, http.StatusTemporaryRedirect))
	return nil
}

// HTMLTemplateRenderer executes Template with Values. Execution is buffered
// so that template errors are reported before the status is written.
type HTMLTemplateRenderer struct {
	Status   int
	Template *template.Template
	Name     string
	Values   any
}

func (hr *HTMLTemplateRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	if hr.Template == nil {
		return errors.New("endpoint: nil html/template")
	}
	var buf bytes.Buffer
	var err error
	if hr.Name != "" {
		err = hr.Template.ExecuteTemplate(&buf, hr.Name, hr.Values)
	} else {
		err = hr.Template.Execute(&buf, hr.Values)
	}
	if err != nil {
		return err
	}
	setContentType(w, "text/html; charset=utf-8")
	w.WriteHeader(statusOr(hr.Status, http.StatusOK))
	_, err = io.Copy(w, &buf)
	return err
}
