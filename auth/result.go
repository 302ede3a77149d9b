package auth

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"

	"github.com/mnehpets/linkgate/endpoint"
	"github.com/mnehpets/linkgate/flow"
)

// CallbackResponse is the JSON shape of a callback result.
type CallbackResponse struct {
	Success   bool       `json:"success"`
	Token     string     `json:"token,omitempty"`
	User      *flow.User `json:"user,omitempty"`
	IsNewUser *bool      `json:"isNewUser,omitempty"`
	Provider  string     `json:"provider,omitempty"`
	Connected *bool      `json:"connected,omitempty"`
	NextURL   string     `json:"nextUrl,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// NewCallbackResponse converts an Outcome. Failures carry only the generic
// public message.
func NewCallbackResponse(out *flow.Outcome) CallbackResponse {
	if out == nil || !out.Success {
		return CallbackResponse{Error: flow.PublicFailureMessage}
	}
	resp := CallbackResponse{Success: true, NextURL: out.NextURL}
	switch out.Classification {
	case flow.AuthFlow:
		isNew := out.IsNewUser
		resp.Token = out.SessionToken
		resp.User = out.User
		resp.IsNewUser = &isNew
	case flow.ConnectorFlow:
		connected := out.Connected
		resp.Provider = out.Provider
		resp.Connected = &connected
	}
	return resp
}

// JSONResultEndpoint writes the outcome as a CallbackResponse: 200 on
// success, 400 on any failure.
func JSONResultEndpoint(_ http.ResponseWriter, _ *http.Request, out *flow.Outcome) (endpoint.Renderer, error) {
	status := http.StatusOK
	if out == nil || !out.Success {
		status = http.StatusBadRequest
	}
	return &endpoint.JSONRenderer{Status: status, Value: NewCallbackResponse(out)}, nil
}

// RedirectResultEndpoint redirects successful callbacks to the NextURL from
// the state, and failures to failureURL with error=authentication_failed.
// failureURL must be a local path. Sessions must then be delivered by the
// SessionIssuer, for example as a cookie.
func RedirectResultEndpoint(failureURL string) (ResultEndpoint, error) {
	if failureURL == "" {
		failureURL = "/"
	}
	if ValidateNextURLIsLocal(failureURL) != failureURL {
		return nil, fmt.Errorf("auth: failure URL %q is not a local path", failureURL)
	}
	u, err := url.Parse(failureURL)
	if err != nil {
		return nil, fmt.Errorf("auth: failure URL: %w", err)
	}
	q := u.Query()
	q.Set("error", "authentication_failed")
	u.RawQuery = q.Encode()
	failureLocation := u.String()

	return func(_ http.ResponseWriter, _ *http.Request, out *flow.Outcome) (endpoint.Renderer, error) {
		if out == nil || !out.Success {
			return &endpoint.RedirectRenderer{URL: failureLocation, Status: http.StatusFound}, nil
		}
		return &endpoint.RedirectRenderer{URL: ValidateNextURLIsLocal(out.NextURL), Status: http.StatusFound}, nil
	}, nil
}

// PopupMessageType is the "type" of messages posted by the popup page.
const PopupMessageType = "linkgate:oauth-result"

var popupTemplate = template.Must(template.New("popup").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>{{if .Result.Success}}Connected{{else}}Authentication failed{{end}}</title></head>
<body>
<p>{{if .Result.Success}}You can close this window.{{else}}{{.Result.Error}}{{end}}</p>
<script>
(function () {
  var msg = {type: {{.Type}}, result: {{.Result}}};
  if (window.opener) {
    window.opener.postMessage(msg, {{.Origin}});
    window.close();
  }
})();
</script>
</body>
</html>
`))

// PopupResultEndpoint renders a page for callbacks opened in a popup. The
// page posts the CallbackResponse to window.opener, restricted to
// targetOrigin, then closes itself.
func PopupResultEndpoint(targetOrigin string) (ResultEndpoint, error) {
	u, err := url.Parse(targetOrigin)
	if err != nil || u.Scheme == "" || u.Host == "" || u.Path != "" || targetOrigin == "*" {
		return nil, errors.New("auth: popup target origin must be scheme://host[:port]")
	}
	return func(_ http.ResponseWriter, _ *http.Request, out *flow.Outcome) (endpoint.Renderer, error) {
		resp := NewCallbackResponse(out)
		status := http.StatusOK
		if !resp.Success {
			status = http.StatusBadRequest
		}
		return &endpoint.HTMLTemplateRenderer{
			Status:   status,
			Template: popupTemplate,
			Values: map[string]any{
				"Type":   PopupMessageType,
				"Result": resp,
				"Origin": targetOrigin,
			},
		}, nil
	}, nil
}
