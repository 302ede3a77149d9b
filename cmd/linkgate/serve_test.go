package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/mnehpets/linkgate/auth"
	"github.com/mnehpets/linkgate/config"
	"github.com/mnehpets/linkgate/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			w.WriteHeader(http.StatusOK)
			return
		}
		r.ParseForm()
		if r.PostForm.Get("code") != "good-code" || r.PostForm.Get("code_verifier") == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-1","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, tokenURL string) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.PublicURL = "https://gw.example.com"
	cfg.State.Secret = "correct horse battery staple"
	cfg.Providers = []config.ProviderConfig{{
		ID:       "spotify",
		Kind:     config.KindConnector,
		AuthURL:  tokenURL + "/authorize",
		TokenURL: tokenURL + "/token",
		ClientID: "client-id",
	}}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestGateway_ConnectorFlow(t *testing.T) {
	srv := newTokenServer(t)
	gw, err := newGateway(context.Background(), testConfig(t, srv.URL), zap.NewNop())
	require.NoError(t, err)
	defer gw.Close()

	w := httptest.NewRecorder()
	gw.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())

	w = httptest.NewRecorder()
	gw.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/oauth/authorize/spotify?user_id=u1", nil))
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"))

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "https://gw.example.com/oauth/callback/spotify", loc.Query().Get("redirect_uri"))

	w = httptest.NewRecorder()
	gw.ServeHTTP(w, httptest.NewRequest(http.MethodGet,
		"/oauth/callback/spotify?code=good-code&state="+url.QueryEscape(loc.Query().Get("state")), nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp auth.CallbackResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "spotify", resp.Provider)
	assert.Equal(t, []string{"spotify"}, gw.directory.linked("u1"))

	gw.notifier.Wait()
}

func TestGateway_Session(t *testing.T) {
	srv := newTokenServer(t)
	gw, err := newGateway(context.Background(), testConfig(t, srv.URL), zap.NewNop())
	require.NoError(t, err)

	s, err := gw.directory.IssueSession(context.Background(), auth.Identity{Provider: "google", StableID: "google:42", Email: "a@example.com"})
	require.NoError(t, err)
	assert.True(t, s.IsNewUser)

	again, err := gw.directory.IssueSession(context.Background(), auth.Identity{Provider: "google", StableID: "google:42"})
	require.NoError(t, err)
	assert.False(t, again.IsNewUser)
	assert.NotEqual(t, s.Token, again.Token)
	assert.Equal(t, "a@example.com", again.User.Email)

	get := func(authz string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/oauth/session", nil)
		if authz != "" {
			r.Header.Set("Authorization", authz)
		}
		w := httptest.NewRecorder()
		gw.ServeHTTP(w, r)
		return w
	}

	assert.Equal(t, http.StatusUnauthorized, get("").Code)
	assert.Equal(t, http.StatusUnauthorized, get("Bearer nope").Code)

	w := get("Bearer " + s.Token)
	require.Equal(t, http.StatusOK, w.Code)
	var body sessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "google:42", body.User.ID)
	assert.Empty(t, body.Connectors)
}

func TestDirectory_RejectsEmptyInput(t *testing.T) {
	d := newDirectory(zap.NewNop())
	_, err := d.IssueSession(context.Background(), auth.Identity{Provider: "github"})
	assert.Error(t, err)
	assert.Error(t, d.LinkConnector(context.Background(), "u1", "spotify", nil))
}

func TestNewResultEndpoint(t *testing.T) {
	_, err := newResultEndpoint(config.ServerConfig{Result: config.ResultPopup, PopupOrigin: "*"})
	assert.Error(t, err)

	h, err := newResultEndpoint(config.ServerConfig{Result: config.ResultPopup, PopupOrigin: "https://app.example.com"})
	require.NoError(t, err)
	assert.NotNil(t, h)
}

func TestKeygenCmd(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"keygen"})
	require.NoError(t, cmd.Execute())

	key, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Len(t, key, state.KeySize)
}

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "linkgate dev\n", out.String())
}
