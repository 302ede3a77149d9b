package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sort"
	"sync"

	"github.com/mnehpets/linkgate/auth"
	"github.com/mnehpets/linkgate/flow"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// directory is a process-local user and connector store. It issues opaque
// session tokens and keeps linked connector tokens in memory. Deployments
// with a user database supply their own auth.SessionIssuer and
// auth.ConnectorLinker instead.
type directory struct {
	mu         sync.Mutex
	users      map[string]flow.User
	sessions   map[string]string // token -> user id
	connectors map[string]map[string]*oauth2.Token
	logger     *zap.Logger
}

func newDirectory(logger *zap.Logger) *directory {
	return &directory{
		users:      make(map[string]flow.User),
		sessions:   make(map[string]string),
		connectors: make(map[string]map[string]*oauth2.Token),
		logger:     logger,
	}
}

func (d *directory) IssueSession(_ context.Context, id auth.Identity) (*auth.Session, error) {
	if id.StableID == "" {
		return nil, errors.New("identity has no stable id")
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	token := base64.RawURLEncoding.EncodeToString(b)

	d.mu.Lock()
	defer d.mu.Unlock()
	user, ok := d.users[id.StableID]
	if !ok {
		user = flow.User{ID: id.StableID}
	}
	if id.Email != "" {
		user.Email = id.Email
	}
	d.users[id.StableID] = user
	d.sessions[token] = user.ID

	d.logger.Info("session issued", zap.String("platform", id.Provider), zap.Bool("new_user", !ok))
	return &auth.Session{Token: token, User: user, IsNewUser: !ok}, nil
}

func (d *directory) LinkConnector(_ context.Context, userID, platform string, token *oauth2.Token) error {
	if token == nil || token.AccessToken == "" {
		return errors.New("empty connector token")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connectors[userID] == nil {
		d.connectors[userID] = make(map[string]*oauth2.Token)
	}
	d.connectors[userID][platform] = token

	d.logger.Info("connector linked", zap.String("platform", platform))
	return nil
}

// linked returns the sorted platforms linked for userID.
func (d *directory) linked(userID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	platforms := make([]string, 0, len(d.connectors[userID]))
	for p := range d.connectors[userID] {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)
	return platforms
}

// userForSession resolves a session token.
func (d *directory) userForSession(token string) (flow.User, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.sessions[token]
	if !ok {
		return flow.User{}, false
	}
	return d.users[id], true
}

var (
	_ auth.SessionIssuer   = (*directory)(nil)
	_ auth.ConnectorLinker = (*directory)(nil)
)
