// Package artifact persists stage outputs keyed by session and path.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// Store persists stage artifacts. Paths are slash separated and relative to
// the session; List returns them sorted.
type Store interface {
	Put(ctx context.Context, sessionID, path string, content []byte) error
	Get(ctx context.Context, sessionID, path string) ([]byte, error)
	List(ctx context.Context, sessionID string) ([]string, error)
}

var (
	ErrNotFound   = errors.New("artifact not found")
	ErrInvalidKey = errors.New("invalid artifact key")
)

// key addresses one artifact. Every backend builds keys through parseKey so
// a path can never climb out of its session.
type key struct {
	session string
	path    string
}

func (k key) String() string { return k.session + "/" + k.path }

func parseSession(sessionID string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	switch {
	case sessionID == "":
		return "", fmt.Errorf("%w: session_id is required", ErrInvalidKey)
	case strings.ContainsAny(sessionID, `/\`) || sessionID == "." || sessionID == "..":
		return "", fmt.Errorf("%w: session_id %q", ErrInvalidKey, sessionID)
	}
	return sessionID, nil
}

func parseKey(sessionID, p string) (key, error) {
	session, err := parseSession(sessionID)
	if err != nil {
		return key{}, err
	}
	p = strings.TrimLeft(strings.TrimSpace(p), "/")
	if p == "" {
		return key{}, fmt.Errorf("%w: path is required", ErrInvalidKey)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return key{}, fmt.Errorf("%w: path %q leaves the session", ErrInvalidKey, p)
		}
	}
	return key{session: session, path: path.Clean(p)}, nil
}

func sessionPrefix(session string) string { return session + "/" }
