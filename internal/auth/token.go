// Package auth supplies bearer credentials to the HTTP clients.
package auth

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// TokenProvider returns the current bearer credential. An empty token means
// the request is sent without an Authorization header.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken always returns the same credential.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// TokenFunc adapts a function to TokenProvider.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// FileToken reads the credential from a file on every call, so a token
// refreshed by another process is picked up without a restart.
type FileToken struct {
	Path string
}

func (f FileToken) Token(context.Context) (string, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read token file %s: %w", f.Path, err)
	}
	return strings.TrimSpace(string(b)), nil
}
