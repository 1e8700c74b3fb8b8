// Package cache is the TTL key-value cache in front of the store. Every key
// is prefixed with an environment namespace so development and production
// data never meet in a shared Redis.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable wraps any failure talking to the cache server.
	ErrUnavailable = errors.New("cache unavailable")
	// ErrNotConfigured is returned by every Disabled operation.
	ErrNotConfigured = errors.New("cache not configured")
)

const (
	NamespaceDev  = "dev"
	NamespaceProd = "prod"
)

// NamespaceFor maps an environment name to its key namespace. Anything other
// than "production" is treated as development.
func NamespaceFor(env string) string {
	if env == "production" {
		return NamespaceProd
	}
	return NamespaceDev
}

// Namespaces lists every namespace keys can live under.
func Namespaces() []string {
	return []string{NamespaceDev, NamespaceProd}
}

// Cache stores JSON-encoded values under namespaced keys. Callers pass bare
// logical keys. There is no atomicity across keys.
type Cache interface {
	// Get decodes the value at key into dst. A missing or expired key
	// reports found=false with a nil error.
	Get(ctx context.Context, key string, dst any) (found bool, err error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// ScanAndDelete deletes every key matching the glob pattern and returns
	// how many were removed.
	ScanAndDelete(ctx context.Context, pattern string) (int, error)
	Namespace() string
	// WithNamespace returns a view of the same backend under another namespace.
	WithNamespace(ns string) Cache
}

// Disabled is the Cache used when no server is configured.
type Disabled struct {
	NS string
}

func (d Disabled) Get(context.Context, string, any) (bool, error) { return false, ErrNotConfigured }

func (d Disabled) Set(context.Context, string, any, time.Duration) error { return ErrNotConfigured }

func (d Disabled) Delete(context.Context, ...string) error { return ErrNotConfigured }

func (d Disabled) ScanAndDelete(context.Context, string) (int, error) { return 0, ErrNotConfigured }

func (d Disabled) Namespace() string { return d.NS }

func (d Disabled) WithNamespace(ns string) Cache { return Disabled{NS: ns} }
