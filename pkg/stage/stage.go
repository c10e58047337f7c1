// Package stage reads and removes the artifact files the engine's diff writes.
package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

var (
	ErrUnsupportedScheme = errors.New("stage: unsupported location scheme")
	ErrNotFound          = errors.New("stage: artifact not found")
)

type Store interface {
	Open(ctx context.Context, location string) (io.ReadCloser, error)
	// Remove deletes location. Removing a missing artifact is not an error.
	Remove(ctx context.Context, location string) error
}

// Scheme returns the URL scheme of location, or "file" for bare paths.
func Scheme(location string) string {
	scheme, _, ok := strings.Cut(location, "://")
	if !ok || scheme == "" {
		return "file"
	}
	return strings.ToLower(scheme)
}

// Router dispatches to a Store by location scheme.
type Router struct {
	mtx    sync.RWMutex
	stores map[string]Store
}

func NewRouter() *Router {
	return &Router{stores: make(map[string]Store)}
}

func (r *Router) Register(scheme string, s Store) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.stores[strings.ToLower(scheme)] = s
}

func (r *Router) store(location string) (Store, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	s, ok := r.stores[Scheme(location)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, location)
	}
	return s, nil
}

func (r *Router) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	s, err := r.store(location)
	if err != nil {
		return nil, err
	}
	return s.Open(ctx, location)
}

func (r *Router) Remove(ctx context.Context, location string) error {
	s, err := r.store(location)
	if err != nil {
		return err
	}
	return s.Remove(ctx, location)
}
