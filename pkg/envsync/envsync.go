// Package envsync persists rotated credentials to the places the next
// process start reads its configuration from.
package envsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for sync operations
var (
	ErrNotFound    = errors.New("variable not found")
	ErrInvalidName = errors.New("invalid variable name")
)

// Syncer writes a single variable to an external configuration store.
// Implementations must be safe for concurrent use.
type Syncer interface {
	// Sync sets name to value.
	Sync(ctx context.Context, name, value string) error

	// Name identifies the backend in logs.
	Name() string
}

// Lookuper reads back a previously synced variable.
type Lookuper interface {
	// Lookup returns ErrNotFound when the variable was never synced.
	Lookup(ctx context.Context, name string) (string, error)
}

// Multi fans a sync out to every backend. One backend failing does not
// stop the others.
type Multi []Syncer

// Sync implements Syncer.
func (m Multi) Sync(ctx context.Context, name, value string) error {
	var errs []error
	for _, s := range m {
		if err := s.Sync(ctx, name, value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Name implements Syncer.
func (m Multi) Name() string {
	names := make([]string, 0, len(m))
	for _, s := range m {
		names = append(names, s.Name())
	}
	return strings.Join(names, "+")
}

// LookupFirst returns the value from the first backend that has name.
func LookupFirst(ctx context.Context, name string, backends ...Lookuper) (string, error) {
	for _, b := range backends {
		v, err := b.Lookup(ctx, name)
		if err == nil && v != "" {
			return v, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", ErrNotFound
}

func checkName(name string) error {
	if name == "" || strings.ContainsAny(name, "= \t\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
