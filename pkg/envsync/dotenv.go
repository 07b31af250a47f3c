package envsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"

	"github.com/d-kuro/episodepilot/pkg/constants"
)

// DotenvSyncer rewrites a .env file in place.
type DotenvSyncer struct {
	path string
	mu   sync.Mutex
}

// NewDotenvSyncer returns a syncer for the file at path. The file is created
// on first sync if it does not exist.
func NewDotenvSyncer(path string) *DotenvSyncer {
	return &DotenvSyncer{path: path}
}

// Name implements Syncer.
func (d *DotenvSyncer) Name() string { return "dotenv:" + filepath.Base(d.path) }

// Sync implements Syncer.
func (d *DotenvSyncer) Sync(ctx context.Context, name, value string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	env, err := d.read()
	if err != nil {
		return err
	}
	env[name] = value

	content, err := godotenv.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode env file %s: %w", d.path, err)
	}

	tmp := d.path + ".tmp"
	if err := writePrivate(tmp, content+"\n"); err != nil {
		return err
	}
	if err := os.Rename(tmp, d.path); err != nil {
		return fmt.Errorf("failed to replace env file %s: %w", d.path, err)
	}
	return nil
}

// Lookup implements Lookuper.
func (d *DotenvSyncer) Lookup(_ context.Context, name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	env, err := d.read()
	if err != nil {
		return "", err
	}
	v, ok := env[name]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (d *DotenvSyncer) read() (map[string]string, error) {
	env, err := godotenv.Read(d.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read env file %s: %w", d.path, err)
	}
	return env, nil
}

// writePrivate writes content to a freshly created file that is never
// readable beyond the owner. A leftover file from an interrupted sync is
// removed first so its permissions are not inherited.
func writePrivate(path, content string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, constants.FilePermissions)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write env file %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to flush env file %s: %w", path, err)
	}
	return f.Close()
}
