package handlers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/3leaps/trainjobs/pkg/jobregistry"
)

// StoreChecker fails while the job store's last save failed.
type StoreChecker struct {
	Store *jobregistry.Store
}

func (c StoreChecker) CheckHealth(ctx context.Context) error {
	if c.Store == nil {
		return errors.New("job store not configured")
	}
	if d := c.Store.Diagnostics(); d.LastSaveError != "" {
		return fmt.Errorf("last save failed: %s", d.LastSaveError)
	}
	return nil
}

// WritableDirChecker probes that Dir accepts new files.
type WritableDirChecker struct {
	Dir string
}

func (c WritableDirChecker) CheckHealth(ctx context.Context) error {
	return ProbeWritable(c.Dir)
}

// ProbeWritable creates Dir if needed and writes then removes a probe file.
func ProbeWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	probe := filepath.Join(dir, ".writecheck.tmp")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("write probe: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("remove probe: %w", err)
	}
	return nil
}

// Pinger is satisfied by the transition journal.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker adapts a Pinger.
type PingChecker struct {
	Target Pinger
}

func (c PingChecker) CheckHealth(ctx context.Context) error {
	if c.Target == nil {
		return errors.New("not configured")
	}
	return c.Target.Ping(ctx)
}
