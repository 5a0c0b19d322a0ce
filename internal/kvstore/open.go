package kvstore

import (
	"context"
	"fmt"
	"time"
)

// Open dispatches cfg.Kind to the matching Store backend. "sqlite" (also
// selected by an empty Kind; it needs ConnStr) opens the SQLite-backed
// engine; "memory" opens the in-process backend. Failing to open is fatal at flow init.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Kind {
	case "", "sqlite":
		return OpenSQLite(ctx, cfg)
	case "memory":
		return NewMemory(time.Duration(cfg.TTLSeconds) * time.Second), nil
	default:
		return nil, fmt.Errorf("kvstore: unknown store kind %q", cfg.Kind)
	}
}
