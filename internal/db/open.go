package db

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// Backend names accepted by Open.
const (
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

// Options selects and configures a KV backend.
type Options struct {
	Backend    string
	BadgerPath string
	DSN        string
}

// Open builds the configured backend.
func Open(ctx context.Context, opts Options, clk clock.Clock, logger *logrus.Logger) (KV, error) {
	switch opts.Backend {
	case BackendBadger, "":
		return OpenBadger(opts.BadgerPath, logger)
	case BackendPostgres:
		return ConnectPostgres(ctx, opts.DSN, clk, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q: %w", opts.Backend, ErrNotConfigured)
	}
}
