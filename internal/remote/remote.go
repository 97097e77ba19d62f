package remote

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/covehq/cove/internal/config"
)

// New builds the configured remote client. Hosted deployments use the
// row API; self-hosted ones connect straight to Postgres.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (Client, error) {
	if err := cfg.ValidateRemote(); err != nil {
		return nil, err
	}
	switch cfg.Remote.Kind {
	case config.RemoteKindHTTP:
		return NewHTTP(cfg.Remote.BaseURL, cfg.Remote.APIKey, cfg.Remote.UserID, log), nil
	case config.RemoteKindPostgres:
		return NewPG(ctx, cfg.Remote.DSN, cfg.Remote.UserID, log)
	}
	return nil, fmt.Errorf("unknown remote kind %q", cfg.Remote.Kind)
}
