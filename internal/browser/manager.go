// internal/browser/manager.go
//
// Package browser selects and starts an automation backend. Callers receive a
// bridge.Bridge and never learn which backend is behind it.
package browser

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagewalker/internal/browser/bridge"
	"github.com/xkilldash9x/pagewalker/internal/browser/session"
	"github.com/xkilldash9x/pagewalker/internal/config"
)

// NewBridge starts the backend named by browser.backend: the in-process
// embedded shell, or a remote Chrome driven over CDP.
func NewBridge(ctx context.Context, cfg *config.Config, logger *zap.Logger) (bridge.Bridge, error) {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Starting browser backend.", zap.String("backend", cfg.Browser.Backend))

	switch cfg.Browser.Backend {
	case config.BackendEmbedded, "":
		b, err := session.New(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to start embedded browser: %w", err)
		}
		return b, nil
	case config.BackendRemote:
		b, err := NewRemote(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to start remote browser: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown browser backend %q", cfg.Browser.Backend)
	}
}
