package service

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ifuryst/dispatcher/internal/config"
	"github.com/ifuryst/dispatcher/internal/service/publisher"
	"github.com/ifuryst/dispatcher/internal/service/publisher/webhook"
)

// NewPublisherRegistry builds one publisher per configured platform.
func NewPublisherRegistry(cfgs []config.PublisherConfig, defaultTimeout string, logger *zap.Logger) (*publisher.Registry, error) {
	registry := publisher.NewRegistry(logger)

	for _, cfg := range cfgs {
		if strings.TrimSpace(cfg.Platform) == "" {
			return nil, fmt.Errorf("publisher entry is missing a platform name")
		}

		var pub publisher.Publisher
		switch cfg.Type {
		case "webhook", "":
			if cfg.Endpoint == "" {
				return nil, fmt.Errorf("publisher %s: endpoint is required", cfg.Platform)
			}
			timeout := config.ParseDuration(cfg.Timeout, config.ParseDuration(defaultTimeout, 0))
			pub = webhook.NewPublisher(cfg.Platform, cfg.Endpoint, cfg.Token, timeout, logger)
		default:
			return nil, fmt.Errorf("publisher %s: unsupported type %q", cfg.Platform, cfg.Type)
		}

		if err := registry.Register(pub); err != nil {
			return nil, fmt.Errorf("failed to register publisher: %w", err)
		}
	}

	if len(registry.Platforms()) == 0 {
		logger.Warn("No publishers configured, every delivery will fail")
	}
	return registry, nil
}
