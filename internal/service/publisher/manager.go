package publisher

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Registry maps platform names to publishers.
type Registry struct {
	mu         sync.RWMutex
	publishers map[string]Publisher
	logger     *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		publishers: make(map[string]Publisher),
		logger:     logger,
	}
}

func (r *Registry) Register(publisher Publisher) error {
	platform := normalizePlatform(publisher.Platform())
	if platform == "" {
		return fmt.Errorf("publisher has empty platform name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.publishers[platform]; exists {
		return fmt.Errorf("publisher for platform %s already registered", platform)
	}

	r.publishers[platform] = publisher
	r.logger.Info("Publisher registered", zap.String("platform", platform))
	return nil
}

// Get returns the publisher for platform, wrapping ErrNoPublisher when missing.
func (r *Registry) Get(platform string) (Publisher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	publisher, exists := r.publishers[normalizePlatform(platform)]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNoPublisher, platform)
	}
	return publisher, nil
}

// Platforms lists registered platform names in order.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	platforms := make([]string, 0, len(r.publishers))
	for name := range r.publishers {
		platforms = append(platforms, name)
	}
	sort.Strings(platforms)
	return platforms
}

func normalizePlatform(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func formatUint(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}
