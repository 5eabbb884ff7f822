package errtrack

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

type Config struct {
	DSN         string
	Environment string
	Release     string
}

// Reporter sends errors to a Sentry-compatible backend. A zero or disabled
// Reporter drops everything.
type Reporter struct {
	enabled bool
	logger  *zap.Logger
}

// New initializes the Sentry client. An empty DSN yields a disabled reporter.
func New(cfg Config, logger *zap.Logger) (*Reporter, error) {
	if cfg.DSN == "" {
		logger.Info("Error tracking is disabled")
		return &Reporter{logger: logger}, nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		AttachStacktrace: true,
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			if event.Tags == nil {
				event.Tags = make(map[string]string)
			}
			event.Tags["service"] = "dispatcher"
			return event
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize error tracking: %w", err)
	}

	logger.Info("Error tracking initialized",
		zap.String("environment", cfg.Environment),
		zap.String("release", cfg.Release))
	return &Reporter{enabled: true, logger: logger}, nil
}

// Disabled returns a reporter that drops everything.
func Disabled() *Reporter {
	return &Reporter{}
}

func (r *Reporter) Enabled() bool {
	return r != nil && r.enabled
}

// CaptureError reports err with tags attached to the event.
func (r *Reporter) CaptureError(err error, tags map[string]string) {
	if !r.Enabled() || err == nil {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		scope.SetLevel(sentry.LevelError)
		sentry.CaptureException(err)
	})
}

// CaptureMessage reports a warning-level message.
func (r *Reporter) CaptureMessage(message string, tags map[string]string) {
	if !r.Enabled() {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		scope.SetLevel(sentry.LevelWarning)
		sentry.CaptureMessage(message)
	})
}

// Flush waits for buffered events to be sent.
func (r *Reporter) Flush(timeout time.Duration) {
	if !r.Enabled() {
		return
	}
	if !sentry.Flush(timeout) && r.logger != nil {
		r.logger.Warn("Timed out flushing error tracking events")
	}
}
