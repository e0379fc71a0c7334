package app

import (
	"time"

	"github.com/shiftwise/billing/config"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build-time injected variables
var (
	Version = ""
)

// NewLogger builds the process logger and attaches sentry at error level. The returned func flushes
// both and must run before exit.
func NewLogger(cfg *config.Config, component string) (*zap.Logger, func(), error) {
	var logger *zap.Logger
	var err error
	if cfg.Production() {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, nil, extErrors.Wrap(err, "Cannot initialize logger")
	}
	logger = logger.With(zap.String("Version", Version))

	// Initialize sentry for error reporting
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: string(cfg.Env),
		Release:     Version,
		Debug:       !cfg.Production(),
	}); err != nil {
		return nil, nil, extErrors.Wrap(err, "Cannot initialize sentry")
	}

	// Attach sentry to zap so we can do automatic error capturing
	core, err := zapsentry.NewCore(zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": component,
		},
	}, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	if err != nil {
		return nil, nil, extErrors.Wrap(err, "Cannot attach sentry to logger")
	}
	logger = zapsentry.AttachCoreToLogger(core, logger)

	flush := func() {
		sentry.Flush(time.Second * 2)
		logger.Sync()
	}
	return logger, flush, nil
}
