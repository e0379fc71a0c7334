package db

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"moul.io/zapgorm2"
)

// quietNotFound drops ErrRecordNotFound; managers turn it into nil results or NotFoundError themselves
type quietNotFound struct {
	zapgorm2.Logger
}

func (l *quietNotFound) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return
	}
	l.Logger.Trace(ctx, begin, fc, err)
}

// Options describes how to reach the billing database
type Options struct {
	URI    string
	Logger *zap.Logger

	// zero values fall back to 20 open / 1 idle / 1h lifetime
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 20
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = 1
	}
	if o.ConnMaxLifetime <= 0 {
		o.ConnMaxLifetime = time.Hour
	}
}

// New connects to PostgreSQL and sizes the connection pool
func New(opt Options) (*gorm.DB, error) {
	if opt.URI == "" {
		return nil, fmt.Errorf("empty URI is invalid")
	}
	opt.applyDefaults()

	conn, err := Open(postgres.Open(opt.URI), opt.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "Cannot connect to database")
	}
	pool, err := conn.DB()
	if err != nil {
		return nil, errors.Wrap(err, "Cannot get the connection pool")
	}
	pool.SetMaxOpenConns(opt.MaxOpenConns)
	pool.SetMaxIdleConns(opt.MaxIdleConns)
	pool.SetConnMaxLifetime(opt.ConnMaxLifetime)
	return conn, nil
}

// Open opens any dialector with gorm logging routed through zap and all timestamps in UTC
func Open(dialector gorm.Dialector, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return gorm.Open(dialector, &gorm.Config{
		Logger: &quietNotFound{
			Logger: zapgorm2.Logger{
				ZapLogger:     logger.Named("gorm"),
				LogLevel:      gormlogger.Warn,
				SlowThreshold: time.Second,
			},
		},
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
}
