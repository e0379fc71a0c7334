// Package dbtest opens throwaway in-memory databases for package tests.
package dbtest

import (
	"testing"

	"github.com/shiftwise/billing/db"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// New returns a gorm handle on a private in-memory SQLite database.
// The pool is pinned to a single connection so every query sees the same database;
// callers must therefore only use the tx handle inside a transaction callback.
func New(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Open(sqlite.Open(":memory:"), zaptest.NewLogger(t))
	require.NoError(t, err)
	pool, err := gdb.DB()
	require.NoError(t, err)
	pool.SetMaxOpenConns(1)
	pool.SetMaxIdleConns(1)
	t.Cleanup(func() {
		pool.Close()
	})
	return gdb
}
