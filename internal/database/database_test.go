package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trapper-data-collection/internal/config"
	"trapper-data-collection/internal/models"
)

func TestOpenSQLiteCreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger", "trapper.db")
	gdb, err := Open(config.DatabaseConfig{Type: "sqlite", SQLite: config.SQLiteConfig{Path: path}})
	require.NoError(t, err)
	defer gdb.Close()

	require.NoError(t, gdb.InitSchema())

	for _, table := range []string{"runs", "edit_logs", "archived_photos"} {
		assert.True(t, gdb.DB().Migrator().HasTable(table), table)
	}

	require.NoError(t, gdb.DB().Create(&models.Run{ID: "r1", Job: "modify", Trigger: models.TriggerCLI, Status: models.RunStatusRunning}).Error)
	var count int64
	require.NoError(t, gdb.DB().Model(&models.Run{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestOpenRejectsUnknownType(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Type: "oracle"})
	assert.ErrorContains(t, err, "unsupported database type")
}

func TestDialectorNames(t *testing.T) {
	d, err := dialectorFor(config.DatabaseConfig{Type: "mysql", MySQL: config.MySQLConfig{Host: "db", Port: 3306}})
	require.NoError(t, err)
	assert.Equal(t, "mysql", d.Name())

	d, err = dialectorFor(config.DatabaseConfig{Type: "postgres", Postgres: config.PostgresConfig{Host: "db", Port: 5432}})
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name())
}
