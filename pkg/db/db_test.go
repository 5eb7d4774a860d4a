package db

import (
	"context"
	"io/fs"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oxo/pkg/db/migrations"
)

func TestMigrateRequiresPool(t *testing.T) {
	assert.Error(t, Migrate(context.Background(), nil))
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := fs.Glob(migrations.FS, "*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, names)

	raw, err := fs.ReadFile(migrations.FS, names[0])
	require.NoError(t, err)
	body := string(raw)
	assert.True(t, strings.Contains(body, "-- +goose Up"))
	assert.True(t, strings.Contains(body, "-- +goose Down"))
	assert.Contains(t, body, "CREATE TABLE IF NOT EXISTS scans")
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(pgx.ErrNoRows))
	assert.False(t, IsNotFound(nil))
}
