package repo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libraryhub/services/library/pkg/logger"
)

func TestSettingsAbsent(t *testing.T) {
	database := setupTestDB(t)
	log := logger.New("test", "info")
	repo := NewSettingsRepository(database, log)

	_, err := repo.Get(context.Background())
	assert.ErrorIs(t, err, ErrSettingsNotFound)
}

func TestSettingsUpsert(t *testing.T) {
	database := setupTestDB(t)
	log := logger.New("test", "info")
	repo := NewSettingsRepository(database, log)

	ctx := context.Background()

	created, err := repo.Update(ctx, 3, 500)
	require.NoError(t, err)
	assert.Equal(t, 3, created.MaxBookLimit)
	assert.EqualValues(t, 500, created.PenaltyPerDay)

	got, err := repo.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, got.MaxBookLimit)

	// A second update replaces the same slot instead of adding rows
	_, err = repo.Update(ctx, 5, 250)
	require.NoError(t, err)

	got, err = repo.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, got.MaxBookLimit)
	assert.EqualValues(t, 250, got.PenaltyPerDay)

	var count int64
	require.NoError(t, database.Table("library_settings").Count(&count).Error)
	assert.EqualValues(t, 1, count)
}
