package repository

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/exstreamtv/exstreamtv/internal/models"
)

func setupChannelTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	err = db.AutoMigrate(&models.Channel{})
	require.NoError(t, err)

	return db
}

func createTestChannel(t *testing.T, repo ChannelRepository, number int, name string, enabled *bool) *models.Channel {
	t.Helper()
	channel := &models.Channel{
		Number:  number,
		Name:    name,
		Enabled: enabled,
	}
	err := repo.Create(context.Background(), channel)
	require.NoError(t, err)
	return channel
}

func TestChannelRepository_CreateAndGetByID(t *testing.T) {
	db := setupChannelTestDB(t)
	repo := NewChannelRepository(db)
	ctx := context.Background()

	channel := &models.Channel{
		Number:     42,
		Name:       "Retro Movies",
		GroupTitle: "Movies",
		AlwaysOn:   true,
	}
	err := repo.Create(ctx, channel)
	require.NoError(t, err)
	assert.False(t, channel.ID.IsZero(), "Create should assign a ULID")

	got, err := repo.GetByID(ctx, channel.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Retro Movies", got.Name)
	assert.Equal(t, 42, got.Number)
	assert.True(t, got.AlwaysOn)
	assert.True(t, got.IsEnabled(), "channels default to enabled")
}

func TestChannelRepository_GetByID_NotFound(t *testing.T) {
	db := setupChannelTestDB(t)
	repo := NewChannelRepository(db)

	got, err := repo.GetByID(context.Background(), models.NewULID())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestChannelRepository_GetByNumber(t *testing.T) {
	db := setupChannelTestDB(t)
	repo := NewChannelRepository(db)
	ctx := context.Background()

	createTestChannel(t, repo, 7, "News", nil)

	got, err := repo.GetByNumber(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "News", got.Name)

	missing, err := repo.GetByNumber(ctx, 999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestChannelRepository_GetEnabled(t *testing.T) {
	db := setupChannelTestDB(t)
	repo := NewChannelRepository(db)
	ctx := context.Background()

	// Inserted out of number order on purpose.
	createTestChannel(t, repo, 30, "Gamma", models.BoolPtr(false))
	createTestChannel(t, repo, 20, "Beta", nil)
	createTestChannel(t, repo, 10, "Alpha", models.BoolPtr(true))

	enabled, err := repo.GetEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 2, "disabled channels are filtered out")
	assert.Equal(t, 10, enabled[0].Number)
	assert.Equal(t, 20, enabled[1].Number)
}

func TestChannelRepository_GetAll(t *testing.T) {
	db := setupChannelTestDB(t)
	repo := NewChannelRepository(db)
	ctx := context.Background()

	createTestChannel(t, repo, 5, "Five", models.BoolPtr(false))
	createTestChannel(t, repo, 3, "Three", nil)

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 3, all[0].Number)
	assert.Equal(t, 5, all[1].Number)
}

func TestChannelRepository_Update(t *testing.T) {
	db := setupChannelTestDB(t)
	repo := NewChannelRepository(db)
	ctx := context.Background()

	channel := createTestChannel(t, repo, 11, "Old Name", nil)
	channel.Name = "New Name"
	channel.ThrottleMode = models.ThrottleModeBurst

	err := repo.Update(ctx, channel)
	require.NoError(t, err)

	got, err := repo.GetByID(ctx, channel.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "New Name", got.Name)
	assert.Equal(t, models.ThrottleModeBurst, got.ThrottleMode)
}

func TestChannelRepository_Delete(t *testing.T) {
	db := setupChannelTestDB(t)
	repo := NewChannelRepository(db)
	ctx := context.Background()

	channel := createTestChannel(t, repo, 9, "Ephemeral", nil)

	err := repo.Delete(ctx, channel.ID)
	require.NoError(t, err)

	got, err := repo.GetByID(ctx, channel.ID)
	require.NoError(t, err)
	assert.Nil(t, got, "deleted channels are not returned")
}
