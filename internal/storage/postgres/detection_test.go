package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kidoz/emulinker-sub000/internal/game/session"
	"github.com/kidoz/emulinker-sub000/internal/storage/postgres"
	"github.com/kidoz/emulinker-sub000/internal/testutil"
)

func setupDetections(t *testing.T) *postgres.DetectionRepository {
	t.Helper()
	pc := testutil.NewPostgresContainer(t)
	pc.ApplyMigrations(t)
	return postgres.NewDetectionRepository(pc.Pool.DB())
}

func makeDetection(name string, at time.Time) session.Detection {
	return session.Detection{
		ID:            uuid.New(),
		GameID:        7,
		ROM:           "Street Fighter II",
		GameCreatedAt: at.Add(-time.Minute),
		PlayerID:      3,
		PlayerName:    name,
		Address:       "10.0.0.3:27888",
		Seat:          2,
		Sensitivity:   3,
		RunLength:     24,
		DetectedAt:    at,
	}
}

func TestDetectionRepository_ImplementsAuditStore(t *testing.T) {
	var _ session.AuditStore = &postgres.DetectionRepository{}
}

func TestDetectionRepository(t *testing.T) {
	repo := setupDetections(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("record and get", func(t *testing.T) {
		d := makeDetection("ryu", base)
		require.NoError(t, repo.RecordDetection(ctx, d))

		got, err := repo.Get(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, d.ID, got.ID)
		assert.Equal(t, d.ROM, got.ROM)
		assert.Equal(t, d.Seat, got.Seat)
		assert.Equal(t, d.RunLength, got.RunLength)
		assert.True(t, d.DetectedAt.Equal(got.DetectedAt))
		assert.True(t, d.GameCreatedAt.Equal(got.GameCreatedAt))
	})

	t.Run("duplicate id", func(t *testing.T) {
		d := makeDetection("ken", base)
		require.NoError(t, repo.RecordDetection(ctx, d))
		assert.ErrorIs(t, repo.RecordDetection(ctx, d), postgres.ErrDetectionExists)
	})

	t.Run("nil id assigned", func(t *testing.T) {
		d := makeDetection("guile", base)
		d.ID = uuid.Nil
		require.NoError(t, repo.RecordDetection(ctx, d))
		recent, err := repo.Recent(ctx, "guile", 10)
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.NotEqual(t, uuid.Nil, recent[0].ID)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := repo.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, postgres.ErrDetectionNotFound)
	})

	t.Run("recent newest first", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			require.NoError(t, repo.RecordDetection(ctx, makeDetection("blanka", base.Add(time.Duration(i)*time.Second))))
		}
		recent, err := repo.Recent(ctx, "blanka", 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.True(t, recent[0].DetectedAt.After(recent[1].DetectedAt))

		all, err := repo.Recent(ctx, "", 100)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(all), 5)
	})

	t.Run("invalid limit", func(t *testing.T) {
		_, err := repo.Recent(ctx, "", 0)
		assert.Error(t, err)
	})

	t.Run("check constraint", func(t *testing.T) {
		d := makeDetection("dhalsim", base)
		d.Seat = 0
		assert.Error(t, repo.RecordDetection(ctx, d))
	})
}

func TestDetectionRepository_RecordsGameDetections(t *testing.T) {
	repo := setupDetections(t)
	var _ session.AuditStore = repo

	ctx := context.Background()
	require.NoError(t, repo.RecordDetection(ctx, makeDetection("zangief", time.Now().UTC())))
	recent, err := repo.Recent(ctx, "zangief", 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "10.0.0.3:27888", recent[0].Address)
}
