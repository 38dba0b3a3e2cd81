package repositories

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"avatarpipe/internal/models"
)

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@h:5432/db?sslmode=disable", migrateURL("postgres://u:p@h:5432/db?sslmode=disable"))
	assert.Equal(t, "pgx5://h/db", migrateURL("postgresql://h/db"))
	assert.Equal(t, "pgx5://h/db", migrateURL("pgx5://h/db"))
}

func TestJobFilter_Limit(t *testing.T) {
	assert.Equal(t, DefaultListLimit, JobFilter{}.limit())
	assert.Equal(t, 10, JobFilter{Limit: 10}.limit())
	assert.Equal(t, DefaultListLimit, JobFilter{Limit: 10000}.limit())
}

// exerciseRepository runs the same lifecycle against any implementation.
func exerciseRepository(t *testing.T, repo JobRepository) {
	ctx := context.Background()

	rec := &models.JobRecord{
		ID: "a1", RequestID: "req-1", Status: "processing", Attempt: 0,
		TextLen: 28, PageID: "17", ContentID: "c-1",
	}
	require.NoError(t, repo.Upsert(ctx, rec))
	assert.False(t, rec.CreatedAt.IsZero())

	merged := "https://files/a1.mp4"
	require.NoError(t, repo.Upsert(ctx, &models.JobRecord{
		ID: "a1", Status: "done", Segments: 2,
		Clips: []string{"https://files/1.mp4", "https://files/2.mp4"}, Merged: &merged,
	}))

	got, err := repo.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "done", got.Status)
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, 28, got.TextLen)
	assert.Equal(t, "17", got.PageID)
	assert.Equal(t, 2, got.Segments)
	assert.Len(t, got.Clips, 2)
	require.NotNil(t, got.Merged)
	assert.Equal(t, merged, *got.Merged)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, repo.Upsert(ctx, &models.JobRecord{ID: "b2", RequestID: "req-2", Status: "dead", Attempt: 3, LastError: "render failed"}))

	all, err := repo.List(ctx, JobFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "b2", all[0].ID)
	assert.NotNil(t, all[0].Clips)

	dead, err := repo.List(ctx, JobFilter{Status: "dead"})
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "render failed", dead[0].LastError)

	byReq, err := repo.List(ctx, JobFilter{RequestID: "req-1"})
	require.NoError(t, err)
	require.Len(t, byReq, 1)
	assert.Equal(t, "a1", byReq[0].ID)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.NoError(t, repo.Ping(ctx))
}

func TestMemoryJobRepository(t *testing.T) {
	exerciseRepository(t, NewMemoryJobRepository(10))
}

func TestMemoryJobRepository_EvictsOldest(t *testing.T) {
	repo := NewMemoryJobRepository(2)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	repo.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		require.NoError(t, repo.Upsert(ctx, &models.JobRecord{ID: fmt.Sprintf("j%d", i), Status: "processing"}))
	}
	_, err := repo.Get(ctx, "j1")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = repo.Get(ctx, "j3")
	assert.NoError(t, err)
}

func TestPostgresJobRepository(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx := context.Background()

	pg, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("avatarpipe_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, Migrate(dsn))
	// second run is a no-op
	require.NoError(t, Migrate(dsn))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	exerciseRepository(t, NewPostgresJobRepository(pool))
}
