// Package repositories persists job state for the HTTP API and the CLI.
package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"avatarpipe/internal/models"
)

var ErrJobNotFound = errors.New("job not found")

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 50

// JobFilter narrows List. Zero values match everything.
type JobFilter struct {
	Status    string
	RequestID string
	Limit     int
}

func (f JobFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return DefaultListLimit
	}
	return f.Limit
}

// JobRepository stores one record per job id, newest state wins.
type JobRepository interface {
	Upsert(ctx context.Context, rec *models.JobRecord) error
	Get(ctx context.Context, id string) (*models.JobRecord, error)
	List(ctx context.Context, f JobFilter) ([]models.JobRecord, error)
	Ping(ctx context.Context) error
}

// PostgresJobRepository keeps jobs in the jobs table.
type PostgresJobRepository struct {
	db *pgxpool.Pool
}

func NewPostgresJobRepository(db *pgxpool.Pool) *PostgresJobRepository {
	return &PostgresJobRepository{db: db}
}

func (r *PostgresJobRepository) Upsert(ctx context.Context, rec *models.JobRecord) error {
	clips, err := json.Marshal(nonNil(rec.Clips))
	if err != nil {
		return err
	}
	err = r.db.QueryRow(ctx, `
		INSERT INTO jobs (id, request_id, status, attempt, text_len, segments, clips, merged, last_error, page_id, content_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status,
			attempt=EXCLUDED.attempt,
			segments=GREATEST(jobs.segments, EXCLUDED.segments),
			clips=EXCLUDED.clips,
			merged=EXCLUDED.merged,
			last_error=EXCLUDED.last_error,
			updated_at=now()
		RETURNING created_at, updated_at
	`,
		rec.ID, rec.RequestID, rec.Status, rec.Attempt, rec.TextLen, rec.Segments,
		clips, rec.Merged, rec.LastError, rec.PageID, rec.ContentID,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if IsUndefinedTable(err) {
			return fmt.Errorf("jobs table missing, run migrations: %w", err)
		}
		return err
	}
	return nil
}

const jobColumns = `id, request_id, status, attempt, text_len, segments, clips, merged, last_error, page_id, content_id, created_at, updated_at`

func (r *PostgresJobRepository) Get(ctx context.Context, id string) (*models.JobRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	rec, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *PostgresJobRepository) List(ctx context.Context, f JobFilter) ([]models.JobRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	if f.RequestID != "" {
		args = append(args, f.RequestID)
		where = append(where, fmt.Sprintf("request_id=$%d", len(args)))
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.limit())
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.JobRecord{}
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (r *PostgresJobRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func scanJob(row pgx.Row) (*models.JobRecord, error) {
	var (
		rec   models.JobRecord
		clips []byte
	)
	if err := row.Scan(
		&rec.ID, &rec.RequestID, &rec.Status, &rec.Attempt, &rec.TextLen, &rec.Segments,
		&clips, &rec.Merged, &rec.LastError, &rec.PageID, &rec.ContentID,
		&rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(clips) > 0 {
		if err := json.Unmarshal(clips, &rec.Clips); err != nil {
			return nil, fmt.Errorf("decode clips of %s: %w", rec.ID, err)
		}
	}
	rec.Clips = nonNil(rec.Clips)
	return &rec, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// MemoryJobRepository is used when no database is configured. It keeps at
// most max records, evicting the oldest.
type MemoryJobRepository struct {
	mu   sync.RWMutex
	jobs map[string]models.JobRecord
	max  int
	now  func() time.Time
}

func NewMemoryJobRepository(capacity int) *MemoryJobRepository {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryJobRepository{jobs: map[string]models.JobRecord{}, max: capacity, now: time.Now}
}

func (r *MemoryJobRepository) Upsert(ctx context.Context, rec *models.JobRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	stored := *rec
	stored.Clips = slices.Clone(nonNil(rec.Clips))
	if prev, ok := r.jobs[rec.ID]; ok {
		stored.CreatedAt = prev.CreatedAt
		stored.RequestID = prev.RequestID
		stored.TextLen = prev.TextLen
		stored.PageID = prev.PageID
		stored.ContentID = prev.ContentID
		stored.Segments = max(prev.Segments, rec.Segments)
	} else {
		stored.CreatedAt = now
		r.evictLocked()
	}
	stored.UpdatedAt = now
	r.jobs[rec.ID] = stored

	rec.CreatedAt, rec.UpdatedAt = stored.CreatedAt, stored.UpdatedAt
	return nil
}

func (r *MemoryJobRepository) evictLocked() {
	if len(r.jobs) < r.max {
		return
	}
	var oldest string
	var at time.Time
	for id, j := range r.jobs {
		if oldest == "" || j.CreatedAt.Before(at) {
			oldest, at = id, j.CreatedAt
		}
	}
	delete(r.jobs, oldest)
}

func (r *MemoryJobRepository) Get(ctx context.Context, id string) (*models.JobRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	j.Clips = slices.Clone(j.Clips)
	return &j, nil
}

func (r *MemoryJobRepository) List(ctx context.Context, f JobFilter) ([]models.JobRecord, error) {
	r.mu.RLock()
	out := make([]models.JobRecord, 0, len(r.jobs))
	for _, j := range r.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.RequestID != "" && j.RequestID != f.RequestID {
			continue
		}
		j.Clips = slices.Clone(j.Clips)
		out = append(out, j)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID > out[b].ID
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	if len(out) > f.limit() {
		out = out[:f.limit()]
	}
	return out, nil
}

func (r *MemoryJobRepository) Ping(ctx context.Context) error { return nil }
