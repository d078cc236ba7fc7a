package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/voicegate/voicegate/pkg/core/budget"
	"github.com/voicegate/voicegate/pkg/core/session"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate brings the schema up to date. Run once at startup before the
// pool is used.
func Migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Postgres is a Store backed by a pgx connection pool. Update takes a row
// lock so concurrent writers to the same session serialize.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

const sessionColumns = `id, user_id, state, mode, started_at, paused_at, ended_at,
	transcript_partial, transcript_final, audio_minutes_used, frames_processed,
	budget_remaining, recording_consent, metadata`

func (p *Postgres) Create(ctx context.Context, rec *session.Record) error {
	partial, final, remaining, metadata, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.ID, rec.UserID, string(rec.State), string(rec.Mode),
		rec.StartedAt, rec.PausedAt, rec.EndedAt,
		partial, final, rec.AudioMinutesUsed, rec.FramesProcessed,
		remaining, rec.RecordingConsent, metadata,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*session.Record, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (p *Postgres) List(ctx context.Context, filter ListFilter) ([]*session.Record, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var where []string
	var args []any
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.State != "" {
		args = append(args, string(filter.State))
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at"
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*session.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) Update(ctx context.Context, id string, mutate func(*session.Record) error) (*session.Record, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := mutate(rec); err != nil {
		return nil, err
	}

	partial, final, remaining, metadata, err := encodeRecord(rec)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE sessions SET
			state = $2, mode = $3, paused_at = $4, ended_at = $5,
			transcript_partial = $6, transcript_final = $7,
			audio_minutes_used = $8, frames_processed = $9,
			budget_remaining = $10, recording_consent = $11, metadata = $12
		WHERE id = $1`,
		rec.ID, string(rec.State), string(rec.Mode), rec.PausedAt, rec.EndedAt,
		partial, final, rec.AudioMinutesUsed, rec.FramesProcessed,
		remaining, rec.RecordingConsent, metadata,
	)
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return rec, nil
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeRecord(rec *session.Record) (partial, final, remaining, metadata []byte, err error) {
	if partial, err = json.Marshal(rec.TranscriptPartial); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode partial transcript: %w", err)
	}
	if final, err = json.Marshal(rec.TranscriptFinal); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode final transcript: %w", err)
	}
	if remaining, err = json.Marshal(rec.BudgetRemaining); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode budget: %w", err)
	}
	if metadata, err = json.Marshal(rec.Metadata); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode metadata: %w", err)
	}
	return partial, final, remaining, metadata, nil
}

func scanRecord(row pgx.Row) (*session.Record, error) {
	var (
		rec                                 session.Record
		state, mode                         string
		startedAt                           time.Time
		pausedAt, endedAt                   *time.Time
		partial, final, remaining, metadata []byte
	)
	err := row.Scan(
		&rec.ID, &rec.UserID, &state, &mode, &startedAt, &pausedAt, &endedAt,
		&partial, &final, &rec.AudioMinutesUsed, &rec.FramesProcessed,
		&remaining, &rec.RecordingConsent, &metadata,
	)
	if err != nil {
		return nil, err
	}
	rec.State = session.State(state)
	rec.Mode = session.Mode(mode)
	rec.StartedAt = startedAt
	rec.PausedAt = pausedAt
	rec.EndedAt = endedAt
	if err := json.Unmarshal(partial, &rec.TranscriptPartial); err != nil {
		return nil, fmt.Errorf("decode partial transcript: %w", err)
	}
	if err := json.Unmarshal(final, &rec.TranscriptFinal); err != nil {
		return nil, fmt.Errorf("decode final transcript: %w", err)
	}
	if err := json.Unmarshal(remaining, &rec.BudgetRemaining); err != nil {
		return nil, fmt.Errorf("decode budget: %w", err)
	}
	if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if rec.BudgetRemaining == nil {
		rec.BudgetRemaining = map[budget.Dimension]budget.Snapshot{}
	}
	return &rec, nil
}
