package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists applications in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS applications (
			id TEXT PRIMARY KEY,
			company TEXT NOT NULL,
			position TEXT NOT NULL,
			location TEXT NOT NULL DEFAULT '',
			salary TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'saved',
			notes TEXT NOT NULL DEFAULT '',
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_applications_status_created ON applications (status, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, app Application) (Application, error) {
	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if app.CreatedAt.IsZero() {
		app.CreatedAt = now
	}
	app.UpdatedAt = now
	if app.Status == "" {
		app.Status = StatusSaved
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO applications (id, company, position, location, salary, url, status, notes, confidence, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		app.ID, app.Company, app.Position, app.Location, app.Salary, app.URL,
		app.Status, app.Notes, app.Confidence, app.CreatedAt, app.UpdatedAt,
	)
	if err != nil {
		return Application{}, fmt.Errorf("save application: %w", err)
	}
	return app, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Application, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, company, position, location, salary, url, status, notes, confidence, created_at, updated_at
		 FROM applications WHERE id=$1`, id)
	app, err := scanApplication(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Application{}, ErrNotFound
		}
		return Application{}, fmt.Errorf("get application: %w", err)
	}
	return app, nil
}

func (s *PostgresStore) List(ctx context.Context, status string, limit int) ([]Application, error) {
	if limit <= 0 {
		limit = 100
	}

	var (
		rows pgx.Rows
		err  error
	)
	if status != "" {
		rows, err = s.pool.Query(ctx,
			`SELECT id, company, position, location, salary, url, status, notes, confidence, created_at, updated_at
			 FROM applications WHERE status=$1 ORDER BY created_at DESC LIMIT $2`, status, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, company, position, location, salary, url, status, notes, confidence, created_at, updated_at
			 FROM applications ORDER BY created_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query applications: %w", err)
	}
	defer rows.Close()

	items := make([]Application, 0, limit)
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan application row: %w", err)
		}
		items = append(items, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate application rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Update(ctx context.Context, app Application) (Application, error) {
	app.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE applications
		 SET company=$2, position=$3, location=$4, salary=$5, url=$6, status=$7, notes=$8, confidence=$9, updated_at=$10
		 WHERE id=$1`,
		app.ID, app.Company, app.Position, app.Location, app.Salary, app.URL,
		app.Status, app.Notes, app.Confidence, app.UpdatedAt,
	)
	if err != nil {
		return Application{}, fmt.Errorf("update application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Application{}, ErrNotFound
	}
	return s.Get(ctx, app.ID)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM applications WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApplication(row rowScanner) (Application, error) {
	var app Application
	err := row.Scan(
		&app.ID, &app.Company, &app.Position, &app.Location, &app.Salary, &app.URL,
		&app.Status, &app.Notes, &app.Confidence, &app.CreatedAt, &app.UpdatedAt,
	)
	return app, err
}
