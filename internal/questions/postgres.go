package questions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresConfig struct {
	URL             string        `yaml:"url"`
	PingTimeout     time.Duration `yaml:"ping_timeout"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (c PostgresConfig) withDefaults() PostgresConfig {
	if c.PingTimeout <= 0 {
		c.PingTimeout = 2 * time.Second
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	return c
}

func (c PostgresConfig) Validate() error {
	if c.URL == "" {
		return errors.New("postgres url is required")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("postgres max_idle_conns must be <= max_open_conns")
	}
	return nil
}

// Postgres reads the admin_questions table. Unpublished rows are invisible.
type Postgres struct {
	db *sql.DB
}

func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

const selectColumns = `
	id,
	slug,
	title,
	level,
	category,
	duration,
	solved_count,
	description,
	starter_code,
	test_script,
	reference_solution
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuestion(row rowScanner) (Question, error) {
	var (
		q           Question
		solvedCount sql.NullString
		reference   sql.NullString
	)
	err := row.Scan(
		&q.ID,
		&q.Slug,
		&q.Title,
		&q.Level,
		&q.Category,
		&q.Duration,
		&solvedCount,
		&q.Description,
		&q.StarterCode,
		&q.TestScript,
		&reference,
	)
	if err != nil {
		return Question{}, err
	}
	q.SolvedCount = solvedCount.String
	q.ReferenceSolution = reference.String
	return q.withDefaults(), nil
}

func (p *Postgres) Get(ctx context.Context, slug string) (Question, error) {
	row := p.db.QueryRowContext(ctx, `SELECT`+selectColumns+`FROM admin_questions WHERE is_published = true AND slug = $1`, slug)
	q, err := scanQuestion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Question{}, fmt.Errorf("%w: %s", ErrNotFound, slug)
		}
		return Question{}, fmt.Errorf("query question %s: %w", slug, err)
	}
	return q, nil
}

func (p *Postgres) List(ctx context.Context) ([]Question, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT`+selectColumns+`FROM admin_questions WHERE is_published = true ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer rows.Close()

	items := make([]Question, 0)
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		items = append(items, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	return items, nil
}
