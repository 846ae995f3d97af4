package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/forgeworks/devloop/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS users (
	id             TEXT PRIMARY KEY,
	credit_balance DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS projects (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL REFERENCES users(id),
	title         TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'planning',
	tech_stack    JSONB,
	todo_markdown TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS artifacts (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	path       TEXT NOT NULL,
	content    TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(project_id, path)
);

CREATE TABLE IF NOT EXISTS model_pricing (
	provider        TEXT NOT NULL,
	model           TEXT NOT NULL,
	input_per_mtok  DOUBLE PRECISION NOT NULL,
	output_per_mtok DOUBLE PRECISION NOT NULL,
	active          BOOLEAN NOT NULL DEFAULT true,
	PRIMARY KEY(provider, model)
);

CREATE TABLE IF NOT EXISTS usage_records (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL REFERENCES users(id),
	project_id    TEXT,
	task_type     TEXT NOT NULL,
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL,
	input_tokens  BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL REFERENCES users(id),
	project_id      TEXT,
	usage_record_id TEXT,
	kind            TEXT NOT NULL,
	amount          DOUBLE PRECISION NOT NULL,
	cost_usd        DOUBLE PRECISION NOT NULL DEFAULT 0,
	description     TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_projects_user_id ON projects(user_id);
CREATE INDEX IF NOT EXISTS idx_artifacts_project_id ON artifacts(project_id);
CREATE INDEX IF NOT EXISTS idx_usage_records_project_id ON usage_records(project_id);
CREATE INDEX IF NOT EXISTS idx_usage_records_user_id ON usage_records(user_id);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_user_id ON ledger_entries(user_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *model.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.CreatedAt = time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, credit_balance, created_at) VALUES ($1, $2, $3)`,
		user.ID, user.CreditBalance, user.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert user")
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, credit_balance, created_at FROM users WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.CreditBalance, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "user %s", userID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get user")
	}
	return &u, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, project *model.Project) error {
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	if project.Status == "" {
		project.Status = model.StatusPlanning
	}
	project.CreatedAt = time.Now().UTC()

	var techJSON any
	if len(project.TechStack) > 0 {
		b, err := json.Marshal(project.TechStack)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal tech stack")
		}
		techJSON = b
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id, user_id, title, description, status, tech_stack, todo_markdown, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		project.ID, project.UserID, project.Title, project.Description,
		string(project.Status), techJSON, project.TodoMarkdown, project.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert project")
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (*model.Project, error) {
	var p model.Project
	var techJSON []byte
	var completedAt *time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, title, description, status, tech_stack, todo_markdown, created_at, completed_at
		 FROM projects WHERE id = $1`,
		projectID,
	).Scan(&p.ID, &p.UserID, &p.Title, &p.Description, &p.Status,
		&techJSON, &p.TodoMarkdown, &p.CreatedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "project %s", projectID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get project")
	}

	if len(techJSON) > 0 {
		if err := json.Unmarshal(techJSON, &p.TechStack); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal tech stack")
		}
	}
	p.CompletedAt = completedAt
	return &p, nil
}

func (s *PostgresStore) UpdateProjectStatus(ctx context.Context, projectID string, status model.ProjectStatus) error {
	var tag pgconn.CommandTag
	var err error
	if status == model.StatusCompleted {
		tag, err = s.pool.Exec(ctx,
			`UPDATE projects SET status = $1, completed_at = $2 WHERE id = $3`,
			string(status), time.Now().UTC(), projectID,
		)
	} else {
		tag, err = s.pool.Exec(ctx,
			`UPDATE projects SET status = $1 WHERE id = $2`,
			string(status), projectID,
		)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: update project status %s", projectID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "project %s", projectID)
	}
	return nil
}

func (s *PostgresStore) UpdateProjectTodo(ctx context.Context, projectID string, todoMarkdown string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET todo_markdown = $1 WHERE id = $2`,
		todoMarkdown, projectID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update project todo %s", projectID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "project %s", projectID)
	}
	return nil
}

func (s *PostgresStore) UpsertArtifact(ctx context.Context, projectID, path, content string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO artifacts (id, project_id, path, content, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (project_id, path) DO UPDATE SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at`,
		uuid.New().String(), projectID, path, content, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert artifact %s", path)
}

func (s *PostgresStore) GetArtifact(ctx context.Context, projectID, path string) (*model.Artifact, error) {
	var a model.Artifact
	err := s.pool.QueryRow(ctx,
		`SELECT id, project_id, path, content, updated_at FROM artifacts WHERE project_id = $1 AND path = $2`,
		projectID, path,
	).Scan(&a.ID, &a.ProjectID, &a.Path, &a.Content, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "artifact %s", path)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get artifact")
	}
	return &a, nil
}

func (s *PostgresStore) ListArtifacts(ctx context.Context, projectID string) ([]model.Artifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, project_id, path, content, updated_at FROM artifacts WHERE project_id = $1 ORDER BY path`,
		projectID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list artifacts")
	}
	defer rows.Close()

	var out []model.Artifact
	for rows.Next() {
		var a model.Artifact
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.Path, &a.Content, &a.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan artifact")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list artifacts iterate")
}

func (s *PostgresStore) UpsertPricing(ctx context.Context, pricing model.ModelPricing) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO model_pricing (provider, model, input_per_mtok, output_per_mtok, active) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (provider, model) DO UPDATE SET
			input_per_mtok = EXCLUDED.input_per_mtok,
			output_per_mtok = EXCLUDED.output_per_mtok,
			active = EXCLUDED.active`,
		pricing.Provider, pricing.Model, pricing.InputPerMTok, pricing.OutputPerMTok, pricing.Active,
	)
	return eris.Wrapf(err, "postgres: upsert pricing %s/%s", pricing.Provider, pricing.Model)
}

func (s *PostgresStore) GetPricing(ctx context.Context, provider, modelName string) (*model.ModelPricing, error) {
	var p model.ModelPricing
	err := s.pool.QueryRow(ctx,
		`SELECT provider, model, input_per_mtok, output_per_mtok, active
		 FROM model_pricing WHERE provider = $1 AND model = $2 AND active`,
		provider, modelName,
	).Scan(&p.Provider, &p.Model, &p.InputPerMTok, &p.OutputPerMTok, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get pricing")
	}
	return &p, nil
}

func (s *PostgresStore) InsertUsage(ctx context.Context, rec *model.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.CreatedAt = time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_records (id, user_id, project_id, task_type, provider, model, input_tokens, output_tokens, cost_usd, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.UserID, nullable(rec.ProjectID), rec.TaskType, rec.Provider, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert usage record")
}

func (s *PostgresStore) ListUsageByProject(ctx context.Context, projectID string) ([]model.UsageRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, COALESCE(project_id, ''), task_type, provider, model, input_tokens, output_tokens, cost_usd, created_at
		 FROM usage_records WHERE project_id = $1 ORDER BY created_at`,
		projectID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list usage")
	}
	defer rows.Close()

	var out []model.UsageRecord
	for rows.Next() {
		var r model.UsageRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.ProjectID, &r.TaskType, &r.Provider, &r.Model,
			&r.InputTokens, &r.OutputTokens, &r.CostUSD, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan usage record")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list usage iterate")
}

// AppendLedgerEntry locks the user row for the duration of the transaction
// so concurrent deductions for one user serialize and can never overdraw.
func (s *PostgresStore) AppendLedgerEntry(ctx context.Context, entry *model.LedgerEntry) (float64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin ledger tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var balance float64
	err = tx.QueryRow(ctx,
		`SELECT credit_balance FROM users WHERE id = $1 FOR UPDATE`, entry.UserID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, eris.Wrapf(ErrNotFound, "user %s", entry.UserID)
	}
	if err != nil {
		return 0, eris.Wrap(err, "postgres: read balance")
	}

	newBalance := balance + entry.Amount
	if newBalance < 0 {
		return balance, eris.Wrapf(ErrInsufficientCredits, "balance %.2f, requested %.2f", balance, -entry.Amount)
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.CreatedAt = time.Now().UTC()

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, project_id, usage_record_id, kind, amount, cost_usd, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.UserID, nullable(entry.ProjectID), nullable(entry.UsageRecordID),
		entry.Kind, entry.Amount, entry.CostUSD, entry.Description, entry.CreatedAt,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert ledger entry")
	}

	if _, err := tx.Exec(ctx,
		`UPDATE users SET credit_balance = $1 WHERE id = $2`, newBalance, entry.UserID,
	); err != nil {
		return 0, eris.Wrap(err, "postgres: update balance")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit ledger tx")
	}
	return newBalance, nil
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, COALESCE(project_id, ''), COALESCE(usage_record_id, ''), kind, amount, cost_usd, description, created_at
		 FROM ledger_entries WHERE user_id = $1 ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list ledger entries")
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.ProjectID, &e.UsageRecordID, &e.Kind,
			&e.Amount, &e.CostUSD, &e.Description, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan ledger entry")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list ledger iterate")
}
