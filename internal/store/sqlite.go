package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/forgeworks/devloop/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
//
// SQLite serializes writers, so the ledger's check-then-write discipline
// holds without explicit row locks as long as it runs in one transaction.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// One connection keeps every transaction a single writer, which is what
	// the ledger's check-then-write discipline depends on.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS users (
	id             TEXT PRIMARY KEY,
	credit_balance REAL NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS projects (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL REFERENCES users(id),
	title         TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'planning',
	tech_stack    TEXT,
	todo_markdown TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at  DATETIME
);

CREATE TABLE IF NOT EXISTS artifacts (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	path       TEXT NOT NULL,
	content    TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE(project_id, path)
);

CREATE TABLE IF NOT EXISTS model_pricing (
	provider        TEXT NOT NULL,
	model           TEXT NOT NULL,
	input_per_mtok  REAL NOT NULL,
	output_per_mtok REAL NOT NULL,
	active          INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY(provider, model)
);

CREATE TABLE IF NOT EXISTS usage_records (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL REFERENCES users(id),
	project_id    TEXT,
	task_type     TEXT NOT NULL,
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd      REAL NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL REFERENCES users(id),
	project_id      TEXT,
	usage_record_id TEXT,
	kind            TEXT NOT NULL,
	amount          REAL NOT NULL,
	cost_usd        REAL NOT NULL DEFAULT 0,
	description     TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_projects_user_id ON projects(user_id);
CREATE INDEX IF NOT EXISTS idx_artifacts_project_id ON artifacts(project_id);
CREATE INDEX IF NOT EXISTS idx_usage_records_project_id ON usage_records(project_id);
CREATE INDEX IF NOT EXISTS idx_usage_records_user_id ON usage_records(user_id);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_user_id ON ledger_entries(user_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateUser(ctx context.Context, user *model.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, credit_balance, created_at) VALUES (?, ?, ?)`,
		user.ID, user.CreditBalance, user.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert user")
}

func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*model.User, error) {
	var u model.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, credit_balance, created_at FROM users WHERE id = ?`,
		userID,
	).Scan(&u.ID, &u.CreditBalance, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "user %s", userID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get user")
	}
	return &u, nil
}

func (s *SQLiteStore) CreateProject(ctx context.Context, project *model.Project) error {
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	if project.Status == "" {
		project.Status = model.StatusPlanning
	}
	project.CreatedAt = time.Now().UTC()

	techJSON, err := marshalTechStack(project.TechStack)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (id, user_id, title, description, status, tech_stack, todo_markdown, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		project.ID, project.UserID, project.Title, project.Description,
		string(project.Status), techJSON, project.TodoMarkdown, project.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert project")
}

func (s *SQLiteStore) GetProject(ctx context.Context, projectID string) (*model.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, description, status, tech_stack, todo_markdown, created_at, completed_at
		 FROM projects WHERE id = ?`,
		projectID,
	)
	return scanProject(row, projectID)
}

func (s *SQLiteStore) UpdateProjectStatus(ctx context.Context, projectID string, status model.ProjectStatus) error {
	var res sql.Result
	var err error
	if status == model.StatusCompleted {
		res, err = s.db.ExecContext(ctx,
			`UPDATE projects SET status = ?, completed_at = ? WHERE id = ?`,
			string(status), time.Now().UTC(), projectID,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE projects SET status = ? WHERE id = ?`,
			string(status), projectID,
		)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: update project status %s", projectID)
	}
	return checkRowsAffected(res, "project", projectID)
}

func (s *SQLiteStore) UpdateProjectTodo(ctx context.Context, projectID string, todoMarkdown string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET todo_markdown = ? WHERE id = ?`,
		todoMarkdown, projectID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update project todo %s", projectID)
	}
	return checkRowsAffected(res, "project", projectID)
}

func (s *SQLiteStore) UpsertArtifact(ctx context.Context, projectID, path, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, project_id, path, content, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(project_id, path) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		uuid.New().String(), projectID, path, content, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert artifact %s", path)
}

func (s *SQLiteStore) GetArtifact(ctx context.Context, projectID, path string) (*model.Artifact, error) {
	var a model.Artifact
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, path, content, updated_at FROM artifacts WHERE project_id = ? AND path = ?`,
		projectID, path,
	).Scan(&a.ID, &a.ProjectID, &a.Path, &a.Content, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "artifact %s", path)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get artifact")
	}
	return &a, nil
}

func (s *SQLiteStore) ListArtifacts(ctx context.Context, projectID string) ([]model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, path, content, updated_at FROM artifacts WHERE project_id = ? ORDER BY path`,
		projectID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list artifacts")
	}
	defer rows.Close()

	var out []model.Artifact
	for rows.Next() {
		var a model.Artifact
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.Path, &a.Content, &a.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan artifact")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list artifacts iterate")
}

func (s *SQLiteStore) UpsertPricing(ctx context.Context, pricing model.ModelPricing) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO model_pricing (provider, model, input_per_mtok, output_per_mtok, active) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(provider, model) DO UPDATE SET
			input_per_mtok = excluded.input_per_mtok,
			output_per_mtok = excluded.output_per_mtok,
			active = excluded.active`,
		pricing.Provider, pricing.Model, pricing.InputPerMTok, pricing.OutputPerMTok, pricing.Active,
	)
	return eris.Wrapf(err, "sqlite: upsert pricing %s/%s", pricing.Provider, pricing.Model)
}

func (s *SQLiteStore) GetPricing(ctx context.Context, provider, modelName string) (*model.ModelPricing, error) {
	var p model.ModelPricing
	err := s.db.QueryRowContext(ctx,
		`SELECT provider, model, input_per_mtok, output_per_mtok, active
		 FROM model_pricing WHERE provider = ? AND model = ? AND active = 1`,
		provider, modelName,
	).Scan(&p.Provider, &p.Model, &p.InputPerMTok, &p.OutputPerMTok, &p.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get pricing")
	}
	return &p, nil
}

func (s *SQLiteStore) InsertUsage(ctx context.Context, rec *model.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (id, user_id, project_id, task_type, provider, model, input_tokens, output_tokens, cost_usd, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, nullable(rec.ProjectID), rec.TaskType, rec.Provider, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert usage record")
}

func (s *SQLiteStore) ListUsageByProject(ctx context.Context, projectID string) ([]model.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, COALESCE(project_id, ''), task_type, provider, model, input_tokens, output_tokens, cost_usd, created_at
		 FROM usage_records WHERE project_id = ? ORDER BY created_at`,
		projectID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list usage")
	}
	defer rows.Close()

	var out []model.UsageRecord
	for rows.Next() {
		var r model.UsageRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.ProjectID, &r.TaskType, &r.Provider, &r.Model,
			&r.InputTokens, &r.OutputTokens, &r.CostUSD, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan usage record")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list usage iterate")
}

// AppendLedgerEntry runs the balance check and write in one transaction.
func (s *SQLiteStore) AppendLedgerEntry(ctx context.Context, entry *model.LedgerEntry) (float64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin ledger tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var balance float64
	err = tx.QueryRowContext(ctx,
		`SELECT credit_balance FROM users WHERE id = ?`, entry.UserID,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, eris.Wrapf(ErrNotFound, "user %s", entry.UserID)
	}
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: read balance")
	}

	newBalance := balance + entry.Amount
	if newBalance < 0 {
		return balance, eris.Wrapf(ErrInsufficientCredits, "balance %.2f, requested %.2f", balance, -entry.Amount)
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.CreatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (id, user_id, project_id, usage_record_id, kind, amount, cost_usd, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, nullable(entry.ProjectID), nullable(entry.UsageRecordID),
		entry.Kind, entry.Amount, entry.CostUSD, entry.Description, entry.CreatedAt,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert ledger entry")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET credit_balance = ? WHERE id = ?`, newBalance, entry.UserID,
	); err != nil {
		return 0, eris.Wrap(err, "sqlite: update balance")
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit ledger tx")
	}
	return newBalance, nil
}

func (s *SQLiteStore) ListLedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, COALESCE(project_id, ''), COALESCE(usage_record_id, ''), kind, amount, cost_usd, description, created_at
		 FROM ledger_entries WHERE user_id = ? ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list ledger entries")
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.ProjectID, &e.UsageRecordID, &e.Kind,
			&e.Amount, &e.CostUSD, &e.Description, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ledger entry")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list ledger iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalTechStack(ts map[string]string) (any, error) {
	if len(ts) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ts)
	if err != nil {
		return nil, eris.Wrap(err, "marshal tech stack")
	}
	return string(b), nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanProject(row scannable, projectID string) (*model.Project, error) {
	var p model.Project
	var techJSON sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(&p.ID, &p.UserID, &p.Title, &p.Description, &p.Status,
		&techJSON, &p.TodoMarkdown, &p.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "project %s", projectID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan project")
	}

	if techJSON.Valid && techJSON.String != "" {
		if err := json.Unmarshal([]byte(techJSON.String), &p.TechStack); err != nil {
			return nil, eris.Wrap(err, "unmarshal tech stack")
		}
	}
	if completedAt.Valid {
		t := completedAt.Time
		p.CompletedAt = &t
	}
	return &p, nil
}
