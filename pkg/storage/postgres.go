package storage

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql

	"github.com/swarmfleet/swarmd/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// PGConfig holds PostgreSQL connection settings.
type PGConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DSN returns the pgx-compatible connection string.
func (c PGConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// PostgresStore is the durable Store backend. Entities are stored one row
// per id with a JSONB document plus the columns the list queries filter on.
type PostgresStore struct {
	db *stdsql.DB
}

// NewPostgresStore opens a pooled connection, pings it, and applies all
// pending embedded migrations.
func NewPostgresStore(ctx context.Context, cfg PGConfig) (*PostgresStore, error) {
	db, err := stdsql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, cfg.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing connection (used by tests).
func NewPostgresStoreFromDB(db *stdsql.DB, database string) (*PostgresStore, error) {
	if err := runMigrations(db, database); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// DB returns the underlying connection for health checks.
func (s *PostgresStore) DB() *stdsql.DB { return s.db }

// runMigrations applies embedded SQL migrations with golang-migrate.
func runMigrations(db *stdsql.DB, database string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, database, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the source driver. m.Close() would also close the database
	// driver, which closes the shared *sql.DB.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	return nil
}

// classify maps a database error to a StorageError kind.
func classify(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, stdsql.ErrNoRows) {
		return NewError(op, key, KindNotFound, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewError(op, key, KindTransient, err)
	}
	// Connection-level failures are retryable; anything else is surfaced
	// as fatal so callers do not loop on schema errors.
	if errors.Is(err, stdsql.ErrConnDone) {
		return NewError(op, key, KindTransient, err)
	}
	return NewError(op, key, KindFatal, err)
}

func getDoc[T any](ctx context.Context, s *PostgresStore, op, table, id string) (*T, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, table), id).Scan(&payload)
	if err != nil {
		return nil, classify(op, id, err)
	}
	var out T
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, NewError(op, id, KindFatal, err)
	}
	return &out, nil
}

// PutAgent upserts the agent row.
func (s *PostgresStore) PutAgent(ctx context.Context, a *models.Agent) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return NewError("put_agent", a.ID, KindFatal, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, status, agent_type, swarm_id, doc)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status, agent_type = EXCLUDED.agent_type,
		   swarm_id = EXCLUDED.swarm_id, doc = EXCLUDED.doc`,
		a.ID, string(a.Status), string(a.Type), a.SwarmID, payload)
	return classify("put_agent", a.ID, err)
}

// GetAgent loads one agent by id.
func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	return getDoc[models.Agent](ctx, s, "get_agent", "agents", id)
}

// ListAgents loads agents matching the filter, ordered by id.
func (s *PostgresStore) ListAgents(ctx context.Context, f models.AgentFilter) ([]*models.Agent, error) {
	query := `SELECT doc FROM agents WHERE ($1 = '' OR status = $1)
		AND ($2 = '' OR agent_type = $2) AND ($3 = '' OR swarm_id = $3)
		ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, string(f.Status), string(f.Type), f.SwarmID)
	if err != nil {
		return nil, classify("list_agents", "", err)
	}
	defer rows.Close()

	var out []*models.Agent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, classify("list_agents", "", err)
		}
		var a models.Agent
		if err := json.Unmarshal(payload, &a); err != nil {
			return nil, NewError("list_agents", "", KindFatal, err)
		}
		// Capability filtering happens here rather than in SQL; the tag set
		// is small and unindexed.
		if f.Matches(&a) {
			out = append(out, &a)
		}
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, classify("list_agents", "", rows.Err())
}

// DeleteAgent removes the agent row.
func (s *PostgresStore) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return classify("delete_agent", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewError("delete_agent", id, KindNotFound, stdsql.ErrNoRows)
	}
	return nil
}

// PutTask upserts the task row.
func (s *PostgresStore) PutTask(ctx context.Context, t *models.Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return NewError("put_task", t.ID, KindFatal, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, status, task_type, assigned_to, created_at, doc)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status, task_type = EXCLUDED.task_type,
		   assigned_to = EXCLUDED.assigned_to, doc = EXCLUDED.doc`,
		t.ID, string(t.Status), t.Type, t.AssignedTo, t.CreatedAt, payload)
	return classify("put_task", t.ID, err)
}

// GetTask loads one task by id.
func (s *PostgresStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return getDoc[models.Task](ctx, s, "get_task", "tasks", id)
}

// ListTasks loads tasks matching the filter in creation order.
func (s *PostgresStore) ListTasks(ctx context.Context, f models.TaskFilter) ([]*models.Task, error) {
	query := `SELECT doc FROM tasks WHERE ($1 = '' OR status = $1)
		AND ($2 = '' OR task_type = $2) AND ($3 = '' OR assigned_to = $3)
		ORDER BY created_at, id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, string(f.Status), f.Type, f.AssignedTo)
	if err != nil {
		return nil, classify("list_tasks", "", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, classify("list_tasks", "", err)
		}
		var t models.Task
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, NewError("list_tasks", "", KindFatal, err)
		}
		out = append(out, &t)
	}
	return out, classify("list_tasks", "", rows.Err())
}

// DeleteTask removes a task row.
func (s *PostgresStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return classify("delete_task", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewError("delete_task", id, KindNotFound, stdsql.ErrNoRows)
	}
	return nil
}

// PutSwarm upserts the swarm row.
func (s *PostgresStore) PutSwarm(ctx context.Context, sw *models.Swarm) error {
	payload, err := json.Marshal(sw)
	if err != nil {
		return NewError("put_swarm", sw.ID, KindFatal, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO swarms (id, doc) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`,
		sw.ID, payload)
	return classify("put_swarm", sw.ID, err)
}

// GetSwarm loads one swarm by id.
func (s *PostgresStore) GetSwarm(ctx context.Context, id string) (*models.Swarm, error) {
	return getDoc[models.Swarm](ctx, s, "get_swarm", "swarms", id)
}

// ListSwarms loads all swarms ordered by id.
func (s *PostgresStore) ListSwarms(ctx context.Context) ([]*models.Swarm, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM swarms ORDER BY id`)
	if err != nil {
		return nil, classify("list_swarms", "", err)
	}
	defer rows.Close()

	var out []*models.Swarm
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, classify("list_swarms", "", err)
		}
		var sw models.Swarm
		if err := json.Unmarshal(payload, &sw); err != nil {
			return nil, NewError("list_swarms", "", KindFatal, err)
		}
		out = append(out, &sw)
	}
	return out, classify("list_swarms", "", rows.Err())
}

// PutScalingAction writes a scaling action. The table carries a serial
// sequence column so list order is append order; rewrites of the same id
// update the document in place.
func (s *PostgresStore) PutScalingAction(ctx context.Context, a *models.ScalingAction) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return NewError("put_scaling_action", a.ID, KindFatal, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scaling_actions (id, doc) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`,
		a.ID, payload)
	return classify("put_scaling_action", a.ID, err)
}

// ListScalingActions returns the most recent actions in append order.
func (s *PostgresStore) ListScalingActions(ctx context.Context, limit int) ([]*models.ScalingAction, error) {
	query := `SELECT doc FROM (
		SELECT doc, seq FROM scaling_actions ORDER BY seq DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	query += `) recent ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify("list_scaling_actions", "", err)
	}
	defer rows.Close()

	var out []*models.ScalingAction
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, classify("list_scaling_actions", "", err)
		}
		var a models.ScalingAction
		if err := json.Unmarshal(payload, &a); err != nil {
			return nil, NewError("list_scaling_actions", "", KindFatal, err)
		}
		out = append(out, &a)
	}
	return out, classify("list_scaling_actions", "", rows.Err())
}

// PutScalingPolicy upserts the policy; an enabled policy becomes current.
func (s *PostgresStore) PutScalingPolicy(ctx context.Context, p *models.ScalingPolicy) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return NewError("put_scaling_policy", p.ID, KindFatal, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scaling_policies (id, enabled, updated_at, doc)
		 VALUES ($1, $2, now(), $3)
		 ON CONFLICT (id) DO UPDATE SET
		   enabled = EXCLUDED.enabled, updated_at = now(), doc = EXCLUDED.doc`,
		p.ID, p.Enabled, payload)
	return classify("put_scaling_policy", p.ID, err)
}

// CurrentPolicy returns the most recently written enabled policy.
func (s *PostgresStore) CurrentPolicy(ctx context.Context) (*models.ScalingPolicy, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM scaling_policies WHERE enabled ORDER BY updated_at DESC LIMIT 1`).
		Scan(&payload)
	if err != nil {
		return nil, classify("current_policy", "", err)
	}
	var p models.ScalingPolicy
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, NewError("current_policy", "", KindFatal, err)
	}
	return &p, nil
}

// PutMemory upserts a key-value memory entry.
func (s *PostgresStore) PutMemory(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_entries (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value)
	return classify("put_memory", key, err)
}

// GetMemory loads one memory entry by key.
func (s *PostgresStore) GetMemory(ctx context.Context, key string) (*MemoryEntry, error) {
	var e MemoryEntry
	var updated time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT key, value, updated_at FROM memory_entries WHERE key = $1`, key).
		Scan(&e.Key, &e.Value, &updated)
	if err != nil {
		return nil, classify("get_memory", key, err)
	}
	e.UpdatedAt = updated.UnixMilli()
	return &e, nil
}

// QueryMemory loads entries with the given key prefix in key order.
func (s *PostgresStore) QueryMemory(ctx context.Context, prefix string) ([]*MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, updated_at FROM memory_entries
		 WHERE key LIKE $1 || '%' ORDER BY key`, prefix)
	if err != nil {
		return nil, classify("query_memory", prefix, err)
	}
	defer rows.Close()

	var out []*MemoryEntry
	for rows.Next() {
		var e MemoryEntry
		var updated time.Time
		if err := rows.Scan(&e.Key, &e.Value, &updated); err != nil {
			return nil, classify("query_memory", prefix, err)
		}
		e.UpdatedAt = updated.UnixMilli()
		out = append(out, &e)
	}
	return out, classify("query_memory", prefix, rows.Err())
}

// DeleteMemory removes a memory entry; missing keys are a no-op.
func (s *PostgresStore) DeleteMemory(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memory_entries WHERE key = $1`, key)
	return classify("delete_memory", key, err)
}

// Health pings the backing database and reports pool statistics.
func (s *PostgresStore) Health(ctx context.Context) (HealthStatus, error) {
	return Health(ctx, s.db)
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }
