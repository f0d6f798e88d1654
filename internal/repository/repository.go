// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/fieldgate/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = domain.ErrValidation
)

var _ domain.Repository = (*SQLRepository)(nil)

// maxTimestampNudges bounds how far a colliding reading is pushed forward.
const maxTimestampNudges = 1000

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration and runs migrations.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(ctx, cfg)
	case "postgres":
		db, err = openPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := NewWithDB(db, cfg.Driver)
	if err := repo.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return repo, nil
}

// NewWithDB wraps an open handle without running migrations.
func NewWithDB(db *sql.DB, driver string) *SQLRepository {
	return &SQLRepository{db: db, driver: driver}
}

func (r *SQLRepository) migrate(ctx context.Context) error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.ExecContext(ctx, schema); err != nil {
			return err
		}
	}
	return nil
}

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func notFound(what, id string) error {
	return domain.NewError(domain.KindNotFound, "repository", what+" not found").With("id", id)
}

// SaveTenant creates or updates a tenant.
func (r *SQLRepository) SaveTenant(ctx context.Context, tenant *domain.Tenant) error {
	if tenant.ID == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO tenants (id, name, default_datasource_id, is_active, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			default_datasource_id = excluded.default_datasource_id,
			is_active = excluded.is_active
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenant.ID, tenant.Name, tenant.DefaultDataSourceID, boolInt(tenant.IsActive), tenant.CreatedAt,
	)
	return err
}

// GetTenant retrieves a tenant by ID.
func (r *SQLRepository) GetTenant(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	query := `
		SELECT id, name, default_datasource_id, is_active, created_at
		FROM tenants WHERE id = ?
	`
	var t domain.Tenant
	var active int
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID).Scan(
		&t.ID, &t.Name, &t.DefaultDataSourceID, &active, &t.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("tenant", tenantID)
	}
	if err != nil {
		return nil, err
	}
	t.IsActive = active == 1
	return &t, nil
}

// ListActiveTenants returns every active tenant.
func (r *SQLRepository) ListActiveTenants(ctx context.Context) ([]*domain.Tenant, error) {
	query := `
		SELECT id, name, default_datasource_id, is_active, created_at
		FROM tenants WHERE is_active = 1 ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []*domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		var active int
		if err := rows.Scan(&t.ID, &t.Name, &t.DefaultDataSourceID, &active, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.IsActive = active == 1
		tenants = append(tenants, &t)
	}
	return tenants, rows.Err()
}

// SaveDataSource creates or updates a datasource with tenant isolation.
func (r *SQLRepository) SaveDataSource(ctx context.Context, tenantID string, ds *domain.DataSource) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if ds.ID == "" {
		ds.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if ds.CreatedAt.IsZero() {
		ds.CreatedAt = now
	}
	ds.UpdatedAt = now
	ds.TenantID = tenantID

	cfg, err := json.Marshal(ds.ConnectionConfig)
	if err != nil {
		return fmt.Errorf("%w: connection config: %v", ErrInvalidInput, err)
	}

	query := `
		INSERT INTO datasources (id, tenant_id, name, type, connection_config, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id, tenant_id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			connection_config = excluded.connection_config,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		ds.ID, tenantID, ds.Name, ds.Type, string(cfg), boolInt(ds.IsActive), ds.CreatedAt, ds.UpdatedAt,
	)
	return err
}

const dataSourceColumns = `id, tenant_id, name, type, connection_config, is_active, created_at, updated_at`

func scanDataSource(row interface{ Scan(...any) error }) (*domain.DataSource, error) {
	var ds domain.DataSource
	var cfg string
	var active int
	if err := row.Scan(&ds.ID, &ds.TenantID, &ds.Name, &ds.Type, &cfg, &active, &ds.CreatedAt, &ds.UpdatedAt); err != nil {
		return nil, err
	}
	ds.IsActive = active == 1
	if cfg != "" {
		if err := json.Unmarshal([]byte(cfg), &ds.ConnectionConfig); err != nil {
			return nil, fmt.Errorf("decode connection config for %s: %w", ds.ID, err)
		}
	}
	return &ds, nil
}

// GetDataSource retrieves a datasource by ID.
func (r *SQLRepository) GetDataSource(ctx context.Context, tenantID string, id string) (*domain.DataSource, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	query := `SELECT ` + dataSourceColumns + ` FROM datasources WHERE tenant_id = ? AND id = ?`
	ds, err := scanDataSource(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("datasource", id)
	}
	return ds, err
}

// GetDataSourceByName retrieves a datasource by its tenant-unique name.
func (r *SQLRepository) GetDataSourceByName(ctx context.Context, tenantID string, name string) (*domain.DataSource, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	query := `SELECT ` + dataSourceColumns + ` FROM datasources WHERE tenant_id = ? AND name = ?`
	ds, err := scanDataSource(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("datasource", name)
	}
	return ds, err
}

// ListDataSources returns every datasource of a tenant.
func (r *SQLRepository) ListDataSources(ctx context.Context, tenantID string) ([]*domain.DataSource, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	query := `SELECT ` + dataSourceColumns + ` FROM datasources WHERE tenant_id = ? ORDER BY name`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.DataSource
	for rows.Next() {
		ds, err := scanDataSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}

// CreateTag stores a tag. When a tag with the same name already exists in
// the datasource, tag is overwritten with the stored row instead.
func (r *SQLRepository) CreateTag(ctx context.Context, tenantID string, tag *domain.Tag) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if !domain.ValidNodeID(tag.ConnectionString) {
		return domain.NewError(domain.KindValidation, "create tag", "invalid connection string").
			With("node_id", tag.ConnectionString)
	}
	if tag.ID == "" {
		tag.ID = uuid.NewString()
	}
	if tag.CreatedAt.IsZero() {
		tag.CreatedAt = time.Now().UTC()
	}
	tag.TenantID = tenantID

	query := `
		INSERT INTO tags (id, tenant_id, data_source_id, name, connection_string, description, unit_of_measure, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, data_source_id, name) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, r.rebind(query),
		tag.ID, tenantID, tag.DataSourceID, tag.Name, tag.ConnectionString,
		tag.Description, tag.UnitOfMeasure, boolInt(tag.IsActive), tag.CreatedAt,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		existing, err := r.GetTagByName(ctx, tenantID, tag.DataSourceID, tag.Name)
		if err != nil {
			return err
		}
		*tag = *existing
	}
	return nil
}

const tagColumns = `id, tenant_id, data_source_id, name, connection_string, description, unit_of_measure, is_active, created_at`

func scanTag(row interface{ Scan(...any) error }) (*domain.Tag, error) {
	var t domain.Tag
	var active int
	if err := row.Scan(&t.ID, &t.TenantID, &t.DataSourceID, &t.Name, &t.ConnectionString,
		&t.Description, &t.UnitOfMeasure, &active, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.IsActive = active == 1
	return &t, nil
}

func (r *SQLRepository) getTag(ctx context.Context, where string, args ...any) (*domain.Tag, error) {
	query := `SELECT ` + tagColumns + ` FROM tags WHERE ` + where
	tag, err := scanTag(r.db.QueryRowContext(ctx, r.rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("tag", fmt.Sprint(args[len(args)-1]))
	}
	return tag, err
}

// GetTag retrieves a tag by ID.
func (r *SQLRepository) GetTag(ctx context.Context, tenantID string, tagID string) (*domain.Tag, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return r.getTag(ctx, `tenant_id = ? AND id = ?`, tenantID, tagID)
}

// GetTagByName retrieves a tag by name within a datasource.
func (r *SQLRepository) GetTagByName(ctx context.Context, tenantID, dataSourceID, name string) (*domain.Tag, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return r.getTag(ctx, `tenant_id = ? AND data_source_id = ? AND name = ?`, tenantID, dataSourceID, name)
}

// GetTagByConnectionString retrieves the first tag addressing a node.
func (r *SQLRepository) GetTagByConnectionString(ctx context.Context, tenantID, dataSourceID, connectionString string) (*domain.Tag, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return r.getTag(ctx, `tenant_id = ? AND data_source_id = ? AND connection_string = ? ORDER BY created_at LIMIT 1`,
		tenantID, dataSourceID, connectionString)
}

// UpsertPollingTask activates the (tag, interval) task, creating it when
// missing. task.ID is set to the stored row's ID.
func (r *SQLRepository) UpsertPollingTask(ctx context.Context, tenantID string, task *domain.PollingTask) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if task.IntervalSeconds <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalidInput)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	task.TenantID = tenantID
	task.IsActive = true

	query := `
		INSERT INTO polling_tasks (id, tenant_id, tag_id, interval_seconds, is_active, next_polled, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT (tenant_id, tag_id, interval_seconds) DO UPDATE SET
			is_active = 1,
			next_polled = excluded.next_polled,
			updated_at = excluded.updated_at
		RETURNING id
	`
	return r.db.QueryRowContext(ctx, r.rebind(query),
		task.ID, tenantID, task.TagID, task.IntervalSeconds, task.NextPolled, task.CreatedAt, task.UpdatedAt,
	).Scan(&task.ID)
}

// UpdatePollingTimestamps records a completed poll.
func (r *SQLRepository) UpdatePollingTimestamps(ctx context.Context, tenantID, taskID string, lastPolled, nextPolled time.Time) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	query := `
		UPDATE polling_tasks
		SET last_polled = ?, next_polled = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query), lastPolled, nextPolled, time.Now().UTC(), tenantID, taskID)
	return err
}

// DeactivatePollingTasks deactivates every task for a tag and returns how
// many were active.
func (r *SQLRepository) DeactivatePollingTasks(ctx context.Context, tenantID, tagID string) (int64, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}
	query := `
		UPDATE polling_tasks
		SET is_active = 0, updated_at = ?
		WHERE tenant_id = ? AND tag_id = ? AND is_active = 1
	`
	res, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, tagID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListActivePollingTasks returns active tasks joined with their tags.
func (r *SQLRepository) ListActivePollingTasks(ctx context.Context, tenantID string) ([]*domain.PollingTask, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	query := `
		SELECT p.id, p.tenant_id, p.tag_id, p.interval_seconds, p.is_active,
			   p.last_polled, p.next_polled, p.created_at, p.updated_at,
			   t.id, t.tenant_id, t.data_source_id, t.name, t.connection_string,
			   t.description, t.unit_of_measure, t.is_active, t.created_at
		FROM polling_tasks p
		JOIN tags t ON t.id = p.tag_id AND t.tenant_id = p.tenant_id
		WHERE p.tenant_id = ? AND p.is_active = 1
		ORDER BY p.created_at
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.PollingTask
	for rows.Next() {
		var p domain.PollingTask
		var t domain.Tag
		var pActive, tActive int
		var last, next sql.NullTime
		if err := rows.Scan(
			&p.ID, &p.TenantID, &p.TagID, &p.IntervalSeconds, &pActive,
			&last, &next, &p.CreatedAt, &p.UpdatedAt,
			&t.ID, &t.TenantID, &t.DataSourceID, &t.Name, &t.ConnectionString,
			&t.Description, &t.UnitOfMeasure, &tActive, &t.CreatedAt,
		); err != nil {
			return nil, err
		}
		p.IsActive = pActive == 1
		t.IsActive = tActive == 1
		if last.Valid {
			p.LastPolled = &last.Time
		}
		if next.Valid {
			p.NextPolled = &next.Time
		}
		p.Tag = &t
		tasks = append(tasks, &p)
	}
	return tasks, rows.Err()
}

// UpsertSubscriptionTask activates the subscription task for a tag.
func (r *SQLRepository) UpsertSubscriptionTask(ctx context.Context, tenantID string, task *domain.SubscriptionTask) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.LastUpdated = now
	task.TenantID = tenantID
	task.IsActive = true

	query := `
		INSERT INTO subscription_tasks (id, tenant_id, tag_id, is_active, created_at, last_updated)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT (tenant_id, tag_id) DO UPDATE SET
			is_active = 1,
			last_updated = excluded.last_updated
		RETURNING id
	`
	return r.db.QueryRowContext(ctx, r.rebind(query),
		task.ID, tenantID, task.TagID, task.CreatedAt, task.LastUpdated,
	).Scan(&task.ID)
}

// DeactivateSubscriptionTask marks the tag's subscription task inactive.
func (r *SQLRepository) DeactivateSubscriptionTask(ctx context.Context, tenantID, tagID string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	query := `
		UPDATE subscription_tasks
		SET is_active = 0, last_updated = ?
		WHERE tenant_id = ? AND tag_id = ?
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, tagID)
	return err
}

// ListActiveSubscriptionTasks returns active subscription tasks joined with their tags.
func (r *SQLRepository) ListActiveSubscriptionTasks(ctx context.Context, tenantID string) ([]*domain.SubscriptionTask, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	query := `
		SELECT s.id, s.tenant_id, s.tag_id, s.is_active, s.created_at, s.last_updated,
			   t.id, t.tenant_id, t.data_source_id, t.name, t.connection_string,
			   t.description, t.unit_of_measure, t.is_active, t.created_at
		FROM subscription_tasks s
		JOIN tags t ON t.id = s.tag_id AND t.tenant_id = s.tenant_id
		WHERE s.tenant_id = ? AND s.is_active = 1
		ORDER BY s.created_at
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.SubscriptionTask
	for rows.Next() {
		var s domain.SubscriptionTask
		var t domain.Tag
		var sActive, tActive int
		if err := rows.Scan(
			&s.ID, &s.TenantID, &s.TagID, &sActive, &s.CreatedAt, &s.LastUpdated,
			&t.ID, &t.TenantID, &t.DataSourceID, &t.Name, &t.ConnectionString,
			&t.Description, &t.UnitOfMeasure, &tActive, &t.CreatedAt,
		); err != nil {
			return nil, err
		}
		s.IsActive = sActive == 1
		t.IsActive = tActive == 1
		s.Tag = &t
		tasks = append(tasks, &s)
	}
	return tasks, rows.Err()
}

// SaveReading appends a reading. The timestamp is truncated to microseconds;
// on a key collision it is nudged forward one microsecond at a time.
// reading.Timestamp is updated to the stored value.
func (r *SQLRepository) SaveReading(ctx context.Context, tenantID string, reading *domain.Reading) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if reading.TagID == "" {
		return fmt.Errorf("%w: tag id is required", ErrInvalidInput)
	}

	query := r.rebind(`
		INSERT INTO time_series (tenant_id, tag_id, timestamp, value, frequency, quality)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	quality := reading.Quality
	if quality == "" {
		quality = domain.QualityGood
	}

	ts := reading.Timestamp.UTC().Truncate(time.Microsecond)
	for attempt := 0; ; attempt++ {
		_, err := r.db.ExecContext(ctx, query, tenantID, reading.TagID, ts, reading.Value, reading.Frequency, quality)
		if err == nil {
			reading.TenantID = tenantID
			reading.Timestamp = ts
			reading.Quality = quality
			return nil
		}
		if !r.isUniqueViolation(err) || attempt >= maxTimestampNudges {
			return err
		}
		ts = ts.Add(time.Microsecond)
	}
}

// ListReadings returns the newest readings of a tag since a point in time.
func (r *SQLRepository) ListReadings(ctx context.Context, tenantID, tagID string, since time.Time, limit int) ([]*domain.Reading, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}
	query := `
		SELECT tenant_id, tag_id, timestamp, value, frequency, quality
		FROM time_series
		WHERE tenant_id = ? AND tag_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
		LIMIT ` + strconv.Itoa(limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, tagID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Reading
	for rows.Next() {
		var rd domain.Reading
		if err := rows.Scan(&rd.TenantID, &rd.TagID, &rd.Timestamp, &rd.Value, &rd.Frequency, &rd.Quality); err != nil {
			return nil, err
		}
		out = append(out, &rd)
	}
	return out, rows.Err()
}

// SaveAlertRule creates or updates an alert rule.
func (r *SQLRepository) SaveAlertRule(ctx context.Context, tenantID string, rule *domain.AlertRule) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if strings.TrimSpace(rule.Expression) == "" {
		return fmt.Errorf("%w: expression is required", ErrInvalidInput)
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	rule.TenantID = tenantID

	query := `
		INSERT INTO alert_rules (id, tenant_id, name, expression, message, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id, tenant_id) DO UPDATE SET
			name = excluded.name,
			expression = excluded.expression,
			message = excluded.message,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Expression, rule.Message, boolInt(rule.Enabled), rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

// ListAlertRules returns the enabled alert rules of a tenant.
func (r *SQLRepository) ListAlertRules(ctx context.Context, tenantID string) ([]*domain.AlertRule, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	query := `
		SELECT id, tenant_id, name, expression, message, enabled, created_at, updated_at
		FROM alert_rules
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY name
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.AlertRule
	for rows.Next() {
		var rule domain.AlertRule
		var enabled int
		if err := rows.Scan(&rule.ID, &rule.TenantID, &rule.Name, &rule.Expression, &rule.Message,
			&enabled, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return nil, err
		}
		rule.Enabled = enabled == 1
		rules = append(rules, &rule)
	}
	return rules, rows.Err()
}

// SaveAlert stores a raised alert.
func (r *SQLRepository) SaveAlert(ctx context.Context, tenantID string, alert *domain.Alert) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	alert.TenantID = tenantID

	query := `
		INSERT INTO alerts (id, tenant_id, tag_id, rule_id, timestamp, message, value)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		alert.ID, tenantID, alert.TagID, alert.RuleID, alert.Timestamp, alert.Message, alert.Value,
	)
	return err
}

// ListAlerts returns alerts raised since a point in time, newest first.
func (r *SQLRepository) ListAlerts(ctx context.Context, tenantID string, since time.Time) ([]*domain.Alert, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	query := `
		SELECT id, tenant_id, tag_id, rule_id, timestamp, message, value
		FROM alerts
		WHERE tenant_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		var a domain.Alert
		if err := rows.Scan(&a.ID, &a.TenantID, &a.TagID, &a.RuleID, &a.Timestamp, &a.Message, &a.Value); err != nil {
			return nil, err
		}
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func (r *SQLRepository) isUniqueViolation(err error) bool {
	if r.driver == "postgres" {
		return isPostgresUniqueViolation(err)
	}
	return isSQLiteUniqueViolation(err)
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
