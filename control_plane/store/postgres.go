package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) LoadEnabledChannels(ctx context.Context, withModels bool) ([]*Channel, error) {
	query := `
		SELECT id, name, base_url, primary_api_key, key_mode, COALESCE(proxy_url, ''), enabled, sort_order, created_at, updated_at
		FROM channels WHERE enabled = TRUE
		ORDER BY sort_order ASC, created_at DESC
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []*Channel
	for rows.Next() {
		var ch Channel
		if err := rows.Scan(
			&ch.ID, &ch.Name, &ch.BaseURL, &ch.PrimaryAPIKey, &ch.KeyMode,
			&ch.ProxyURL, &ch.Enabled, &ch.SortOrder, &ch.CreatedAt, &ch.UpdatedAt,
		); err != nil {
			return nil, err
		}
		channels = append(channels, &ch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if withModels {
		for _, ch := range channels {
			models, err := s.ListChannelModels(ctx, ch.ID)
			if err != nil {
				return nil, err
			}
			ch.Models = models
		}
	}
	return channels, nil
}

func (s *PostgresStore) GetChannel(ctx context.Context, id int64) (*Channel, error) {
	query := `
		SELECT id, name, base_url, primary_api_key, key_mode, COALESCE(proxy_url, ''), enabled, sort_order, created_at, updated_at
		FROM channels WHERE id = $1
	`
	var ch Channel
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&ch.ID, &ch.Name, &ch.BaseURL, &ch.PrimaryAPIKey, &ch.KeyMode,
		&ch.ProxyURL, &ch.Enabled, &ch.SortOrder, &ch.CreatedAt, &ch.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *PostgresStore) GetModel(ctx context.Context, id int64) (*Model, error) {
	query := `
		SELECT id, channel_id, model_name, health_status, last_status, last_latency_ms, last_checked_at, channel_key_id, created_at
		FROM models WHERE id = $1
	`
	var m Model
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&m.ID, &m.ChannelID, &m.ModelName, &m.HealthStatus, &m.LastStatus,
		&m.LastLatencyMs, &m.LastCheckedAt, &m.ChannelKeyID, &m.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) ListChannelModels(ctx context.Context, channelID int64) ([]*Model, error) {
	query := `
		SELECT id, channel_id, model_name, health_status, last_status, last_latency_ms, last_checked_at, channel_key_id, created_at
		FROM models WHERE channel_id = $1 ORDER BY id ASC
	`
	rows, err := s.pool.Query(ctx, query, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []*Model
	for rows.Next() {
		var m Model
		if err := rows.Scan(
			&m.ID, &m.ChannelID, &m.ModelName, &m.HealthStatus, &m.LastStatus,
			&m.LastLatencyMs, &m.LastCheckedAt, &m.ChannelKeyID, &m.CreatedAt,
		); err != nil {
			return nil, err
		}
		models = append(models, &m)
	}
	return models, rows.Err()
}

func (s *PostgresStore) ListEndpointStates(ctx context.Context, modelID int64) ([]*ModelEndpoint, error) {
	query := `
		SELECT model_id, endpoint_kind, status, latency_ms, status_code, error_msg, response_content, checked_at
		FROM model_endpoints WHERE model_id = $1 ORDER BY endpoint_kind ASC
	`
	rows, err := s.pool.Query(ctx, query, modelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var eps []*ModelEndpoint
	for rows.Next() {
		var ep ModelEndpoint
		if err := rows.Scan(
			&ep.ModelID, &ep.Kind, &ep.Status, &ep.LatencyMs,
			&ep.StatusCode, &ep.ErrorMsg, &ep.ResponseContent, &ep.CheckedAt,
		); err != nil {
			return nil, err
		}
		eps = append(eps, &ep)
	}
	return eps, rows.Err()
}

func (s *PostgresStore) ListCheckLogs(ctx context.Context, modelID int64, limit int) ([]*CheckLog, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, model_id, endpoint_kind, status, latency_ms, status_code, error_msg, response_content, created_at
		FROM check_logs WHERE model_id = $1 ORDER BY created_at DESC LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, modelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*CheckLog
	for rows.Next() {
		var l CheckLog
		if err := rows.Scan(
			&l.ID, &l.ModelID, &l.Kind, &l.Status, &l.LatencyMs,
			&l.StatusCode, &l.ErrorMsg, &l.ResponseContent, &l.CreatedAt,
		); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

func (s *PostgresStore) ResetModelsProbeState(ctx context.Context, modelIDs []int64) error {
	if len(modelIDs) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM model_endpoints WHERE model_id = ANY($1)`, modelIDs); err != nil {
		return err
	}
	query := `
		UPDATE models
		SET health_status = 'unknown', last_status = NULL, last_latency_ms = NULL, last_checked_at = NULL
		WHERE id = ANY($1)
	`
	if _, err := tx.Exec(ctx, query, modelIDs); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) PersistProbeOutcome(ctx context.Context, rec *ProbeRecord) (*Model, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Lock the model row before touching endpoint rows. Health is derived
	// from the endpoint set read under this lock, so two writers to the
	// same model cannot each derive from a snapshot missing the other's
	// row.
	var lockedID int64
	err = tx.QueryRow(ctx, `SELECT id FROM models WHERE id = $1 FOR UPDATE`, rec.ModelID).Scan(&lockedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrModelNotFound
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()

	upsert := `
		INSERT INTO model_endpoints (model_id, endpoint_kind, status, latency_ms, status_code, error_msg, response_content, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (model_id, endpoint_kind) DO UPDATE SET
			status = EXCLUDED.status,
			latency_ms = EXCLUDED.latency_ms,
			status_code = EXCLUDED.status_code,
			error_msg = EXCLUDED.error_msg,
			response_content = EXCLUDED.response_content,
			checked_at = EXCLUDED.checked_at
	`
	if _, err := tx.Exec(ctx, upsert,
		rec.ModelID, rec.Kind, rec.Status, rec.LatencyMs,
		rec.StatusCode, rec.ErrorMsg, rec.ResponseContent, now,
	); err != nil {
		return nil, err
	}

	logInsert := `
		INSERT INTO check_logs (model_id, endpoint_kind, status, latency_ms, status_code, error_msg, response_content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := tx.Exec(ctx, logInsert,
		rec.ModelID, rec.Kind, rec.Status, rec.LatencyMs,
		rec.StatusCode, rec.ErrorMsg, rec.ResponseContent, now,
	); err != nil {
		return nil, err
	}

	// Re-derive aggregate health from every endpoint row, read while the
	// model row lock is held.
	rows, err := tx.Query(ctx, `SELECT status FROM model_endpoints WHERE model_id = $1`, rec.ModelID)
	if err != nil {
		return nil, err
	}
	var statuses []EndpointStatus
	for rows.Next() {
		var st EndpointStatus
		if err := rows.Scan(&st); err != nil {
			rows.Close()
			return nil, err
		}
		statuses = append(statuses, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	health, last := DeriveHealth(statuses)

	update := `
		UPDATE models
		SET health_status = $2, last_status = $3, last_latency_ms = $4, last_checked_at = $5
		WHERE id = $1
		RETURNING id, channel_id, model_name, health_status, last_status, last_latency_ms, last_checked_at, channel_key_id, created_at
	`
	var m Model
	err = tx.QueryRow(ctx, update, rec.ModelID, health, last, rec.LatencyMs, now).Scan(
		&m.ID, &m.ChannelID, &m.ModelName, &m.HealthStatus, &m.LastStatus,
		&m.LastLatencyMs, &m.LastCheckedAt, &m.ChannelKeyID, &m.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrModelNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) LoadSchedulerConfig(ctx context.Context) (*SchedulerConfig, error) {
	query := `
		SELECT enabled, cron_expression, timezone, channel_concurrency, max_global_concurrency,
		       min_jitter_ms, max_jitter_ms, detect_all_channels, selected_channel_ids, selected_model_ids
		FROM scheduler_configs WHERE id = 'default'
	`
	var (
		cfg         SchedulerConfig
		selChannels []byte
		selModels   []byte
	)
	err := s.pool.QueryRow(ctx, query).Scan(
		&cfg.Enabled, &cfg.CronExpression, &cfg.Timezone,
		&cfg.ChannelConcurrency, &cfg.MaxGlobalConcurrency,
		&cfg.MinJitterMs, &cfg.MaxJitterMs, &cfg.DetectAllChannels,
		&selChannels, &selModels,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultSchedulerConfig(), nil
	}
	if err != nil {
		return nil, err
	}
	if len(selChannels) > 0 {
		if err := json.Unmarshal(selChannels, &cfg.SelectedChannelIDs); err != nil {
			return nil, err
		}
	}
	if len(selModels) > 0 {
		if err := json.Unmarshal(selModels, &cfg.SelectedModelIDs); err != nil {
			return nil, err
		}
	}
	cfg.Normalize()
	return &cfg, nil
}

func (s *PostgresStore) UpsertSchedulerConfig(ctx context.Context, cfg *SchedulerConfig) error {
	cfg.Normalize()
	selChannels, err := json.Marshal(cfg.SelectedChannelIDs)
	if err != nil {
		return err
	}
	selModels, err := json.Marshal(cfg.SelectedModelIDs)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO scheduler_configs (id, enabled, cron_expression, timezone, channel_concurrency, max_global_concurrency,
		                               min_jitter_ms, max_jitter_ms, detect_all_channels, selected_channel_ids, selected_model_ids, updated_at)
		VALUES ('default', $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			cron_expression = EXCLUDED.cron_expression,
			timezone = EXCLUDED.timezone,
			channel_concurrency = EXCLUDED.channel_concurrency,
			max_global_concurrency = EXCLUDED.max_global_concurrency,
			min_jitter_ms = EXCLUDED.min_jitter_ms,
			max_jitter_ms = EXCLUDED.max_jitter_ms,
			detect_all_channels = EXCLUDED.detect_all_channels,
			selected_channel_ids = EXCLUDED.selected_channel_ids,
			selected_model_ids = EXCLUDED.selected_model_ids,
			updated_at = NOW()
	`
	_, err = s.pool.Exec(ctx, query,
		cfg.Enabled, cfg.CronExpression, cfg.Timezone,
		cfg.ChannelConcurrency, cfg.MaxGlobalConcurrency,
		cfg.MinJitterMs, cfg.MaxJitterMs, cfg.DetectAllChannels,
		selChannels, selModels,
	)
	return err
}

func (s *PostgresStore) PurgeCheckLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM check_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ListModelsForSync(ctx context.Context, channelID int64) ([]*Model, error) {
	return s.ListChannelModels(ctx, channelID)
}

func (s *PostgresStore) ReplaceOrAddModels(ctx context.Context, channelID int64, names []string) (int, error) {
	if len(names) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	added := 0
	query := `
		INSERT INTO models (channel_id, model_name, health_status, created_at)
		VALUES ($1, $2, 'unknown', NOW())
		ON CONFLICT (channel_id, model_name) DO NOTHING
	`
	for _, name := range names {
		if name == "" {
			continue
		}
		tag, err := tx.Exec(ctx, query, channelID, name)
		if err != nil {
			return 0, err
		}
		added += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return added, nil
}
