// Package sqlite implements resultstore.Provider on a single-file SQLite
// database in the pack directory. Zero CGO required; results survive
// restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/showrun/showrun/resultstore"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// ProviderOption configures a SQLite Provider.
type ProviderOption func(*Provider)

// WithLogger sets a structured logger for the provider. When set, the
// provider emits debug logs for every operation including timing and key
// parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}

// Provider stores one row per result key. Collectibles, inputs, and meta
// are stored as JSON text; filtering decodes and delegates to the shared
// pipeline.
type Provider struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ resultstore.Provider = (*Provider)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New opens the database at dbPath. A single shared connection serializes
// writers, eliminating SQLITE_BUSY from concurrent runs storing results.
func New(dbPath string, opts ...ProviderOption) *Provider {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	p := &Provider{db: db, logger: nopLogger}
	for _, o := range opts {
		o(p)
	}
	p.logger.Debug("sqlite: result store opened", "path", dbPath)
	return p
}

// Init enables WAL journaling and creates the results table.
func (p *Provider) Init(ctx context.Context) error {
	start := time.Now()
	if _, err := p.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	ddl := `CREATE TABLE IF NOT EXISTS results (
		key TEXT PRIMARY KEY,
		pack_id TEXT NOT NULL,
		tool_name TEXT NOT NULL DEFAULT '',
		inputs TEXT NOT NULL,
		collectibles TEXT NOT NULL,
		collectible_schema TEXT,
		meta TEXT,
		version INTEGER NOT NULL,
		ran_at INTEGER NOT NULL DEFAULT 0,
		stored_at INTEGER NOT NULL
	)`
	if _, err := p.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	p.logger.Debug("sqlite: init done", "took", time.Since(start))
	return nil
}

func (p *Provider) Capabilities() []string {
	return []string{
		resultstore.CapGet,
		resultstore.CapStore,
		resultstore.CapList,
		resultstore.CapDelete,
		resultstore.CapFilter,
	}
}

// Store upserts the row; on conflict the version increments.
func (p *Provider) Store(ctx context.Context, r resultstore.StoredResult) (resultstore.StoredResult, error) {
	start := time.Now()
	inputs, err := json.Marshal(r.Inputs)
	if err != nil {
		return resultstore.StoredResult{}, fmt.Errorf("encode inputs: %w", err)
	}
	collectibles, err := json.Marshal(r.Collectibles)
	if err != nil {
		return resultstore.StoredResult{}, fmt.Errorf("encode collectibles: %w", err)
	}
	meta, err := json.Marshal(r.Meta)
	if err != nil {
		return resultstore.StoredResult{}, fmt.Errorf("encode meta: %w", err)
	}
	schema, err := json.Marshal(r.CollectibleSchema)
	if err != nil {
		return resultstore.StoredResult{}, fmt.Errorf("encode collectible schema: %w", err)
	}
	if r.StoredAt.IsZero() {
		r.StoredAt = time.Now().UTC()
	}

	row := p.db.QueryRowContext(ctx, `
		INSERT INTO results (key, pack_id, tool_name, inputs, collectibles, collectible_schema, meta, version, ran_at, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			pack_id = excluded.pack_id,
			tool_name = excluded.tool_name,
			inputs = excluded.inputs,
			collectibles = excluded.collectibles,
			collectible_schema = excluded.collectible_schema,
			meta = excluded.meta,
			version = results.version + 1,
			ran_at = excluded.ran_at,
			stored_at = excluded.stored_at
		RETURNING version`,
		r.Key, r.PackID, r.ToolName, string(inputs), string(collectibles), string(schema), string(meta), r.RanAt.Unix(), r.StoredAt.Unix())
	if err := row.Scan(&r.Version); err != nil {
		return resultstore.StoredResult{}, fmt.Errorf("store result: %w", err)
	}
	p.logger.Debug("sqlite: result stored", "key", r.Key, "version", r.Version, "took", time.Since(start))
	return r, nil
}

func (p *Provider) Get(ctx context.Context, key string) (*resultstore.StoredResult, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT key, pack_id, tool_name, inputs, collectibles, collectible_schema, meta, version, ran_at, stored_at
		FROM results WHERE key = ?`, key)
	r, err := scanResult(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get result: %w", err)
	}
	return r, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (*resultstore.StoredResult, error) {
	var r resultstore.StoredResult
	var inputs, collectibles string
	var schema, meta sql.NullString
	var ranAt, storedAt int64
	if err := row.Scan(&r.Key, &r.PackID, &r.ToolName, &inputs, &collectibles, &schema, &meta, &r.Version, &ranAt, &storedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(inputs), &r.Inputs); err != nil {
		return nil, fmt.Errorf("decode inputs: %w", err)
	}
	if err := json.Unmarshal([]byte(collectibles), &r.Collectibles); err != nil {
		return nil, fmt.Errorf("decode collectibles: %w", err)
	}
	if schema.Valid && schema.String != "" && schema.String != "null" {
		if err := json.Unmarshal([]byte(schema.String), &r.CollectibleSchema); err != nil {
			return nil, fmt.Errorf("decode collectible schema: %w", err)
		}
	}
	if meta.Valid && meta.String != "" && meta.String != "null" {
		if err := json.Unmarshal([]byte(meta.String), &r.Meta); err != nil {
			return nil, fmt.Errorf("decode meta: %w", err)
		}
	}
	r.RanAt = time.Unix(ranAt, 0).UTC()
	r.StoredAt = time.Unix(storedAt, 0).UTC()
	return &r, nil
}

var listColumns = map[string]string{
	"":         "stored_at",
	"storedAt": "stored_at",
	"packId":   "pack_id",
	"key":      "key",
}

func (p *Provider) List(ctx context.Context, opts resultstore.ListOptions) ([]resultstore.Summary, error) {
	col, ok := listColumns[opts.SortBy]
	if !ok {
		col = "stored_at"
	}
	dir := "DESC"
	if strings.EqualFold(opts.SortDir, "asc") {
		dir = "ASC"
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT key, pack_id, version, stored_at FROM results
		ORDER BY %s %s LIMIT ? OFFSET ?`, col, dir), limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []resultstore.Summary
	for rows.Next() {
		var s resultstore.Summary
		var storedAt int64
		if err := rows.Scan(&s.Key, &s.PackID, &s.Version, &storedAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		s.StoredAt = time.Unix(storedAt, 0).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Provider) Delete(ctx context.Context, key string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM results WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete result: %w", err)
	}
	return nil
}

// Filter fetches the record and runs the shared in-process pipeline; the
// schema stores collectibles as opaque JSON, so there is no server-side
// JMESPath.
func (p *Provider) Filter(ctx context.Context, opts resultstore.FilterOptions) (*resultstore.FilterResult, error) {
	r, ok, err := p.Get(ctx, opts.Key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return resultstore.ApplyFilter(r.Collectibles, opts)
}

func (p *Provider) Close() error { return p.db.Close() }
