// Package postgres implements resultstore.Provider on PostgreSQL for
// deployments where results are shared across hosts.
//
// The Provider accepts an externally-owned *pgxpool.Pool; the caller
// controls pool sizing and lifetime. Close is a no-op on the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/showrun/showrun/resultstore"
)

// Provider stores one row per result key, with JSONB columns for inputs,
// collectibles, and meta.
type Provider struct {
	pool *pgxpool.Pool
}

var _ resultstore.Provider = (*Provider)(nil)

// New creates a Provider using an existing pgxpool.Pool.
func New(pool *pgxpool.Pool) *Provider {
	return &Provider{pool: pool}
}

// Init creates the results table.
func (p *Provider) Init(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS results (
		key TEXT PRIMARY KEY,
		pack_id TEXT NOT NULL,
		tool_name TEXT NOT NULL DEFAULT '',
		inputs JSONB NOT NULL,
		collectibles JSONB NOT NULL,
		collectible_schema JSONB,
		meta JSONB,
		version INTEGER NOT NULL,
		ran_at TIMESTAMPTZ,
		stored_at TIMESTAMPTZ NOT NULL
	)`
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
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

func (p *Provider) Store(ctx context.Context, r resultstore.StoredResult) (resultstore.StoredResult, error) {
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

	err = p.pool.QueryRow(ctx, `
		INSERT INTO results (key, pack_id, tool_name, inputs, collectibles, collectible_schema, meta, version, ran_at, stored_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9)
		ON CONFLICT (key) DO UPDATE SET
			pack_id = EXCLUDED.pack_id,
			tool_name = EXCLUDED.tool_name,
			inputs = EXCLUDED.inputs,
			collectibles = EXCLUDED.collectibles,
			collectible_schema = EXCLUDED.collectible_schema,
			meta = EXCLUDED.meta,
			version = results.version + 1,
			ran_at = EXCLUDED.ran_at,
			stored_at = EXCLUDED.stored_at
		RETURNING version`,
		r.Key, r.PackID, r.ToolName, inputs, collectibles, schema, meta, r.RanAt, r.StoredAt).Scan(&r.Version)
	if err != nil {
		return resultstore.StoredResult{}, fmt.Errorf("store result: %w", err)
	}
	return r, nil
}

func (p *Provider) Get(ctx context.Context, key string) (*resultstore.StoredResult, bool, error) {
	var r resultstore.StoredResult
	var inputs, collectibles []byte
	var schema, meta []byte
	err := p.pool.QueryRow(ctx, `
		SELECT key, pack_id, tool_name, inputs, collectibles, collectible_schema, meta, version, ran_at, stored_at
		FROM results WHERE key = $1`, key).
		Scan(&r.Key, &r.PackID, &r.ToolName, &inputs, &collectibles, &schema, &meta, &r.Version, &r.RanAt, &r.StoredAt)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get result: %w", err)
	}
	if err := json.Unmarshal(inputs, &r.Inputs); err != nil {
		return nil, false, fmt.Errorf("decode inputs: %w", err)
	}
	if err := json.Unmarshal(collectibles, &r.Collectibles); err != nil {
		return nil, false, fmt.Errorf("decode collectibles: %w", err)
	}
	if len(schema) > 0 && string(schema) != "null" {
		if err := json.Unmarshal(schema, &r.CollectibleSchema); err != nil {
			return nil, false, fmt.Errorf("decode collectible schema: %w", err)
		}
	}
	if len(meta) > 0 && string(meta) != "null" {
		if err := json.Unmarshal(meta, &r.Meta); err != nil {
			return nil, false, fmt.Errorf("decode meta: %w", err)
		}
	}
	r.RanAt = r.RanAt.UTC()
	r.StoredAt = r.StoredAt.UTC()
	return &r, true, nil
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
	limit := "ALL"
	if opts.Limit > 0 {
		limit = fmt.Sprintf("%d", opts.Limit)
	}
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`
		SELECT key, pack_id, version, stored_at FROM results
		ORDER BY %s %s LIMIT %s OFFSET $1`, col, dir, limit), opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []resultstore.Summary
	for rows.Next() {
		var s resultstore.Summary
		if err := rows.Scan(&s.Key, &s.PackID, &s.Version, &s.StoredAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		s.StoredAt = s.StoredAt.UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Provider) Delete(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM results WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete result: %w", err)
	}
	return nil
}

// Filter fetches the record and runs the shared in-process pipeline. JSONB
// could answer simple projections server-side, but JMESPath cannot be
// pushed down, so everything goes through ApplyFilter for identical
// semantics across providers.
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

// Close releases nothing: the pool is externally owned.
func (p *Provider) Close() error { return nil }
