package database

import (
	"context"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS scaling_groups (
	name                 text PRIMARY KEY,
	prioritizer          text NOT NULL DEFAULT 'fifo',
	agent_strategy       text NOT NULL DEFAULT 'dispersed',
	pending_timeout_secs bigint NOT NULL DEFAULT 0,
	allowed_entities     jsonb NOT NULL DEFAULT '[]',
	max_sessions_per_key int NOT NULL DEFAULT 0,
	entity_slot_limits   jsonb NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS sessions (
	id              uuid PRIMARY KEY,
	access_key      text NOT NULL,
	entity_id       text NOT NULL,
	scaling_group   text NOT NULL REFERENCES scaling_groups (name),
	cluster_mode    text NOT NULL DEFAULT 'single-node',
	status          text NOT NULL DEFAULT 'PENDING',
	requested_slots jsonb NOT NULL DEFAULT '{}',
	priority        int NOT NULL DEFAULT 0,
	retries         int NOT NULL DEFAULT 0,
	status_data     jsonb,
	enqueued_at     timestamptz NOT NULL DEFAULT now(),
	updated_at      timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_sessions_group_status ON sessions (scaling_group, status);

CREATE TABLE IF NOT EXISTS kernels (
	id             uuid PRIMARY KEY,
	session_id     uuid NOT NULL REFERENCES sessions (id),
	image          text NOT NULL DEFAULT '',
	architecture   text NOT NULL DEFAULT '',
	slots          jsonb NOT NULL DEFAULT '{}',
	required_ports int[] NOT NULL DEFAULT '{}',
	agent_id       text,
	agent_addr     text,
	reserved_ports int[] NOT NULL DEFAULT '{}',
	status         text NOT NULL DEFAULT 'PENDING'
);
CREATE INDEX IF NOT EXISTS idx_kernels_session ON kernels (session_id);

CREATE TABLE IF NOT EXISTS agents (
	id              text PRIMARY KEY,
	addr            text NOT NULL,
	architecture    text NOT NULL DEFAULT '',
	scaling_group   text NOT NULL REFERENCES scaling_groups (name),
	schedulable     boolean NOT NULL DEFAULT true,
	available_slots jsonb NOT NULL DEFAULT '{}',
	occupied_slots  jsonb NOT NULL DEFAULT '{}',
	container_count int NOT NULL DEFAULT 0,
	occupied_ports  int[] NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_agents_group ON agents (scaling_group);

CREATE TABLE IF NOT EXISTS fair_share_specs (
	scaling_group    text NOT NULL,
	entity_id        text NOT NULL,
	weight           double precision NOT NULL DEFAULT 1,
	half_life_days   double precision NOT NULL DEFAULT 7,
	lookback_days    int NOT NULL DEFAULT 28,
	decay_unit_days  double precision NOT NULL DEFAULT 1,
	resource_weights jsonb NOT NULL DEFAULT '{}',
	PRIMARY KEY (scaling_group, entity_id)
);

CREATE TABLE IF NOT EXISTS usage_buckets (
	id               bigserial PRIMARY KEY,
	entity_id        text NOT NULL,
	bucketed_at      timestamptz NOT NULL,
	slot_name        text NOT NULL,
	amount           double precision NOT NULL,
	duration_seconds double precision NOT NULL DEFAULT 0,
	capacity         double precision NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_buckets_entity ON usage_buckets (entity_id, bucketed_at);

CREATE TABLE IF NOT EXISTS images (
	scaling_group text NOT NULL,
	name          text NOT NULL,
	architecture  text NOT NULL DEFAULT '',
	PRIMARY KEY (scaling_group, name, architecture)
);
`

// Migrate creates the schema if it does not exist yet. Statements are
// idempotent so running it on every startup is safe.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	log.Info("applying database schema")
	err := db.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, schema)
		return err
	})
	return errors.WithStack(err)
}
