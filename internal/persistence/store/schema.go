package store

import (
	"github.com/jmoiron/sqlx"
)

func migrate(db *sqlx.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS worlds (
			world_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			seed INTEGER NOT NULL,
			generator_version TEXT NOT NULL,
			current_tick INTEGER NOT NULL DEFAULT 0 CHECK (current_tick >= 0),
			tick_unit_ms INTEGER NOT NULL CHECK (tick_unit_ms > 0),
			status TEXT NOT NULL CHECK (status IN ('CREATED','RUNNING','PAUSED','ARCHIVED')),
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_worlds_status ON worlds(status);`,
		`CREATE INDEX IF NOT EXISTS idx_worlds_created_at ON worlds(created_at);`,

		// The log. (world_id, tick, seq_in_tick) is the total order.
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			world_id TEXT NOT NULL REFERENCES worlds(world_id) ON DELETE CASCADE,
			tick INTEGER NOT NULL CHECK (tick >= 0),
			seq_in_tick INTEGER NOT NULL CHECK (seq_in_tick >= 0),
			event_type TEXT NOT NULL,
			schema_version INTEGER NOT NULL CHECK (schema_version >= 1),
			payload_json TEXT NOT NULL,
			actor_id TEXT,
			target_id TEXT,
			x INTEGER,
			y INTEGER,
			caused_by TEXT REFERENCES events(event_id),
			created_at TEXT NOT NULL,
			UNIQUE (world_id, tick, seq_in_tick)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(world_id, event_type, tick);`,
		`CREATE INDEX IF NOT EXISTS idx_events_actor ON events(world_id, actor_id, tick);`,
		`CREATE INDEX IF NOT EXISTS idx_events_target ON events(world_id, target_id, tick);`,
		`CREATE INDEX IF NOT EXISTS idx_events_caused_by ON events(caused_by);`,

		// Entities named by the log, written in the same transaction as the event
		// that introduced them.
		`CREATE TABLE IF NOT EXISTS entities (
			world_id TEXT NOT NULL REFERENCES worlds(world_id) ON DELETE CASCADE,
			entity_id TEXT NOT NULL,
			introduced_by TEXT NOT NULL REFERENCES events(event_id) ON DELETE CASCADE,
			tick INTEGER NOT NULL,
			PRIMARY KEY (world_id, entity_id)
		);`,

		`CREATE TABLE IF NOT EXISTS snapshots (
			snapshot_id TEXT PRIMARY KEY,
			world_id TEXT NOT NULL REFERENCES worlds(world_id) ON DELETE CASCADE,
			tick INTEGER NOT NULL CHECK (tick >= 0),
			format INTEGER NOT NULL,
			world_state BLOB NOT NULL,
			map_ref TEXT,
			created_at TEXT NOT NULL,
			UNIQUE (world_id, tick)
		);`,
		`CREATE TABLE IF NOT EXISTS agent_snapshots (
			snapshot_id TEXT NOT NULL REFERENCES snapshots(snapshot_id) ON DELETE CASCADE,
			agent_id TEXT NOT NULL,
			agent_state BLOB NOT NULL,
			PRIMARY KEY (snapshot_id, agent_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_snapshots_agent ON agent_snapshots(agent_id, snapshot_id);`,

		// Projection tables. Derived entirely from the log.
		`CREATE TABLE IF NOT EXISTS agents (
			world_id TEXT NOT NULL REFERENCES worlds(world_id) ON DELETE CASCADE,
			agent_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			capabilities_json TEXT NOT NULL DEFAULT '[]',
			x INTEGER NOT NULL DEFAULT 0,
			y INTEGER NOT NULL DEFAULT 0,
			birth_tick INTEGER NOT NULL,
			death_tick INTEGER,
			state_json TEXT,
			updated_tick INTEGER NOT NULL,
			PRIMARY KEY (world_id, agent_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_agents_pos ON agents(world_id, x, y);`,
		`CREATE INDEX IF NOT EXISTS idx_agents_death ON agents(world_id, death_tick);`,
		`CREATE TABLE IF NOT EXISTS relationships (
			world_id TEXT NOT NULL REFERENCES worlds(world_id) ON DELETE CASCADE,
			a_agent_id TEXT NOT NULL,
			b_agent_id TEXT NOT NULL,
			affinity REAL NOT NULL DEFAULT 0,
			trust REAL NOT NULL DEFAULT 0,
			hostility REAL NOT NULL DEFAULT 0,
			familiarity REAL NOT NULL DEFAULT 0,
			last_tick INTEGER NOT NULL DEFAULT 0,
			meta_json TEXT,
			PRIMARY KEY (world_id, a_agent_id, b_agent_id),
			FOREIGN KEY (world_id, a_agent_id) REFERENCES agents(world_id, agent_id) ON DELETE CASCADE,
			FOREIGN KEY (world_id, b_agent_id) REFERENCES agents(world_id, agent_id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_relationships_b ON relationships(world_id, b_agent_id);`,
		`CREATE TABLE IF NOT EXISTS world_vars (
			world_id TEXT NOT NULL REFERENCES worlds(world_id) ON DELETE CASCADE,
			key TEXT NOT NULL,
			value_json TEXT NOT NULL,
			PRIMARY KEY (world_id, key)
		);`,
		`CREATE TABLE IF NOT EXISTS projection_cursors (
			world_id TEXT PRIMARY KEY REFERENCES worlds(world_id) ON DELETE CASCADE,
			has_last INTEGER NOT NULL DEFAULT 0,
			last_tick INTEGER NOT NULL DEFAULT 0,
			last_seq INTEGER NOT NULL DEFAULT 0,
			applied INTEGER NOT NULL DEFAULT 0,
			failures INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			stalled INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS world_maps (
			world_id TEXT PRIMARY KEY REFERENCES worlds(world_id) ON DELETE CASCADE,
			format TEXT NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			data_blob BLOB NOT NULL,
			checksum TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS world_tiles (
			world_id TEXT NOT NULL REFERENCES worlds(world_id) ON DELETE CASCADE,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			terrain_type INTEGER NOT NULL DEFAULT 0,
			is_blocked INTEGER NOT NULL DEFAULT 0,
			resource_type INTEGER NOT NULL DEFAULT 0,
			resource_amount INTEGER NOT NULL DEFAULT 0,
			meta_json TEXT,
			PRIMARY KEY (world_id, x, y)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_world_tiles_resource ON world_tiles(world_id, resource_type);`,
		`CREATE INDEX IF NOT EXISTS idx_world_tiles_terrain ON world_tiles(world_id, terrain_type);`,

		`INSERT INTO meta(key, value) VALUES('schema_version', '` + SchemaVersion + `')
			ON CONFLICT(key) DO NOTHING;`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}
