package datastore

// Timestamps are stored as unix seconds in both dialects; token payloads
// carry expiry at the same resolution.

var sqliteMigrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS qr_sessions (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				token_hash    TEXT    NOT NULL CHECK(length(token_hash) > 0),
				nonce         TEXT    NOT NULL CHECK(length(nonce) > 0),
				type          TEXT    NOT NULL CHECK(type IN ('check_in', 'check_out')),
				generated_by  INTEGER NOT NULL,
				expires_at    INTEGER NOT NULL,
				status        TEXT    NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'consumed', 'expired', 'revoked')),
				consumed_by   INTEGER,
				consumed_at   INTEGER,
				attendance_id INTEGER,
				metadata      TEXT    NOT NULL DEFAULT '{}',
				created_at    INTEGER NOT NULL,
				updated_at    INTEGER NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS qr_sessions_nonce_key ON qr_sessions (nonce)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS qr_sessions_token_hash_key ON qr_sessions (token_hash)`,
			`CREATE INDEX IF NOT EXISTS qr_sessions_status_expires_idx ON qr_sessions (status, expires_at)`,
			`CREATE INDEX IF NOT EXISTS qr_sessions_issuer_idx ON qr_sessions (generated_by, type, status)`,
		},
	},
	{
		version: 2,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS attendances (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id       INTEGER NOT NULL,
				check_in_at   INTEGER NOT NULL,
				check_out_at  INTEGER,
				source        TEXT    NOT NULL DEFAULT 'qr',
				qr_session_id INTEGER
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS attendances_open_user_key ON attendances (user_id) WHERE check_out_at IS NULL`,
			`CREATE INDEX IF NOT EXISTS attendances_user_idx ON attendances (user_id, check_in_at)`,
		},
	},
	{
		version: 3,
		statements: []string{
			// Keep only the newest active session per issuer and intent so
			// the unique index below can be built on existing data.
			`UPDATE qr_sessions SET status = 'revoked'
				WHERE status = 'active' AND id NOT IN (
					SELECT MAX(id) FROM qr_sessions WHERE status = 'active' GROUP BY generated_by, type
				)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS qr_sessions_active_issuer_key ON qr_sessions (generated_by, type) WHERE status = 'active'`,
		},
	},
}

var postgresMigrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS qr_sessions (
				id            BIGSERIAL PRIMARY KEY,
				token_hash    TEXT    NOT NULL CHECK(length(token_hash) > 0),
				nonce         TEXT    NOT NULL CHECK(length(nonce) > 0),
				type          TEXT    NOT NULL CHECK(type IN ('check_in', 'check_out')),
				generated_by  BIGINT  NOT NULL,
				expires_at    BIGINT  NOT NULL,
				status        TEXT    NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'consumed', 'expired', 'revoked')),
				consumed_by   BIGINT,
				consumed_at   BIGINT,
				attendance_id BIGINT,
				metadata      TEXT    NOT NULL DEFAULT '{}',
				created_at    BIGINT  NOT NULL,
				updated_at    BIGINT  NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS qr_sessions_nonce_key ON qr_sessions (nonce)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS qr_sessions_token_hash_key ON qr_sessions (token_hash)`,
			`CREATE INDEX IF NOT EXISTS qr_sessions_status_expires_idx ON qr_sessions (status, expires_at)`,
			`CREATE INDEX IF NOT EXISTS qr_sessions_issuer_idx ON qr_sessions (generated_by, type, status)`,
		},
	},
	{
		version: 2,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS attendances (
				id            BIGSERIAL PRIMARY KEY,
				user_id       BIGINT NOT NULL,
				check_in_at   BIGINT NOT NULL,
				check_out_at  BIGINT,
				source        TEXT   NOT NULL DEFAULT 'qr',
				qr_session_id BIGINT
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS attendances_open_user_key ON attendances (user_id) WHERE check_out_at IS NULL`,
			`CREATE INDEX IF NOT EXISTS attendances_user_idx ON attendances (user_id, check_in_at)`,
		},
	},
	{
		version: 3,
		statements: []string{
			// Keep only the newest active session per issuer and intent so
			// the unique index below can be built on existing data.
			`UPDATE qr_sessions SET status = 'revoked'
				WHERE status = 'active' AND id NOT IN (
					SELECT MAX(id) FROM qr_sessions WHERE status = 'active' GROUP BY generated_by, type
				)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS qr_sessions_active_issuer_key ON qr_sessions (generated_by, type) WHERE status = 'active'`,
		},
	},
}
