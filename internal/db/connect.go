package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open opens a DB and ensures schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*sql.DB, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite" // modernc driver
		if dsn == "" {
			dsn = "file:rostersync.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx" // pgx stdlib driver
		if dsn == "" {
			dsn = "postgres://localhost:5432/rostersync?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	if err := ensureSchema(ctx, db, driver); err != nil {
		return nil, err
	}
	return db, nil
}

func ensureSchema(ctx context.Context, db *sql.DB, driver Driver) error {
	var schema string
	switch driver {
	case DriverSQLite:
		schema = schemaSQLite
	case DriverPostgres:
		schema = schemaPostgres
	}
	_, err := db.ExecContext(ctx, schema)
	return err
}

const schemaSQLite = `
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS registrations (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  client_id TEXT NOT NULL,
  issuer TEXT NOT NULL DEFAULT '',
  auth_login_url TEXT NOT NULL DEFAULT '',
  jwks_url TEXT NOT NULL DEFAULT '',
  auth_token_url TEXT NOT NULL DEFAULT '',
  openid_configuration TEXT
);

CREATE TABLE IF NOT EXISTS lti_classes (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  registration_id INTEGER NOT NULL REFERENCES registrations(id),
  context_memberships_url TEXT,
  resource_link_id TEXT,
  class_id INTEGER,
  setup_user_id INTEGER,
  last_synced INTEGER,                 -- unix seconds
  last_sync_error TEXT,
  lti_status TEXT NOT NULL DEFAULT 'PENDING'
);

CREATE TABLE IF NOT EXISTS class_roles (
  class_id INTEGER NOT NULL,
  email TEXT NOT NULL,
  display_name TEXT NOT NULL DEFAULT '',
  sso_provider_id INTEGER,
  sso_identifier TEXT,
  sso_tenant TEXT,
  is_admin INTEGER NOT NULL DEFAULT 0,
  is_teacher INTEGER NOT NULL DEFAULT 0,
  is_student INTEGER NOT NULL DEFAULT 0,
  granted_by INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY (class_id, email)
);

CREATE TABLE IF NOT EXISTS login_providers (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS signing_keys (
  kid TEXT PRIMARY KEY,
  alg TEXT NOT NULL DEFAULT 'RS256',
  private_key_pem TEXT NOT NULL,
  active INTEGER NOT NULL DEFAULT 1,
  created_at INTEGER NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS registrations (
  id BIGSERIAL PRIMARY KEY,
  client_id TEXT NOT NULL,
  issuer TEXT NOT NULL DEFAULT '',
  auth_login_url TEXT NOT NULL DEFAULT '',
  jwks_url TEXT NOT NULL DEFAULT '',
  auth_token_url TEXT NOT NULL DEFAULT '',
  openid_configuration TEXT
);

CREATE TABLE IF NOT EXISTS lti_classes (
  id BIGSERIAL PRIMARY KEY,
  registration_id BIGINT NOT NULL REFERENCES registrations(id),
  context_memberships_url TEXT,
  resource_link_id TEXT,
  class_id BIGINT,
  setup_user_id BIGINT,
  last_synced BIGINT,
  last_sync_error TEXT,
  lti_status TEXT NOT NULL DEFAULT 'PENDING'
);

CREATE TABLE IF NOT EXISTS class_roles (
  class_id BIGINT NOT NULL,
  email TEXT NOT NULL,
  display_name TEXT NOT NULL DEFAULT '',
  sso_provider_id BIGINT,
  sso_identifier TEXT,
  sso_tenant TEXT,
  is_admin BOOLEAN NOT NULL DEFAULT FALSE,
  is_teacher BOOLEAN NOT NULL DEFAULT FALSE,
  is_student BOOLEAN NOT NULL DEFAULT FALSE,
  granted_by BIGINT NOT NULL,
  updated_at BIGINT NOT NULL,
  PRIMARY KEY (class_id, email)
);

CREATE TABLE IF NOT EXISTS login_providers (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS signing_keys (
  kid TEXT PRIMARY KEY,
  alg TEXT NOT NULL DEFAULT 'RS256',
  private_key_pem TEXT NOT NULL,
  active BOOLEAN NOT NULL DEFAULT TRUE,
  created_at BIGINT NOT NULL
);
`
