package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"polychat/internal/config"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Supported dialect names.
const (
	SQLite   = "sqlite3"
	MySQL    = "mysql"
	Postgres = "postgres"
)

// Dialect normalizes a configured driver name.
func Dialect(driver string) string {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return SQLite
	case "mysql":
		return MySQL
	case "postgres", "postgresql", "pgx":
		return Postgres
	default:
		return strings.ToLower(driver)
	}
}

// Open connects to the configured database and verifies the connection.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch Dialect(dbType) {
	case SQLite:
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// a single connection keeps :memory: databases shared and serializes writers
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case MySQL:
		dsn := dbCfg.DSN
		if dsn == "" {
			params := dbCfg.Params
			if !strings.Contains(params, "parseTime") {
				params = strings.TrimPrefix(params+"&parseTime=true", "&")
			}
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
				params,
			)
		}
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	case Postgres:
		dsn := dbCfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
			)
			if dbCfg.Params != "" {
				dsn += "?" + dbCfg.Params
			}
		}
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Rebind rewrites `?` placeholders into the dialect's bind syntax.
func Rebind(driver, query string) string {
	if Dialect(driver) != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

var columnTypes = map[string]*strings.Replacer{
	SQLite: strings.NewReplacer(
		"{{pk_auto}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{bigint}}", "INTEGER",
		"{{key}}", "TEXT",
		"{{text}}", "TEXT",
		"{{time}}", "DATETIME",
		"{{bool}}", "BOOLEAN",
		"{{engine}}", "",
	),
	MySQL: strings.NewReplacer(
		"{{pk_auto}}", "BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY",
		"{{bigint}}", "BIGINT",
		"{{key}}", "VARCHAR(191)",
		"{{text}}", "MEDIUMTEXT",
		"{{time}}", "DATETIME(6)",
		"{{bool}}", "BOOLEAN",
		"{{engine}}", " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
	),
	Postgres: strings.NewReplacer(
		"{{pk_auto}}", "BIGSERIAL PRIMARY KEY",
		"{{bigint}}", "BIGINT",
		"{{key}}", "TEXT",
		"{{text}}", "TEXT",
		"{{time}}", "TIMESTAMPTZ",
		"{{bool}}", "BOOLEAN",
		"{{engine}}", "",
	),
}

var tables = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id {{pk_auto}},
		external_id {{key}} NOT NULL UNIQUE,
		email {{key}} NOT NULL DEFAULT '',
		temperature_unit VARCHAR(16) NOT NULL DEFAULT 'celsius',
		created_at {{time}} NOT NULL
	){{engine}}`,
	`CREATE TABLE IF NOT EXISTS chats (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		user_id {{bigint}} NOT NULL,
		title {{key}} NOT NULL,
		visibility VARCHAR(16) NOT NULL DEFAULT 'private',
		created_at {{time}} NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	){{engine}}`,
	`CREATE TABLE IF NOT EXISTS messages (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		chat_id VARCHAR(36) NOT NULL,
		role VARCHAR(16) NOT NULL,
		parts {{text}} NOT NULL,
		attachments {{text}} NOT NULL,
		model_id {{key}} NOT NULL DEFAULT '',
		created_at {{time}} NOT NULL,
		FOREIGN KEY (chat_id) REFERENCES chats(id) ON DELETE CASCADE
	){{engine}}`,
	`CREATE TABLE IF NOT EXISTS votes (
		chat_id VARCHAR(36) NOT NULL,
		message_id VARCHAR(36) NOT NULL,
		is_upvoted {{bool}} NOT NULL,
		PRIMARY KEY (chat_id, message_id),
		FOREIGN KEY (chat_id) REFERENCES chats(id) ON DELETE CASCADE,
		FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
	){{engine}}`,
	`CREATE TABLE IF NOT EXISTS documents (
		id VARCHAR(36) NOT NULL,
		created_at {{time}} NOT NULL,
		user_id {{bigint}} NOT NULL,
		title {{key}} NOT NULL,
		kind VARCHAR(16) NOT NULL,
		content {{text}} NOT NULL,
		PRIMARY KEY (id, created_at),
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	){{engine}}`,
	`CREATE TABLE IF NOT EXISTS suggestions (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		document_id VARCHAR(36) NOT NULL,
		document_created_at {{time}} NOT NULL,
		original_text {{text}} NOT NULL,
		suggested_text {{text}} NOT NULL,
		description {{text}} NOT NULL,
		is_resolved {{bool}} NOT NULL DEFAULT FALSE,
		user_id {{bigint}} NOT NULL,
		created_at {{time}} NOT NULL,
		FOREIGN KEY (document_id, document_created_at) REFERENCES documents(id, created_at) ON DELETE CASCADE
	){{engine}}`,
	`CREATE TABLE IF NOT EXISTS streams (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		chat_id VARCHAR(36) NOT NULL,
		created_at {{time}} NOT NULL,
		FOREIGN KEY (chat_id) REFERENCES chats(id) ON DELETE CASCADE
	){{engine}}`,
	`CREATE TABLE IF NOT EXISTS favourite_models (
		user_id {{bigint}} NOT NULL,
		model_id {{key}} NOT NULL,
		created_at {{time}} NOT NULL,
		PRIMARY KEY (user_id, model_id),
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	){{engine}}`,
	`CREATE TABLE IF NOT EXISTS uploads (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		user_id {{bigint}} NOT NULL,
		storage_key {{key}} NOT NULL,
		url {{text}} NOT NULL,
		name {{key}} NOT NULL,
		content_type {{key}} NOT NULL,
		size {{bigint}} NOT NULL,
		created_at {{time}} NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	){{engine}}`,
	`CREATE TABLE IF NOT EXISTS copilot_connections (
		user_id {{bigint}} NOT NULL PRIMARY KEY,
		status VARCHAR(16) NOT NULL,
		device_code {{text}} NOT NULL,
		user_code {{key}} NOT NULL,
		verification_uri {{text}} NOT NULL,
		poll_interval INTEGER NOT NULL,
		expires_at {{time}} NOT NULL,
		access_token {{text}} NOT NULL,
		connected_at {{time}} NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	){{engine}}`,
}

var indexes = []string{
	`CREATE INDEX idx_chats_user_created ON chats(user_id, created_at)`,
	`CREATE INDEX idx_messages_chat_created ON messages(chat_id, created_at)`,
	`CREATE INDEX idx_streams_chat_created ON streams(chat_id, created_at)`,
	`CREATE INDEX idx_suggestions_document ON suggestions(document_id, document_created_at)`,
	`CREATE INDEX idx_uploads_user ON uploads(user_id)`,
}

// mysqlDuplicateKeyName is returned by CREATE INDEX when the index exists.
const mysqlDuplicateKeyName = 1061

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	dialect := Dialect(driver)
	replacer, ok := columnTypes[dialect]
	if !ok {
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range tables {
		if _, err := db.Exec(replacer.Replace(stmt)); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	for _, stmt := range indexes {
		if dialect != MySQL {
			stmt = strings.Replace(stmt, "CREATE INDEX", "CREATE INDEX IF NOT EXISTS", 1)
		}
		if _, err := db.Exec(stmt); err != nil {
			var myErr *mysql.MySQLError
			if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateKeyName {
				continue
			}
			return fmt.Errorf("migrate index (%s): %w", driver, err)
		}
	}
	return nil
}
