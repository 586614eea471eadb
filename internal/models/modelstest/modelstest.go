// Package modelstest provides a sqlite-backed store for tests.
package modelstest

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"reportdesk/internal/models"
)

// Schema mirrors the production tables in sqlite dialect.
const Schema = `
CREATE TABLE report_type (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type_name TEXT NOT NULL,
	user_id INTEGER
);
CREATE TABLE report_name (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type_id INTEGER NOT NULL,
	report_name TEXT NOT NULL,
	user_id INTEGER,
	storage_dir TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX ux_report_scope ON report_name (type_id, report_name, COALESCE(user_id, 0));
CREATE TABLE report_catalogue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type_id INTEGER NOT NULL,
	report_name_id INTEGER NOT NULL,
	catalogue_name TEXT NOT NULL,
	level INTEGER NOT NULL,
	sort_order INTEGER NOT NULL,
	parent_id INTEGER NOT NULL DEFAULT 0,
	file_name TEXT NOT NULL
);
CREATE TABLE report_merged_record (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type_id INTEGER NOT NULL,
	report_name_id INTEGER NOT NULL,
	merged_name TEXT NOT NULL,
	file_path TEXT NOT NULL,
	user_id INTEGER,
	created_at TIMESTAMP NOT NULL
);
`

// NewStore opens a fresh sqlite database in the test's temp directory.
func NewStore(tb testing.TB) *models.Store {
	tb.Helper()
	db, err := sql.Open("sqlite", filepath.Join(tb.TempDir(), "store.db"))
	if err != nil {
		tb.Fatalf("open test database: %v", err)
	}
	tb.Cleanup(func() { db.Close() })
	if _, err := db.Exec(Schema); err != nil {
		tb.Fatalf("create test schema: %v", err)
	}
	return models.NewStore(db)
}
