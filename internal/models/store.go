package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so query helpers can run
// inside or outside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the SQL-backed catalogue store.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// WithTx runs fn inside a transaction, rolling back on error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// qb numbers placeholders in order of first use. Each argument gets its
// own placeholder, which keeps the queries portable across drivers.
type qb struct {
	args []any
	n    int
}

func (q *qb) add(v any) string {
	q.n++
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", q.n)
}

// ownerCond builds the owner-scope condition: NULL matches public rows.
func (q *qb) ownerCond(col string, owner *int64) string {
	if owner == nil {
		return col + " IS NULL"
	}
	return col + " = " + q.add(*owner)
}

// ownerOrPublicCond matches rows owned by the caller or public.
func (q *qb) ownerOrPublicCond(col string, owner *int64) string {
	if owner == nil {
		return col + " IS NULL"
	}
	return "(" + col + " IS NULL OR " + col + " = " + q.add(*owner) + ")"
}

func scanOwner(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func ownerArg(owner *int64) any {
	if owner == nil {
		return nil
	}
	return *owner
}

// GetOrCreateType resolves the type id within the owner's scope,
// creating the type when absent.
func (s *Store) GetOrCreateType(ctx context.Context, typeName string, owner *int64) (int64, error) {
	return getOrCreateType(ctx, s.db, typeName, owner)
}

// GetOrCreateTypeTx is GetOrCreateType inside a caller-managed transaction.
func (s *Store) GetOrCreateTypeTx(ctx context.Context, tx *sql.Tx, typeName string, owner *int64) (int64, error) {
	return getOrCreateType(ctx, tx, typeName, owner)
}

func getOrCreateType(ctx context.Context, ex dbtx, typeName string, owner *int64) (int64, error) {
	var q qb
	query := "SELECT id FROM report_type WHERE type_name = " + q.add(typeName) +
		" AND " + q.ownerCond("user_id", owner)
	var id int64
	err := ex.QueryRowContext(ctx, query, q.args...).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("query report type: %w", err)
	}
	var ins qb
	insert := "INSERT INTO report_type (type_name, user_id) VALUES (" +
		ins.add(typeName) + ", " + ins.add(ownerArg(owner)) + ") RETURNING id"
	if err := ex.QueryRowContext(ctx, insert, ins.args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert report type: %w", err)
	}
	return id, nil
}

// ReportExists reports whether a report with the given type name, report
// name and owner already exists. Used for pre-emptive duplicate checks.
func (s *Store) ReportExists(ctx context.Context, typeName, reportName string, owner *int64) (bool, error) {
	var q qb
	query := "SELECT r.id FROM report_name r JOIN report_type t ON r.type_id = t.id" +
		" WHERE t.type_name = " + q.add(typeName) +
		" AND r.report_name = " + q.add(reportName) +
		" AND " + q.ownerCond("r.user_id", owner) +
		" LIMIT 1"
	var id int64
	err := s.db.QueryRowContext(ctx, query, q.args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check report: %w", err)
	}
	return true, nil
}

// CreateReportTx inserts the report after re-checking for a duplicate
// inside the same transaction. A unique index on
// (type_id, report_name, coalesce(user_id, 0)) backs the check, so
// concurrent creators cannot both succeed. Sets ID and CreatedAt.
func (s *Store) CreateReportTx(ctx context.Context, tx *sql.Tx, r *Report) error {
	var q qb
	query := "SELECT id FROM report_name WHERE type_id = " + q.add(r.TypeID) +
		" AND report_name = " + q.add(r.ReportName) +
		" AND " + q.ownerCond("user_id", r.UserID)
	var existing int64
	err := tx.QueryRowContext(ctx, query, q.args...).Scan(&existing)
	if err == nil {
		return ErrDuplicateReport
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check report: %w", err)
	}
	r.CreatedAt = time.Now().UTC()
	var ins qb
	insert := "INSERT INTO report_name (type_id, report_name, user_id, storage_dir, created_at) VALUES (" +
		ins.add(r.TypeID) + ", " + ins.add(r.ReportName) + ", " + ins.add(ownerArg(r.UserID)) + ", " +
		ins.add(r.StorageDir) + ", " + ins.add(r.CreatedAt) + ") RETURNING id"
	if err := tx.QueryRowContext(ctx, insert, ins.args...).Scan(&r.ID); err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

const reportColumns = "r.id, r.type_id, t.type_name, r.report_name, r.user_id, r.storage_dir, r.created_at"

func scanReport(row *sql.Row) (Report, error) {
	var r Report
	var uid sql.NullInt64
	err := row.Scan(&r.ID, &r.TypeID, &r.TypeName, &r.ReportName, &uid, &r.StorageDir, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, ErrReportNotFound
	}
	if err != nil {
		return Report{}, fmt.Errorf("scan report: %w", err)
	}
	r.UserID = scanOwner(uid)
	return r, nil
}

// FindReport resolves a report visible to the owner, preferring the
// owner's own over a public one of the same name.
func (s *Store) FindReport(ctx context.Context, typeName, reportName string, owner *int64) (Report, error) {
	var q qb
	query := "SELECT " + reportColumns + " FROM report_name r JOIN report_type t ON r.type_id = t.id" +
		" WHERE t.type_name = " + q.add(typeName) +
		" AND r.report_name = " + q.add(reportName) +
		" AND " + q.ownerOrPublicCond("r.user_id", owner) +
		" ORDER BY (r.user_id IS NULL) LIMIT 1"
	return scanReport(s.db.QueryRowContext(ctx, query, q.args...))
}

// GetReportByID loads one report row.
func (s *Store) GetReportByID(ctx context.Context, id int64) (Report, error) {
	var q qb
	query := "SELECT " + reportColumns + " FROM report_name r JOIN report_type t ON r.type_id = t.id" +
		" WHERE r.id = " + q.add(id)
	return scanReport(s.db.QueryRowContext(ctx, query, q.args...))
}

// ListTypes returns the types visible to the owner.
func (s *Store) ListTypes(ctx context.Context, owner *int64) ([]ReportType, error) {
	var q qb
	query := "SELECT id, type_name, user_id FROM report_type WHERE " +
		q.ownerOrPublicCond("user_id", owner) + " ORDER BY type_name"
	rows, err := s.db.QueryContext(ctx, query, q.args...)
	if err != nil {
		return nil, fmt.Errorf("list types: %w", err)
	}
	defer rows.Close()
	var out []ReportType
	for rows.Next() {
		var t ReportType
		var uid sql.NullInt64
		if err := rows.Scan(&t.ID, &t.TypeName, &uid); err != nil {
			return nil, err
		}
		t.UserID = scanOwner(uid)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListReports returns the reports of a type visible to the owner.
func (s *Store) ListReports(ctx context.Context, typeName string, owner *int64) ([]Report, error) {
	var q qb
	query := "SELECT " + reportColumns + " FROM report_name r JOIN report_type t ON r.type_id = t.id" +
		" WHERE t.type_name = " + q.add(typeName) +
		" AND " + q.ownerOrPublicCond("r.user_id", owner) +
		" ORDER BY r.report_name"
	rows, err := s.db.QueryContext(ctx, query, q.args...)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()
	var out []Report
	for rows.Next() {
		var r Report
		var uid sql.NullInt64
		if err := rows.Scan(&r.ID, &r.TypeID, &r.TypeName, &r.ReportName, &uid, &r.StorageDir, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.UserID = scanOwner(uid)
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertCatalogueTx inserts one catalogue row and sets its ID.
func (s *Store) InsertCatalogueTx(ctx context.Context, tx *sql.Tx, row *CatalogueRow) error {
	var q qb
	query := "INSERT INTO report_catalogue (type_id, report_name_id, catalogue_name, level, sort_order, parent_id, file_name) VALUES (" +
		q.add(row.TypeID) + ", " + q.add(row.ReportNameID) + ", " + q.add(row.CatalogueName) + ", " +
		q.add(row.Level) + ", " + q.add(row.SortOrder) + ", " + q.add(row.ParentID) + ", " +
		q.add(row.FileName) + ") RETURNING id"
	if err := tx.QueryRowContext(ctx, query, q.args...).Scan(&row.ID); err != nil {
		return fmt.Errorf("insert catalogue row: %w", err)
	}
	return nil
}

const catalogueColumns = "id, type_id, report_name_id, catalogue_name, level, sort_order, parent_id, file_name"

func scanCatalogueRows(rows *sql.Rows) ([]CatalogueRow, error) {
	defer rows.Close()
	var out []CatalogueRow
	for rows.Next() {
		var c CatalogueRow
		if err := rows.Scan(&c.ID, &c.TypeID, &c.ReportNameID, &c.CatalogueName, &c.Level, &c.SortOrder, &c.ParentID, &c.FileName); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListCatalogue returns a report's catalogue rows ordered by sort order.
func (s *Store) ListCatalogue(ctx context.Context, reportID int64) ([]CatalogueRow, error) {
	var q qb
	query := "SELECT " + catalogueColumns + " FROM report_catalogue WHERE report_name_id = " +
		q.add(reportID) + " ORDER BY sort_order, id"
	rows, err := s.db.QueryContext(ctx, query, q.args...)
	if err != nil {
		return nil, fmt.Errorf("list catalogue: %w", err)
	}
	return scanCatalogueRows(rows)
}

// GetCatalogueByID loads one catalogue row.
func (s *Store) GetCatalogueByID(ctx context.Context, id int64) (CatalogueRow, error) {
	var q qb
	query := "SELECT " + catalogueColumns + " FROM report_catalogue WHERE id = " + q.add(id)
	rows, err := s.db.QueryContext(ctx, query, q.args...)
	if err != nil {
		return CatalogueRow{}, fmt.Errorf("get catalogue row: %w", err)
	}
	out, err := scanCatalogueRows(rows)
	if err != nil {
		return CatalogueRow{}, err
	}
	if len(out) == 0 {
		return CatalogueRow{}, ErrChapterNotFound
	}
	return out[0], nil
}

// FindCatalogueByTitle locates a chapter by its source type, report and
// title, visible to the owner and preferring the owner's own row.
func (s *Store) FindCatalogueByTitle(ctx context.Context, typeName, reportName, title string, owner *int64) (CatalogueRow, error) {
	var q qb
	query := "SELECT c.id, c.type_id, c.report_name_id, c.catalogue_name, c.level, c.sort_order, c.parent_id, c.file_name" +
		" FROM report_catalogue c" +
		" JOIN report_name r ON c.report_name_id = r.id" +
		" JOIN report_type t ON r.type_id = t.id" +
		" WHERE t.type_name = " + q.add(typeName) +
		" AND r.report_name = " + q.add(reportName) +
		" AND c.catalogue_name = " + q.add(title) +
		" AND " + q.ownerOrPublicCond("r.user_id", owner) +
		" ORDER BY (r.user_id IS NULL), c.id LIMIT 1"
	rows, err := s.db.QueryContext(ctx, query, q.args...)
	if err != nil {
		return CatalogueRow{}, fmt.Errorf("find catalogue row: %w", err)
	}
	out, err := scanCatalogueRows(rows)
	if err != nil {
		return CatalogueRow{}, err
	}
	if len(out) == 0 {
		return CatalogueRow{}, ErrChapterNotFound
	}
	return out[0], nil
}

// UpsertMergedRecord writes the merged-document record, updating the
// existing row for the same report and owner when present.
func (s *Store) UpsertMergedRecord(ctx context.Context, rec *MergedRecord) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var q qb
		query := "SELECT id FROM report_merged_record WHERE report_name_id = " + q.add(rec.ReportNameID) +
			" AND " + q.ownerCond("user_id", rec.UserID)
		var existing int64
		err := tx.QueryRowContext(ctx, query, q.args...).Scan(&existing)
		switch {
		case err == nil:
			rec.ID = existing
			rec.CreatedAt = time.Now().UTC()
			var upd qb
			update := "UPDATE report_merged_record SET merged_name = " + upd.add(rec.MergedName) +
				", file_path = " + upd.add(rec.FilePath) +
				", created_at = " + upd.add(rec.CreatedAt) +
				" WHERE id = " + upd.add(existing)
			if _, err := tx.ExecContext(ctx, update, upd.args...); err != nil {
				return fmt.Errorf("update merged record: %w", err)
			}
			return nil
		case errors.Is(err, sql.ErrNoRows):
			rec.CreatedAt = time.Now().UTC()
			var ins qb
			insert := "INSERT INTO report_merged_record (type_id, report_name_id, merged_name, file_path, user_id, created_at) VALUES (" +
				ins.add(rec.TypeID) + ", " + ins.add(rec.ReportNameID) + ", " + ins.add(rec.MergedName) + ", " +
				ins.add(rec.FilePath) + ", " + ins.add(ownerArg(rec.UserID)) + ", " + ins.add(rec.CreatedAt) + ") RETURNING id"
			if err := tx.QueryRowContext(ctx, insert, ins.args...).Scan(&rec.ID); err != nil {
				return fmt.Errorf("insert merged record: %w", err)
			}
			return nil
		default:
			return fmt.Errorf("check merged record: %w", err)
		}
	})
}

// GetMergedRecord loads the merged record for a report and owner.
func (s *Store) GetMergedRecord(ctx context.Context, reportID int64, owner *int64) (MergedRecord, error) {
	var q qb
	query := "SELECT id, type_id, report_name_id, merged_name, file_path, user_id, created_at" +
		" FROM report_merged_record WHERE report_name_id = " + q.add(reportID) +
		" AND " + q.ownerCond("user_id", owner)
	var rec MergedRecord
	var uid sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, q.args...).Scan(
		&rec.ID, &rec.TypeID, &rec.ReportNameID, &rec.MergedName, &rec.FilePath, &uid, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return MergedRecord{}, ErrReportNotFound
	}
	if err != nil {
		return MergedRecord{}, fmt.Errorf("get merged record: %w", err)
	}
	rec.UserID = scanOwner(uid)
	return rec, nil
}

// DeleteReportTx removes a report, its catalogue rows and its merged
// records in one transaction.
func (s *Store) DeleteReportTx(ctx context.Context, tx *sql.Tx, reportID int64) error {
	for _, stmt := range []string{
		"DELETE FROM report_catalogue WHERE report_name_id = $1",
		"DELETE FROM report_merged_record WHERE report_name_id = $1",
		"DELETE FROM report_name WHERE id = $1",
	} {
		if _, err := tx.ExecContext(ctx, stmt, reportID); err != nil {
			return fmt.Errorf("delete report: %w", err)
		}
	}
	return nil
}
