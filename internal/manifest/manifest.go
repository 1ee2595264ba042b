// Package manifest persists books and their pages in SQLite so a restarted
// daemon resumes Inbox books instead of starting them over.
package manifest

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jackzampolin/auralens/internal/book"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes incompatibly. Older
// manifests must be deleted; they only hold resumable progress.
const schemaVersion = 2

var (
	// ErrSchemaMismatch indicates the database was written by a different
	// schema version.
	ErrSchemaMismatch = errors.New("manifest schema version mismatch")

	// ErrNotFound is returned when no book matches.
	ErrNotFound = errors.New("book not found in manifest")
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Record is a persisted book plus its export bookkeeping.
type Record struct {
	Book        *book.Book      `json:"book"`
	Status      book.BookStatus `json:"status"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ExportedAt  *time.Time      `json:"exported_at,omitempty"`
	ExportError string          `json:"export_error,omitempty"`
}

// Exported reports whether the book was delivered without error.
func (r *Record) Exported() bool {
	return r.ExportedAt != nil && r.ExportError == ""
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Status book.BookStatus
	Origin book.Origin
	Limit  int
}

// Store is the SQLite-backed manifest.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the manifest at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps the pragmas in effect for every statement.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s to start over)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

// Save upserts the book row and replaces its pages in one transaction. The
// stored status is derived from the pages at save time. Export bookkeeping is
// cleared whenever the book is not terminal, so a resumed book is exported
// again when it finishes.
func (s *Store) Save(ctx context.Context, b *book.Book) error {
	if b == nil {
		return errors.New("save: nil book")
	}
	status := b.Status()
	now := formatTime(time.Now())

	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin save tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO books (id, source_path, content_sig, source_mod_time, origin, status, output_target, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				source_path = excluded.source_path,
				content_sig = excluded.content_sig,
				source_mod_time = excluded.source_mod_time,
				origin = excluded.origin,
				status = excluded.status,
				output_target = excluded.output_target,
				updated_at = excluded.updated_at`,
			b.ID, b.SourcePath, b.ContentSig, nullableTime(b.SourceModTime), string(b.Origin), string(status),
			nullableString(b.OutputTarget), formatTime(b.CreatedAt), now)
		if err != nil {
			return fmt.Errorf("upsert book: %w", err)
		}

		if !status.IsTerminal() {
			if _, err := tx.ExecContext(ctx,
				"UPDATE books SET exported_at = NULL, export_error = NULL WHERE id = ?", b.ID); err != nil {
				return fmt.Errorf("reset export: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM pages WHERE book_id = ?", b.ID); err != nil {
			return fmt.Errorf("clear pages: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO pages (book_id, idx, status, attempts, last_error, error_message, image_ref, text)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare page insert: %w", err)
		}
		defer stmt.Close()
		for _, p := range b.Pages {
			if _, err := stmt.ExecContext(ctx, b.ID, p.Index, string(p.Status), p.Attempts,
				nullableString(string(p.LastError)), nullableString(p.ErrorMessage),
				nullableString(p.ImageRef), nullableString(p.Text)); err != nil {
				return fmt.Errorf("insert page %d: %w", p.Index, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit save: %w", err)
		}
		return nil
	})
}

// MarkExported records a delivery attempt. A nil exportErr marks the book
// exported; otherwise the error text is kept for the status view.
func (s *Store) MarkExported(ctx context.Context, id string, at time.Time, exportErr error) error {
	var msg any
	if exportErr != nil {
		msg = exportErr.Error()
	}
	var res sql.Result
	err := retryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx,
			"UPDATE books SET exported_at = ?, export_error = ?, updated_at = ? WHERE id = ?",
			formatTime(at), msg, formatTime(time.Now()), id)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("mark exported: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark exported %s: %w", id, ErrNotFound)
	}
	return nil
}

// Get loads a book by id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	recs, err := s.query(ctx, "WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return recs[0], nil
}

// FindByPath returns the most recently updated book for a source path.
func (s *Store) FindByPath(ctx context.Context, path string) (*Record, error) {
	recs, err := s.query(ctx, "WHERE source_path = ? ORDER BY updated_at DESC LIMIT 1", path)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return recs[0], nil
}

// List returns books matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]*Record, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Origin != "" {
		conds = append(conds, "origin = ?")
		args = append(args, string(f.Origin))
	}
	clause := ""
	if len(conds) > 0 {
		clause = "WHERE " + strings.Join(conds, " AND ")
	}
	clause += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		clause += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.query(ctx, clause, args...)
}

// Pending returns the Inbox books that still need work: non-terminal, or
// terminal but never successfully exported. Oldest first.
func (s *Store) Pending(ctx context.Context) ([]*Record, error) {
	return s.query(ctx,
		"WHERE origin = ? AND (status = ? OR exported_at IS NULL OR export_error IS NOT NULL) ORDER BY created_at, id",
		string(book.OriginInbox), string(book.StatusProcessing))
}

// Delete removes a book and its pages.
func (s *Store) Delete(ctx context.Context, id string) error {
	var res sql.Result
	err := retryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, "DELETE FROM books WHERE id = ?", id)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("delete book: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) query(ctx context.Context, clause string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_path, content_sig, source_mod_time, origin, status, output_target,
			created_at, updated_at, exported_at, export_error
		FROM books `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query books: %w", err)
	}

	var recs []*Record
	for rows.Next() {
		rec, err := scanBook(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate books: %w", err)
	}
	rows.Close()

	// Pages are loaded after the book cursor is closed: the store holds a
	// single connection.
	for _, rec := range recs {
		pages, err := s.loadPages(ctx, rec.Book.ID)
		if err != nil {
			return nil, err
		}
		rec.Book.Pages = pages
	}
	return recs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBook(row scanner) (*Record, error) {
	var (
		b                     book.Book
		origin, status        string
		createdAt, updatedAt  string
		outputTarget, modTime sql.NullString
		exportedAt, exportErr sql.NullString
	)
	if err := row.Scan(&b.ID, &b.SourcePath, &b.ContentSig, &modTime, &origin, &status, &outputTarget,
		&createdAt, &updatedAt, &exportedAt, &exportErr); err != nil {
		return nil, fmt.Errorf("scan book: %w", err)
	}
	b.Origin = book.Origin(origin)
	b.OutputTarget = outputTarget.String
	b.CreatedAt = parseTime(createdAt)
	if modTime.Valid {
		b.SourceModTime = parseTime(modTime.String)
	}

	rec := &Record{
		Book:        &b,
		Status:      book.BookStatus(status),
		UpdatedAt:   parseTime(updatedAt),
		ExportError: exportErr.String,
	}
	if exportedAt.Valid {
		t := parseTime(exportedAt.String)
		rec.ExportedAt = &t
	}
	return rec, nil
}

func (s *Store) loadPages(ctx context.Context, bookID string) ([]book.Page, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, status, attempts, last_error, error_message, image_ref, text
		FROM pages WHERE book_id = ? ORDER BY idx`, bookID)
	if err != nil {
		return nil, fmt.Errorf("query pages: %w", err)
	}
	defer rows.Close()

	pages := []book.Page{}
	for rows.Next() {
		var p book.Page
		var status string
		var lastError, errorMessage, imageRef, text sql.NullString
		if err := rows.Scan(&p.Index, &status, &p.Attempts, &lastError, &errorMessage, &imageRef, &text); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		p.Status = book.PageStatus(status)
		p.LastError = book.ErrorKind(lastError.String)
		p.ErrorMessage = errorMessage.String
		p.ImageRef = imageRef.String
		p.Text = text.String
		pages = append(pages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return pages, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
