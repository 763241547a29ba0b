package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/philip-sterne/mcp.click/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dsn and runs
// migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		// journal_mode is persistent, so one connection is enough.
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS traces (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			ts INTEGER NOT NULL,
			request_id TEXT,
			url TEXT,
			method TEXT,
			status INTEGER,
			headers TEXT,
			body TEXT,
			label TEXT,
			locator TEXT,
			fields TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_request ON traces(request_id)`,
		`CREATE TABLE IF NOT EXISTS actions (
			name TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			input_schema TEXT,
			output_schema TEXT,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// Columns added after the first release of the traces table.
	if err := s.ensureColumn("traces", "mime_type", "ALTER TABLE traces ADD COLUMN mime_type TEXT"); err != nil {
		return err
	}
	if err := s.ensureColumn("traces", "title", "ALTER TABLE traces ADD COLUMN title TEXT"); err != nil {
		return err
	}
	if err := s.ensureColumn("traces", "h1", "ALTER TABLE traces ADD COLUMN h1 TEXT"); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// AddTrace appends a trace and returns its assigned id. trace.ID is updated.
func (s *SQLiteStore) AddTrace(ctx context.Context, trace *domain.Trace) (int64, error) {
	headers, err := marshalOptional(trace.Headers)
	if err != nil {
		return 0, fmt.Errorf("marshal headers: %w", err)
	}
	fields, err := marshalOptional(trace.Fields)
	if err != nil {
		return 0, fmt.Errorf("marshal fields: %w", err)
	}
	var body sql.NullString
	if len(trace.Body) > 0 {
		body = sql.NullString{String: string(trace.Body), Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO traces (kind, ts, request_id, url, method, status, headers, body, mime_type, label, locator, fields, title, h1)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(trace.Kind), trace.Ts, nullString(trace.RequestID), nullString(trace.URL), nullString(trace.Method),
		nullInt(trace.Status), headers, body, nullString(trace.MimeType), nullString(trace.Label),
		nullString(trace.Locator), fields, nullString(trace.Title), nullString(trace.H1))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	trace.ID = id
	return id, nil
}

// GetAllTraces returns every stored trace in insertion order.
func (s *SQLiteStore) GetAllTraces(ctx context.Context) ([]domain.Trace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, ts, request_id, url, method, status, headers, body, mime_type, label, locator, fields, title, h1
		FROM traces ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var traces []domain.Trace
	for rows.Next() {
		var t domain.Trace
		var kind string
		var requestID, url, method, headers, body, mimeType, label, locator, fields, title, h1 sql.NullString
		var status sql.NullInt64
		if err := rows.Scan(&t.ID, &kind, &t.Ts, &requestID, &url, &method, &status, &headers, &body,
			&mimeType, &label, &locator, &fields, &title, &h1); err != nil {
			return nil, err
		}
		t.Kind = domain.TraceKind(kind)
		t.RequestID = requestID.String
		t.URL = url.String
		t.Method = method.String
		t.Status = int(status.Int64)
		t.MimeType = mimeType.String
		t.Label = label.String
		t.Locator = locator.String
		t.Title = title.String
		t.H1 = h1.String
		if body.Valid {
			t.Body = json.RawMessage(body.String)
		}
		if headers.Valid {
			if err := json.Unmarshal([]byte(headers.String), &t.Headers); err != nil {
				return nil, fmt.Errorf("trace %d: decode headers: %w", t.ID, err)
			}
		}
		if fields.Valid {
			if err := json.Unmarshal([]byte(fields.String), &t.Fields); err != nil {
				return nil, fmt.Errorf("trace %d: decode fields: %w", t.ID, err)
			}
		}
		traces = append(traces, t)
	}
	return traces, rows.Err()
}

// CountTraces returns the number of stored traces.
func (s *SQLiteStore) CountTraces(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM traces`).Scan(&n)
	return n, err
}

// ClearTraces removes every trace.
func (s *SQLiteStore) ClearTraces(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM traces`)
	return err
}

// DeleteTracesThrough removes traces with id <= id. Traces appended after an
// upload snapshot survive.
func (s *SQLiteStore) DeleteTracesThrough(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM traces WHERE id <= ?`, id)
	return err
}

// SaveActionsDraft upserts every draft by name in a single transaction.
// Either all drafts are written or none are.
func (s *SQLiteStore) SaveActionsDraft(ctx context.Context, drafts []domain.ActionDraft) error {
	if len(drafts) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return runTx(ctx, s.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO actions (name, description, method, path, input_schema, output_schema, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				description = excluded.description,
				method = excluded.method,
				path = excluded.path,
				input_schema = excluded.input_schema,
				output_schema = excluded.output_schema,
				updated_at = excluded.updated_at`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, d := range drafts {
			in, err := marshalOptional(d.InputSchema)
			if err != nil {
				return fmt.Errorf("action %s: marshal input schema: %w", d.Name, err)
			}
			out, err := marshalOptional(d.OutputSchema)
			if err != nil {
				return fmt.Errorf("action %s: marshal output schema: %w", d.Name, err)
			}
			if _, err := stmt.ExecContext(ctx, d.Name, d.Description, d.Method, d.Path, in, out, now); err != nil {
				return fmt.Errorf("action %s: %w", d.Name, err)
			}
		}
		return nil
	})
}

// ListActions returns every stored action draft ordered by name.
func (s *SQLiteStore) ListActions(ctx context.Context) ([]domain.ActionDraft, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, description, method, path, input_schema, output_schema, updated_at FROM actions ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []domain.ActionDraft
	for rows.Next() {
		var a domain.ActionDraft
		var in, out sql.NullString
		if err := rows.Scan(&a.Name, &a.Description, &a.Method, &a.Path, &in, &out, &a.UpdatedAt); err != nil {
			return nil, err
		}
		if in.Valid {
			if err := json.Unmarshal([]byte(in.String), &a.InputSchema); err != nil {
				return nil, fmt.Errorf("action %s: decode input schema: %w", a.Name, err)
			}
		}
		if out.Valid {
			if err := json.Unmarshal([]byte(out.String), &a.OutputSchema); err != nil {
				return nil, fmt.Errorf("action %s: decode output schema: %w", a.Name, err)
			}
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// GetValue reads a key from the kv table.
func (s *SQLiteStore) GetValue(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// PutValueIfAbsent stores value under key unless the key exists, and returns
// the value stored afterwards. Concurrent writers agree on a single value.
func (s *SQLiteStore) PutValueIfAbsent(ctx context.Context, key, value string) (string, error) {
	var stored string
	err := runTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO kv (key, value) VALUES (?, ?)`, key, value); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&stored)
	})
	if err != nil {
		return "", err
	}
	return stored, nil
}

func marshalOptional(v any) (sql.NullString, error) {
	switch x := v.(type) {
	case map[string]string:
		if x == nil {
			return sql.NullString{}, nil
		}
	case *domain.Schema:
		if x == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}
