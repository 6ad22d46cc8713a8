// Package sqldoc implements docstore.Store on database/sql. Every document is
// one row keyed by its full path, with the data held as JSON text.
package sqldoc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/ansplan/schedsync/internal/docstore"
	"github.com/ansplan/schedsync/internal/model"
)

// OpenPostgres opens a PostgreSQL connection using the pgx stdlib driver and verifies connectivity.
func OpenPostgres(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is empty")
	}
	db, err := sql.Open(Postgres.Driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// OpenSQLite opens (or creates) a SQLite database at the given path with WAL
// journaling. Writes are serialized on a single connection.
func OpenSQLite(path string) (*sql.DB, error) {
	// ensure parent directory exists to avoid SQLITE_CANTOPEN errors
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open(SQLite.Driver, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Store is a docstore.Store over one documents table.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// New wraps db. Call Migrate before first use.
func New(db *sql.DB, d Dialect) *Store {
	return &Store{db: db, dialect: d, now: time.Now}
}

// WithClock overrides the commit clock.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Migrate creates the documents table when missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s migrate: %w", s.dialect.Name, err)
		}
	}
	return nil
}

// HealthPing implements health.HealthPinger.
func (s *Store) HealthPing(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) p(n int) string { return s.dialect.Placeholder(n) }

func (s *Store) Get(ctx context.Context, path string) (*docstore.Doc, error) {
	if _, _, err := docstore.ParseDocPath(path); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT path, doc_id, data, update_time FROM documents WHERE path = `+s.p(1), path)
	d, err := scanDoc(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", path, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Query filters string-valued predicates in SQL and re-checks every
// predicate on the decoded data, so numeric filters behave like memstore.
func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Doc, error) {
	if err := docstore.ValidateCollection(q.Collection); err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString(`SELECT path, doc_id, data, update_time FROM documents WHERE collection = `)
	b.WriteString(s.p(1))
	args := []any{q.Collection}
	for _, f := range q.Where {
		if !validField(f.Field) {
			return nil, fmt.Errorf("%w: invalid field %q", model.ErrValidation, f.Field)
		}
		str, ok := f.Value.(string)
		if !ok {
			continue
		}
		args = append(args, str)
		fmt.Fprintf(&b, " AND %s = %s", s.dialect.FieldText(f.Field), s.p(len(args)))
	}
	b.WriteString(` ORDER BY path`)

	docs, err := s.queryDocs(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	out := docs[:0]
	for _, d := range docs {
		if docstore.Matches(d.Data, q.Where) {
			out = append(out, d)
		}
	}
	docstore.SortDocs(out, q.OrderBy)
	return out, nil
}

func (s *Store) ListDocuments(ctx context.Context, collection string) ([]docstore.Doc, error) {
	if err := docstore.ValidateCollection(collection); err != nil {
		return nil, err
	}
	return s.queryDocs(ctx,
		`SELECT path, doc_id, data, update_time FROM documents WHERE collection = `+s.p(1)+` ORDER BY path`,
		collection)
}

func (s *Store) ListCollections(ctx context.Context, docPath string) ([]string, error) {
	if _, _, err := docstore.ParseDocPath(docPath); err != nil {
		return nil, err
	}
	prefix := docPath + "/"
	// LIKE is case-insensitive on sqlite, so matches are re-checked below.
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT collection FROM documents WHERE collection LIKE `+s.p(1)+` ESCAPE '!'`,
		likePrefix(prefix))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	seen := map[string]bool{}
	for rows.Next() {
		var coll string
		if err := rows.Scan(&coll); err != nil {
			return nil, err
		}
		rest, ok := strings.CutPrefix(coll, prefix)
		if !ok {
			continue
		}
		name, _, _ := strings.Cut(rest, "/")
		seen[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Commit applies ops in one transaction. Merges read the current row inside
// the transaction and write the merged result back.
func (s *Store) Commit(ctx context.Context, ops []docstore.Op) (err error) {
	if err := docstore.ValidateOps(ops); err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := s.now()
	upsert := fmt.Sprintf(`INSERT INTO documents (path, collection, doc_id, data, update_time)
		VALUES (%s, %s, %s, %s, %s)
		ON CONFLICT (path) DO UPDATE SET data = excluded.data, update_time = excluded.update_time`,
		s.p(1), s.p(2), s.p(3), s.p(4), s.p(5))
	selectData := `SELECT data FROM documents WHERE path = ` + s.p(1)
	deleteDoc := `DELETE FROM documents WHERE path = ` + s.p(1)

	for _, op := range ops {
		switch op.Kind {
		case docstore.OpDelete:
			if _, err = tx.ExecContext(ctx, deleteDoc, op.Path); err != nil {
				return fmt.Errorf("delete %s: %w", op.Path, err)
			}
		case docstore.OpUpsert:
			data := docstore.Resolve(op.Data, now)
			if op.Merge {
				var raw string
				switch qerr := tx.QueryRowContext(ctx, selectData, op.Path).Scan(&raw); {
				case qerr == nil:
					base, derr := docstore.Decode([]byte(raw))
					if derr != nil {
						err = derr
						return err
					}
					data = docstore.Merge(base, data)
				case errors.Is(qerr, sql.ErrNoRows):
				default:
					err = fmt.Errorf("read %s: %w", op.Path, qerr)
					return err
				}
			}
			var enc []byte
			if enc, err = docstore.Encode(data); err != nil {
				return err
			}
			coll, id, _ := docstore.ParseDocPath(op.Path)
			if _, err = tx.ExecContext(ctx, upsert, op.Path, coll, id, string(enc), now.UnixMilli()); err != nil {
				return fmt.Errorf("upsert %s: %w", op.Path, err)
			}
		default:
			err = fmt.Errorf("unknown op kind %d", op.Kind)
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) queryDocs(ctx context.Context, query string, args ...any) ([]docstore.Doc, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []docstore.Doc
	for rows.Next() {
		d, err := scanDoc(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

func likePrefix(prefix string) string { return likeEscaper.Replace(prefix) + "%" }

type scanner interface {
	Scan(dest ...any) error
}

func scanDoc(sc scanner) (docstore.Doc, error) {
	var (
		d   docstore.Doc
		raw string
		ms  int64
	)
	if err := sc.Scan(&d.Path, &d.ID, &raw, &ms); err != nil {
		return docstore.Doc{}, err
	}
	data, err := docstore.Decode([]byte(raw))
	if err != nil {
		return docstore.Doc{}, fmt.Errorf("%s: %w", d.Path, err)
	}
	d.Data = data
	d.UpdateTime = time.UnixMilli(ms)
	return d, nil
}

var _ docstore.Store = (*Store)(nil)
