package remote

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachcoreai/coachcore/backend/internal/logging"
	"github.com/coachcoreai/coachcore/backend/internal/models"
)

//go:embed migrations/*.sql
var postgresMigrations embed.FS

// PostgresStore is a Store backed by a PostgreSQL database. Each write runs in
// one transaction that locks the document row, so the version check and the
// idempotency record commit together.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, Transient("ping", err)
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// MigratePostgres applies the embedded schema migrations to dsn.
func MigratePostgres(dsn string) (err error) {
	src, err := iofs.New(postgresMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrationURL(dsn))
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		serr, dberr := m.Close()
		if serr != nil && err == nil {
			err = serr
		}
		if dberr != nil && err == nil {
			err = dberr
		}
	}()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	logging.Info("remote schema up to date", map[string]interface{}{"backend": "postgres"})
	return nil
}

// migrationURL rewrites a postgres:// DSN to the scheme the pgx/v5 migrate
// driver registers.
func migrationURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

const selectDocument = `
	SELECT collection, id, version, data, field_times, updated_at, deleted
	FROM documents
	WHERE collection = $1 AND id = $2`

// Write applies req inside a transaction.
func (s *PostgresStore) Write(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, classifyPostgres("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var applied int64
	err = tx.QueryRow(ctx,
		`SELECT version FROM applied_mutations WHERE mutation_id = $1`, req.MutationID,
	).Scan(&applied)
	switch {
	case err == nil:
		doc, err := scanDocument(tx.QueryRow(ctx, selectDocument, req.Collection, req.EntityID))
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, classifyPostgres("read document", err)
		}
		return &WriteResult{Version: applied, Document: doc}, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, classifyPostgres("read applied", err)
	}

	current, err := scanDocument(tx.QueryRow(ctx, selectDocument+" FOR UPDATE", req.Collection, req.EntityID))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, classifyPostgres("lock document", err)
	}

	now := s.now().UnixMilli()
	next, err := Apply(current, req, now)
	if err != nil {
		return nil, err
	}

	var version int64
	if next != nil {
		version = next.Version
	}
	if next != nil && (current == nil || next.Version != current.Version) {
		if err := writeDocument(ctx, tx, current == nil, next); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				// Lost a race to create the same id.
				snapshot, _ := s.Get(context.WithoutCancel(ctx), req.Collection, req.EntityID)
				return nil, &ConflictError{Collection: req.Collection, EntityID: req.EntityID, Expected: req.ExpectedVersion, Current: snapshot}
			}
			return nil, classifyPostgres("write document", err)
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO applied_mutations (mutation_id, collection, entity_id, version, applied_at)
		VALUES ($1, $2, $3, $4, $5)`,
		req.MutationID, req.Collection, req.EntityID, version, now,
	); err != nil {
		return nil, classifyPostgres("record applied", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classifyPostgres("commit", err)
	}
	return &WriteResult{Version: version, Document: next}, nil
}

func writeDocument(ctx context.Context, tx pgx.Tx, insert bool, doc *models.Document) error {
	data, err := marshalJSON(doc.Data)
	if err != nil {
		return err
	}
	times, err := marshalJSON(doc.FieldTimes)
	if err != nil {
		return err
	}
	if insert {
		_, err = tx.Exec(ctx, `
			INSERT INTO documents (collection, id, version, data, field_times, updated_at, deleted)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			doc.Collection, doc.ID, doc.Version, data, times, doc.UpdatedAt, doc.Deleted)
		return err
	}
	_, err = tx.Exec(ctx, `
		UPDATE documents
		SET version = $3, data = $4, field_times = $5, updated_at = $6, deleted = $7
		WHERE collection = $1 AND id = $2`,
		doc.Collection, doc.ID, doc.Version, data, times, doc.UpdatedAt, doc.Deleted)
	return err
}

// Get returns the current document, including tombstones.
func (s *PostgresStore) Get(ctx context.Context, collection, id string) (*models.Document, error) {
	doc, err := scanDocument(s.pool.QueryRow(ctx, selectDocument, collection, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classifyPostgres("get document", err)
	}
	return doc, nil
}

func scanDocument(row pgx.Row) (*models.Document, error) {
	var (
		doc   models.Document
		data  []byte
		times []byte
	)
	if err := row.Scan(&doc.Collection, &doc.ID, &doc.Version, &data, &times, &doc.UpdatedAt, &doc.Deleted); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc.Data); err != nil {
			return nil, Permanent("decode document", err)
		}
	}
	if len(times) > 0 {
		if err := json.Unmarshal(times, &doc.FieldTimes); err != nil {
			return nil, Permanent("decode field times", err)
		}
	}
	return &doc, nil
}

func marshalJSON(v any) ([]byte, error) {
	if isNilMap(v) {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, Permanent("encode document", err)
	}
	return raw, nil
}

func isNilMap(v any) bool {
	switch m := v.(type) {
	case nil:
		return true
	case map[string]any:
		return m == nil
	case map[string]int64:
		return m == nil
	}
	return false
}

// classifyPostgres wraps err by SQLSTATE class. Context errors pass through
// so deadline handling stays with the caller.
func classifyPostgres(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42501":
			return Permanent(op, fmt.Errorf("permission denied: %w", err))
		case strings.HasPrefix(pgErr.Code, "08"),
			strings.HasPrefix(pgErr.Code, "40"),
			strings.HasPrefix(pgErr.Code, "53"),
			strings.HasPrefix(pgErr.Code, "57"):
			return Transient(op, err)
		case strings.HasPrefix(pgErr.Code, "22"),
			strings.HasPrefix(pgErr.Code, "23"),
			strings.HasPrefix(pgErr.Code, "42"):
			return Permanent(op, err)
		}
	}
	return Transient(op, err)
}

var _ Store = (*PostgresStore)(nil)
