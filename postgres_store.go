package docstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps one collection as a JSONB table: one row per
// document, keyed by the document key, with the change-detection timestamp
// mirrored into its own column so LastUpdated is a single MAX(). Equality
// criteria are pushed down as JSONB containment; operator criteria are
// evaluated client side on the narrowed row set.
type PostgresStore struct {
	dsn      string
	table    string
	settings storeSettings

	host     string
	database string

	pool *pgxpool.Pool
}

var pgUnsafeIdent = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// NewPostgresStore prepares a store over the given table. The connection
// pool is opened by Connect, not here.
func NewPostgresStore(dsn, table string, opts ...Option) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field": "dsn",
			"cause": err.Error(),
		})
	}
	if table == "" || pgUnsafeIdent.MatchString(table) {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "table",
			"reason": "table name must be a plain identifier",
		})
	}

	settings := defaultSettings()
	settings.apply(opts)
	return &PostgresStore{
		dsn:      dsn,
		table:    table,
		settings: settings,
		host:     cfg.ConnConfig.Host,
		database: cfg.ConnConfig.Database,
	}, nil
}

func (s *PostgresStore) ident() string {
	return pgx.Identifier{s.table}.Sanitize()
}

// Name identifies the store for logging and diagnostics
func (s *PostgresStore) Name() string {
	return fmt.Sprintf("postgres://%s/%s/%s", s.host, s.database, s.table)
}

// Key returns the document key field
func (s *PostgresStore) Key() string { return s.settings.key }

// LastUpdatedField returns the change-detection field
func (s *PostgresStore) LastUpdatedField() string { return s.settings.luField }

// Fingerprint returns the store's identity tuple as a stable string
func (s *PostgresStore) Fingerprint() string {
	return fmt.Sprintf("postgres://%s/%s/%s?key=%s&lu=%s",
		s.host, s.database, s.table, s.settings.key, s.settings.luField)
}

// Equal reports value equality of store identities
func (s *PostgresStore) Equal(other Store) bool {
	o, ok := other.(*PostgresStore)
	return ok && s.Fingerprint() == o.Fingerprint()
}

// Connect opens the pool, verifies connectivity and creates the table if it
// does not exist. Idempotent.
func (s *PostgresStore) Connect(ctx context.Context) error {
	if s.pool != nil {
		return nil
	}

	pool, err := pgxpool.New(ctx, s.dsn)
	if err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"store": s.Name(),
			"cause": err.Error(),
		})
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"store": s.Name(),
			"cause": err.Error(),
		})
	}

	ddl := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (key text PRIMARY KEY, doc jsonb NOT NULL, last_updated timestamptz)`,
		s.ident())
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"store": s.Name(),
			"cause": err.Error(),
		})
	}

	s.pool = pool
	return nil
}

// Close releases the pool. Safe without a prior Connect.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

func (s *PostgresStore) requirePool() error {
	if s.pool == nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"store":  s.Name(),
			"reason": "store is not connected",
		})
	}
	return nil
}

// splitCriteria separates plain-equality criteria, which JSONB containment
// can answer, from operator criteria that need client-side evaluation.
// Dotted paths become nested containment documents.
func splitCriteria(criteria Criteria) (containment map[string]interface{}, residual Criteria) {
	containment = make(map[string]interface{})
	residual = make(Criteria)
	for field, cond := range criteria {
		if _, isOps := operatorMap(cond); isOps {
			residual[field] = cond
			continue
		}
		setPath(containment, field, cond)
	}
	return containment, residual
}

// fetch returns the documents matching criteria, pushing equality criteria
// into the query.
func (s *PostgresStore) fetch(ctx context.Context, criteria Criteria) ([]Document, error) {
	if err := s.requirePool(); err != nil {
		return nil, err
	}

	containment, residual := splitCriteria(criteria)

	query := fmt.Sprintf(`SELECT doc FROM %s`, s.ident())
	var args []interface{}
	if len(containment) > 0 {
		query += ` WHERE doc @> $1`
		args = append(args, containment)
	}
	query += ` ORDER BY key`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"store": s.Name(),
			"cause": err.Error(),
		})
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc map[string]interface{}
		if err := rows.Scan(&doc); err != nil {
			return nil, WithContext(ErrInvalidData, map[string]interface{}{
				"store": s.Name(),
				"cause": err.Error(),
			})
		}
		docs = append(docs, Document(doc))
	}
	if err := rows.Err(); err != nil {
		return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"store": s.Name(),
			"cause": err.Error(),
		})
	}

	return filterDocs(docs, residual), nil
}

// Count returns the number of documents matching criteria
func (s *PostgresStore) Count(ctx context.Context, criteria Criteria) (int64, error) {
	if err := s.requirePool(); err != nil {
		return 0, err
	}

	containment, residual := splitCriteria(criteria)
	if len(residual) > 0 {
		docs, err := s.fetch(ctx, criteria)
		if err != nil {
			return 0, err
		}
		return int64(len(docs)), nil
	}

	query := fmt.Sprintf(`SELECT count(*) FROM %s`, s.ident())
	var args []interface{}
	if len(containment) > 0 {
		query += ` WHERE doc @> $1`
		args = append(args, containment)
	}

	var n int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"store": s.Name(),
			"cause": err.Error(),
		})
	}
	return n, nil
}

// Query returns a cursor over matching documents
func (s *PostgresStore) Query(ctx context.Context, opts QueryOptions) (Cursor, error) {
	docs, err := s.fetch(ctx, opts.Criteria)
	if err != nil {
		return nil, err
	}
	remaining := opts
	remaining.Criteria = nil // already applied by fetch
	return newSliceCursor(applyQueryOptions(docs, remaining)), nil
}

// Distinct returns the distinct values of field across matching documents
func (s *PostgresStore) Distinct(ctx context.Context, field string, criteria Criteria) ([]interface{}, error) {
	docs, err := s.fetch(ctx, criteria)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(docs))
	var values []interface{}
	for _, doc := range docs {
		v, ok := getPath(doc, field)
		if !ok {
			continue
		}
		sig := fmt.Sprintf("%T:%v", v, v)
		if _, dup := seen[sig]; dup {
			continue
		}
		seen[sig] = struct{}{}
		values = append(values, v)
	}
	return values, nil
}

// GroupBy groups matching documents by the given key fields
func (s *PostgresStore) GroupBy(ctx context.Context, keys []string, opts QueryOptions) ([]Group, error) {
	docs, err := s.fetch(ctx, opts.Criteria)
	if err != nil {
		return nil, err
	}
	remaining := opts
	remaining.Criteria = nil
	return groupDocs(applyQueryOptions(docs, remaining), keys), nil
}

// EnsureIndex creates an expression index over the field. A privilege
// failure reports no index rather than an error, so read-only credentials
// can still run pipelines.
func (s *PostgresStore) EnsureIndex(ctx context.Context, field string, unique bool) (bool, error) {
	if err := s.requirePool(); err != nil {
		return false, err
	}
	if pgUnsafeIdent.MatchString(strings.ReplaceAll(field, ".", "_")) {
		return false, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  field,
			"reason": "field name must be a plain identifier path",
		})
	}

	kind := "INDEX"
	if unique {
		kind = "UNIQUE INDEX"
	}
	idxName := pgx.Identifier{
		fmt.Sprintf("idx_%s_%s", s.table, strings.ReplaceAll(field, ".", "_")),
	}.Sanitize()

	expr := jsonbPathExpr(field)
	ddl := fmt.Sprintf(`CREATE %s IF NOT EXISTS %s ON %s ((%s))`, kind, idxName, s.ident(), expr)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42501" {
			s.settings.logger.Warn("index creation not permitted",
				"store", s.Name(), "field", field)
			return false, nil
		}
		return false, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"store": s.Name(),
			"field": field,
			"cause": err.Error(),
		})
	}
	return true, nil
}

// jsonbPathExpr renders a dotted field path as a jsonb text extraction
func jsonbPathExpr(field string) string {
	parts := strings.Split(field, ".")
	expr := "doc"
	for i, p := range parts {
		op := "->"
		if i == len(parts)-1 {
			op = "->>"
		}
		expr += fmt.Sprintf("%s'%s'", op, p)
	}
	return expr
}

// Update upserts docs in one batch round trip
func (s *PostgresStore) Update(ctx context.Context, docs []Document, keys ...string) error {
	if len(docs) == 0 {
		return nil
	}
	if err := s.requirePool(); err != nil {
		return err
	}
	searchKeys := resolveSearchKeys(s.settings.key, keys)

	upsert := fmt.Sprintf(
		`INSERT INTO %s (key, doc, last_updated) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET doc = EXCLUDED.doc, last_updated = EXCLUDED.last_updated`,
		s.ident())

	batch := &pgx.Batch{}
	for _, doc := range docs {
		for _, k := range searchKeys {
			if _, ok := getPath(doc, k); !ok {
				return WithContext(ErrInvalidData, map[string]interface{}{
					"store":   s.Name(),
					"missing": k,
				})
			}
		}
		keyVal, ok := getPath(doc, s.settings.key)
		if !ok {
			return WithContext(ErrInvalidData, map[string]interface{}{
				"store":   s.Name(),
				"missing": s.settings.key,
			})
		}

		var lu interface{}
		if t, ok := lastUpdatedOf(doc, s.settings.luField); ok {
			lu = t
		}
		batch.Queue(upsert, keyString(keyVal), map[string]interface{}(doc), lu)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"store": s.Name(),
			"docs":  len(docs),
			"cause": err.Error(),
		})
	}
	return nil
}

// RemoveDocs deletes documents matching criteria
func (s *PostgresStore) RemoveDocs(ctx context.Context, criteria Criteria, opts ...RemoveOption) error {
	if err := s.requirePool(); err != nil {
		return err
	}

	docs, err := s.fetch(ctx, criteria)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(docs))
	for _, doc := range docs {
		if v, ok := getPath(doc, s.settings.key); ok {
			keys = append(keys, keyString(v))
		}
	}

	del := fmt.Sprintf(`DELETE FROM %s WHERE key = ANY($1)`, s.ident())
	for _, chunk := range Chunk(keys, MaxDeleteBatch) {
		if _, err := s.pool.Exec(ctx, del, chunk); err != nil {
			return WithContext(ErrBackendUnavailable, map[string]interface{}{
				"store": s.Name(),
				"cause": err.Error(),
			})
		}
	}
	return nil
}

// LastUpdated returns the maximum last-updated value across all documents
func (s *PostgresStore) LastUpdated(ctx context.Context) (time.Time, error) {
	if err := s.requirePool(); err != nil {
		return time.Time{}, err
	}

	query := fmt.Sprintf(`SELECT max(last_updated) FROM %s`, s.ident())
	var max *time.Time
	if err := s.pool.QueryRow(ctx, query).Scan(&max); err != nil {
		return time.Time{}, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"store": s.Name(),
			"cause": err.Error(),
		})
	}
	if max == nil {
		return time.Time{}, nil
	}
	return *max, nil
}

// NewerIn returns the keys of documents newer in target than in this store
func (s *PostgresStore) NewerIn(ctx context.Context, target Store, criteria Criteria, exhaustive bool) ([]string, error) {
	return newerKeysInTarget(ctx, s, target, criteria, exhaustive)
}
