// Package pgvector implements memory.Store on PostgreSQL with the pgvector
// extension. Records live in one table and every populated vector space
// gets a row in a second table.
package pgvector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgv "github.com/pgvector/pgvector-go"

	memerrors "github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/errors"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/log"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/memory"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/owner"
)

// Config contains the configuration for the pgvector store
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Dimensions is the size of every vector space
	Dimensions int

	// DistanceMetric is the distance metric to use (cosine, euclidean, dot)
	DistanceMetric string
}

// Store implements memory.ReadWriteStore using PostgreSQL with pgvector.
type Store struct {
	db         *pgxpool.Pool
	dimensions int
	metric     string
}

// New connects, checks the connection and creates the schema.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, errors.New("connection string cannot be empty")
	}
	if config.Dimensions <= 0 {
		config.Dimensions = 1536
	}
	config.DistanceMetric = strings.ToLower(config.DistanceMetric)
	if config.DistanceMetric == "" {
		config.DistanceMetric = "cosine"
	}
	if _, err := distance(config.DistanceMetric); err != nil {
		return nil, err
	}

	db, err := pgxpool.New(ctx, config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	s := &Store{db: db, dimensions: config.Dimensions, metric: config.DistanceMetric}
	if err := s.initializeSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize pgvector schema: %w", err)
	}

	log.Debug("Initialized pgvector memory store", "dimensions", s.dimensions, "metric", s.metric)
	return s, nil
}

// DB returns the underlying connection pool (used for testing)
func (s *Store) DB() *pgxpool.Pool {
	return s.db
}

// metricSQL describes how a metric is queried and turned into a similarity.
type metricSQL struct {
	operator string
	opclass  string
	// score turns the distance expression into "higher is better"
	score string
}

func distance(metric string) (metricSQL, error) {
	switch metric {
	case "cosine":
		return metricSQL{operator: "<=>", opclass: "vector_cosine_ops", score: "1 - (%s)"}, nil
	case "euclidean":
		return metricSQL{operator: "<->", opclass: "vector_l2_ops", score: "1 / (1 + (%s))"}, nil
	case "dot":
		return metricSQL{operator: "<#>", opclass: "vector_ip_ops", score: "-(%s)"}, nil
	}
	return metricSQL{}, fmt.Errorf("unsupported distance metric: %s (must be cosine, euclidean, or dot)", metric)
}

// initializeSchema creates the extension, tables and indices if they don't exist
func (s *Store) initializeSchema(ctx context.Context) error {
	m, _ := distance(s.metric)

	statements := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		`CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			bot_id TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			significance DOUBLE PRECISION NOT NULL DEFAULT 0,
			decay_protection BOOLEAN NOT NULL DEFAULT FALSE,
			tier TEXT NOT NULL DEFAULT 'short_term',
			expired_at TIMESTAMP WITH TIME ZONE,
			history JSONB NOT NULL DEFAULT '[]'
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_vectors (
			record_id TEXT NOT NULL REFERENCES memory_records (id) ON DELETE CASCADE,
			space TEXT NOT NULL,
			embedding VECTOR(%d) NOT NULL,
			PRIMARY KEY (record_id, space)
		)`, s.dimensions),
		"CREATE INDEX IF NOT EXISTS memory_records_owner_idx ON memory_records (user_id, bot_id)",
		"CREATE INDEX IF NOT EXISTS memory_records_owner_tier_idx ON memory_records (user_id, bot_id, tier)",
		"CREATE INDEX IF NOT EXISTS memory_records_created_at_idx ON memory_records (created_at)",
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS memory_vectors_embedding_idx ON memory_vectors USING ivfflat (embedding %s) WITH (lists = 100)", m.opclass),
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// Put implements memory.Writer. Record and vectors are written in one transaction.
func (s *Store) Put(ctx context.Context, record memory.MemoryRecord) (string, error) {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	if err := record.Validate(); err != nil {
		return "", err
	}

	history, err := json.Marshal(historyOrEmpty(record.History))
	if err != nil {
		return "", fmt.Errorf("failed to marshal history: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO memory_records (id, user_id, bot_id, content, created_at, significance, decay_protection, tier, expired_at, history)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			significance = EXCLUDED.significance,
			decay_protection = EXCLUDED.decay_protection,
			tier = EXCLUDED.tier,
			expired_at = EXCLUDED.expired_at,
			history = EXCLUDED.history
		WHERE memory_records.user_id = EXCLUDED.user_id AND memory_records.bot_id = EXCLUDED.bot_id`,
		record.ID, record.Owner.UserID, record.Owner.BotID, record.Content, record.Timestamp,
		record.Significance, record.DecayProtection, record.Tier.String(), record.ExpiredAt, string(history),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert record: %w", err)
	}
	// The guarded upsert touches no row when id belongs to another owner.
	if tag.RowsAffected() == 0 {
		return "", memerrors.Wrap(memerrors.ErrPermissionDenied, "record %s belongs to another owner", record.ID)
	}

	for space, vec := range record.Vectors {
		if len(vec) != s.dimensions {
			return "", memerrors.Wrap(memerrors.ErrInvalidInput, "space %s vector has %d dimensions, want %d", space, len(vec), s.dimensions)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO memory_vectors (record_id, space, embedding) VALUES ($1, $2, $3::vector)
			ON CONFLICT (record_id, space) DO UPDATE SET embedding = EXCLUDED.embedding`,
			record.ID, string(space), pgv.NewVector(vec),
		)
		if err != nil {
			return "", fmt.Errorf("failed to insert vector for space %s: %w", space, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit record: %w", err)
	}
	return record.ID, nil
}

func historyOrEmpty(h []memory.TierTransition) []memory.TierTransition {
	if h == nil {
		return []memory.TierTransition{}
	}
	return h
}

const recordColumns = "r.id, r.user_id, r.bot_id, r.content, r.created_at, r.significance, r.decay_protection, r.tier, r.expired_at, r.history"

// buildSearchQuery renders the similarity query for one space. Arguments
// $1..$4 are the vector, user, bot and space; filters append more.
func buildSearchQuery(metric string, f memory.Filters, limit int) (string, []interface{}, error) {
	m, err := distance(metric)
	if err != nil {
		return "", nil, err
	}
	dist := "v.embedding " + m.operator + " $1::vector"

	var where []string
	args := []interface{}{}
	next := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args)+4)
	}

	if !f.IncludeExpired {
		where = append(where, "r.expired_at IS NULL")
	}
	if len(f.Tiers) > 0 {
		names := make([]string, len(f.Tiers))
		for i, t := range f.Tiers {
			names[i] = t.String()
		}
		where = append(where, "r.tier = ANY("+next(names)+")")
	}
	if f.MinSignificance > 0 {
		where = append(where, "r.significance >= "+next(f.MinSignificance))
	}

	query := fmt.Sprintf(`SELECT %s, %s AS score
		FROM memory_vectors v JOIN memory_records r ON r.id = v.record_id
		WHERE r.user_id = $2 AND r.bot_id = $3 AND v.space = $4`, recordColumns, fmt.Sprintf(m.score, dist))
	for _, w := range where {
		query += " AND " + w
	}
	query += fmt.Sprintf(" ORDER BY %s, r.id LIMIT %d", dist, limit)
	return query, args, nil
}

// Search implements memory.Store.
func (s *Store) Search(ctx context.Context, key owner.Key, req memory.SearchRequest) (memory.RankedList, error) {
	list := memory.RankedList{Space: req.Space}
	if err := key.Validate(); err != nil {
		return list, err
	}
	if len(req.Vector) == 0 {
		return list, memerrors.Wrap(memerrors.ErrInvalidInput, "missing query vector")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	query, extra, err := buildSearchQuery(s.metric, req.Filters, limit)
	if err != nil {
		return list, err
	}
	args := append([]interface{}{pgv.NewVector(req.Vector), key.UserID, key.BotID, string(req.Space)}, extra...)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return list, fmt.Errorf("failed to search space %s: %w", req.Space, err)
	}
	defer rows.Close()

	for rows.Next() {
		var score float64
		rec, err := scanRecord(rows, &score)
		if err != nil {
			return memory.RankedList{Space: req.Space}, err
		}
		list.Items = append(list.Items, memory.ScoredRecord{Record: rec, Score: score})
	}
	return list, rows.Err()
}

func scanRecord(rows pgx.Rows, extra ...interface{}) (memory.MemoryRecord, error) {
	var (
		rec       memory.MemoryRecord
		tier      string
		history   []byte
		expired   *time.Time
		userID    string
		botID     string
		createdAt time.Time
	)
	dest := []interface{}{&rec.ID, &userID, &botID, &rec.Content, &createdAt, &rec.Significance, &rec.DecayProtection, &tier, &expired, &history}
	if err := rows.Scan(append(dest, extra...)...); err != nil {
		return rec, fmt.Errorf("failed to scan record: %w", err)
	}

	parsed, err := memory.ParseTier(tier)
	if err != nil {
		return rec, err
	}
	rec.Owner = owner.New(userID, botID)
	rec.Timestamp = createdAt.UTC()
	rec.Tier = parsed
	rec.ExpiredAt = expired
	if len(history) > 0 {
		if err := json.Unmarshal(history, &rec.History); err != nil {
			return rec, fmt.Errorf("failed to unmarshal history of %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...interface{}) ([]memory.MemoryRecord, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []memory.MemoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Scroll implements memory.Store.
func (s *Store) Scroll(ctx context.Context, key owner.Key, req memory.ScrollRequest) ([]memory.MemoryRecord, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	query := "SELECT " + recordColumns + " FROM memory_records r WHERE r.user_id = $1 AND r.bot_id = $2"
	args := []interface{}{key.UserID, key.BotID}
	if !req.IncludeExpired {
		query += " AND r.expired_at IS NULL"
	}
	if !req.After.IsZero() {
		args = append(args, req.After)
		query += fmt.Sprintf(" AND r.created_at >= $%d", len(args))
	}
	if !req.Before.IsZero() {
		args = append(args, req.Before)
		query += fmt.Sprintf(" AND r.created_at <= $%d", len(args))
	}
	query += " ORDER BY r.created_at DESC, r.id"
	if req.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", req.Limit)
	}
	return s.queryRecords(ctx, query, args...)
}

// GetByTier implements memory.Store.
func (s *Store) GetByTier(ctx context.Context, key owner.Key, tier memory.Tier, limit int) ([]memory.MemoryRecord, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	query := "SELECT " + recordColumns + ` FROM memory_records r
		WHERE r.user_id = $1 AND r.bot_id = $2 AND r.tier = $3 AND r.expired_at IS NULL
		ORDER BY r.created_at, r.id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryRecords(ctx, query, key.UserID, key.BotID, tier.String())
}

// UpdateMetadata implements memory.Store with a single UPDATE statement.
func (s *Store) UpdateMetadata(ctx context.Context, key owner.Key, id string, update memory.MetadataUpdate) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := update.Validate(); err != nil {
		return err
	}

	var tier *string
	if update.Tier != nil {
		name := update.Tier.String()
		tier = &name
	}
	history, err := json.Marshal(historyOrEmpty(update.AppendHistory))
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE memory_records SET
			tier = COALESCE($4, tier),
			significance = COALESCE($5, significance),
			decay_protection = COALESCE($6, decay_protection),
			expired_at = COALESCE($7, expired_at),
			history = history || $8::jsonb
		WHERE user_id = $1 AND bot_id = $2 AND id = $3`,
		key.UserID, key.BotID, id, tier, update.Significance, update.DecayProtection, update.ExpiredAt, string(history),
	)
	if err != nil {
		return fmt.Errorf("failed to update record %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return memerrors.Wrap(memerrors.ErrNotFound, "record %s", id)
	}
	return nil
}

// ListOwners implements memory.AdminStore.
func (s *Store) ListOwners(ctx context.Context) ([]owner.Key, error) {
	rows, err := s.db.Query(ctx, "SELECT DISTINCT user_id, bot_id FROM memory_records ORDER BY user_id, bot_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}
	defer rows.Close()

	var keys []owner.Key
	for rows.Next() {
		var k owner.Key
		if err := rows.Scan(&k.UserID, &k.BotID); err != nil {
			return nil, fmt.Errorf("failed to scan owner: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}
