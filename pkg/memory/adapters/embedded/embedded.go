// Package embedded implements memory.Store on local files: bbolt holds the
// canonical records and chromem-go holds one vector collection per owner and
// space.
package embedded

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	bolt "go.etcd.io/bbolt"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/errors"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/log"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/memory"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/owner"
)

const ownersBucket = "owners"

// Options configures Open.
type Options struct {
	// Path is the data directory
	Path string

	// PersistVectors stores chromem collections under Path/vectors instead
	// of rebuilding them from bbolt on every open
	PersistVectors bool

	// Oversample multiplies the search limit before post-filtering
	Oversample int
}

// Store implements memory.ReadWriteStore.
type Store struct {
	db         *bolt.DB
	vectors    *chromem.DB
	oversample int
}

// Open creates the data directory, opens the bbolt file and loads the
// vector collections.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if err := os.MkdirAll(opts.Path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bolt.Open(filepath.Join(opts.Path, "memories.db"), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	var vectors *chromem.DB
	if opts.PersistVectors {
		vectors, err = chromem.NewPersistentDB(filepath.Join(opts.Path, "vectors"), false)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to open vector database: %w", err)
		}
	} else {
		vectors = chromem.NewDB()
	}

	s := New(db, vectors, opts.Oversample)
	if err := s.Initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if !opts.PersistVectors {
		if err := s.Rebuild(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// New wraps already opened databases.
func New(db *bolt.DB, vectors *chromem.DB, oversample int) *Store {
	if oversample <= 0 {
		oversample = 4
	}

	log.Debug("Initialized embedded memory store",
		"db_path", db.Path(),
		"read_only", db.IsReadOnly(),
	)

	return &Store{db: db, vectors: vectors, oversample: oversample}
}

// Initialize creates the required buckets if they don't exist.
func (s *Store) Initialize(ctx context.Context) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(ownersBucket))
		return err
	})
	if err != nil {
		log.ErrorContext(ctx, "Failed to initialize bolt buckets", "error", err)
		return fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return nil
}

// Rebuild loads every stored vector into chromem.
func (s *Store) Rebuild(ctx context.Context) error {
	var records []memory.MemoryRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		owners := tx.Bucket([]byte(ownersBucket))
		if owners == nil {
			return nil
		}
		return owners.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil
			}
			return owners.Bucket(k).ForEach(func(_, data []byte) error {
				var rec memory.MemoryRecord
				if err := json.Unmarshal(data, &rec); err != nil {
					return fmt.Errorf("failed to unmarshal record: %w", err)
				}
				records = append(records, rec)
				return nil
			})
		})
	})
	if err != nil {
		return fmt.Errorf("failed to scan records: %w", err)
	}

	for _, rec := range records {
		if err := s.indexVectors(ctx, rec); err != nil {
			return err
		}
	}

	log.DebugContext(ctx, "Rebuilt vector collections", "records", len(records))
	return nil
}

func collectionName(key owner.Key, space memory.VectorSpace) string {
	return key.String() + "/" + string(space)
}

// refuseEmbedding keeps chromem from calling a remote embedding API; vectors
// always arrive precomputed.
func refuseEmbedding(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("embedded store requires precomputed embeddings")
}

// indexVectors adds the vectors of rec to its collections. Expired records
// are not searchable and stay out of the index.
func (s *Store) indexVectors(ctx context.Context, rec memory.MemoryRecord) error {
	if rec.Expired() {
		return nil
	}
	for space, vec := range rec.Vectors {
		if len(vec) == 0 {
			continue
		}
		col, err := s.vectors.GetOrCreateCollection(collectionName(rec.Owner, space), nil, refuseEmbedding)
		if err != nil {
			return fmt.Errorf("failed to open collection for space %s: %w", space, err)
		}
		err = col.AddDocument(ctx, chromem.Document{
			ID:        rec.ID,
			Content:   rec.Content,
			Embedding: vec,
		})
		if err != nil {
			return fmt.Errorf("failed to index vector for space %s: %w", space, err)
		}
	}
	return nil
}

// ownerBucket gets or creates the bucket of one owner.
func ownerBucket(tx *bolt.Tx, key owner.Key) (*bolt.Bucket, error) {
	owners, err := tx.CreateBucketIfNotExists([]byte(ownersBucket))
	if err != nil {
		return nil, fmt.Errorf("failed to create owners bucket: %w", err)
	}
	b, err := owners.CreateBucketIfNotExists([]byte(key.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to create owner bucket for %s: %w", key, err)
	}
	return b, nil
}

// readOwnerBucket returns nil when the owner has no records yet.
func readOwnerBucket(tx *bolt.Tx, key owner.Key) *bolt.Bucket {
	owners := tx.Bucket([]byte(ownersBucket))
	if owners == nil {
		return nil
	}
	return owners.Bucket([]byte(key.String()))
}

// Put implements memory.Writer.
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

	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := ownerBucket(tx, record.Owner)
		if err != nil {
			return err
		}
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		return b.Put([]byte(record.ID), data)
	})
	if err != nil {
		return "", fmt.Errorf("failed to store record: %w", err)
	}

	index := s.indexVectors
	if record.Expired() {
		// an overwrite may expire a record that was indexed before
		index = s.unindexVectors
	}
	if err := index(ctx, record); err != nil {
		return "", err
	}

	log.DebugContext(ctx, "Stored memory record",
		"record_id", record.ID,
		"spaces", len(record.Vectors),
	)
	return record.ID, nil
}

// Search implements memory.Store. Expired records are dropped from the
// index, so Filters.IncludeExpired has no effect here.
func (s *Store) Search(ctx context.Context, key owner.Key, req memory.SearchRequest) (memory.RankedList, error) {
	list := memory.RankedList{Space: req.Space}
	if err := key.Validate(); err != nil {
		return list, err
	}
	if err := ctx.Err(); err != nil {
		return list, err
	}

	col := s.vectors.GetCollection(collectionName(key, req.Space), refuseEmbedding)
	if col == nil {
		return list, nil
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	count := col.Count()
	n := limit * s.oversample

	// Post-filtering can drop most neighbours; widen the query until the
	// limit is met or the collection is exhausted.
	for {
		if n > count {
			n = count
		}
		if n == 0 {
			return list, nil
		}

		results, err := col.QueryEmbedding(ctx, req.Vector, n, nil, nil)
		if err != nil {
			return list, fmt.Errorf("failed to query space %s: %w", req.Space, err)
		}
		items, err := s.resolve(key, results, req.Filters, limit)
		if err != nil {
			return memory.RankedList{Space: req.Space}, err
		}
		if len(items) >= limit || n >= count {
			list.Items = items
			return list, nil
		}
		n *= 2
	}
}

// resolve loads the records behind query results, keeping at most limit
// that pass f.
func (s *Store) resolve(key owner.Key, results []chromem.Result, f memory.Filters, limit int) ([]memory.ScoredRecord, error) {
	var items []memory.ScoredRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := readOwnerBucket(tx, key)
		if b == nil {
			return nil
		}
		for _, res := range results {
			data := b.Get([]byte(res.ID))
			if data == nil {
				continue
			}
			var rec memory.MemoryRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal record %s: %w", res.ID, err)
			}
			if !f.Match(rec) {
				continue
			}
			items = append(items, memory.ScoredRecord{Record: rec, Score: float64(res.Similarity)})
			if len(items) == limit {
				break
			}
		}
		return nil
	})
	return items, err
}

// scan decodes every record of one owner that keep accepts.
func (s *Store) scan(key owner.Key, keep func(memory.MemoryRecord) bool) ([]memory.MemoryRecord, error) {
	var out []memory.MemoryRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := readOwnerBucket(tx, key)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, data []byte) error {
			var rec memory.MemoryRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal record: %w", err)
			}
			if keep(rec) {
				out = append(out, rec)
			}
			return nil
		})
	})
	return out, err
}

// Scroll implements memory.Store.
func (s *Store) Scroll(ctx context.Context, key owner.Key, req memory.ScrollRequest) ([]memory.MemoryRecord, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := s.scan(key, req.Match)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

// GetByTier implements memory.Store.
func (s *Store) GetByTier(ctx context.Context, key owner.Key, tier memory.Tier, limit int) ([]memory.MemoryRecord, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := s.scan(key, func(r memory.MemoryRecord) bool {
		return r.Tier == tier && !r.Expired()
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateMetadata implements memory.Store. The read-modify-write happens in a
// single bbolt transaction.
func (s *Store) UpdateMetadata(ctx context.Context, key owner.Key, id string, update memory.MetadataUpdate) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := update.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var (
		updated    memory.MemoryRecord
		wasExpired bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := readOwnerBucket(tx, key)
		if b == nil {
			return errors.Wrap(errors.ErrNotFound, "record %s", id)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return errors.Wrap(errors.ErrNotFound, "record %s", id)
		}

		var rec memory.MemoryRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal record %s: %w", id, err)
		}
		wasExpired = rec.Expired()
		update.Apply(&rec)
		updated = rec

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record %s: %w", id, err)
		}
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return err
	}

	if updated.Expired() && !wasExpired {
		return s.unindexVectors(ctx, updated)
	}
	return nil
}

// unindexVectors removes rec from the collections it was indexed in.
func (s *Store) unindexVectors(ctx context.Context, rec memory.MemoryRecord) error {
	for space, vec := range rec.Vectors {
		if len(vec) == 0 {
			continue
		}
		col := s.vectors.GetCollection(collectionName(rec.Owner, space), refuseEmbedding)
		if col == nil {
			continue
		}
		if err := col.Delete(ctx, nil, nil, rec.ID); err != nil {
			return fmt.Errorf("failed to unindex record %s from space %s: %w", rec.ID, space, err)
		}
	}
	return nil
}

// ListOwners implements memory.AdminStore.
func (s *Store) ListOwners(ctx context.Context) ([]owner.Key, error) {
	var keys []owner.Key
	err := s.db.View(func(tx *bolt.Tx) error {
		owners := tx.Bucket([]byte(ownersBucket))
		if owners == nil {
			return nil
		}
		return owners.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil
			}
			key, err := owner.Parse(string(k))
			if err != nil {
				log.WarnContext(ctx, "Skipping malformed owner bucket", "bucket", string(k), "error", err)
				return nil
			}
			keys = append(keys, key)
			return nil
		})
	})
	return keys, err
}

// Close closes the bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}
