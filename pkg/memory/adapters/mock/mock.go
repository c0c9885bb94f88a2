// Package mock provides an in-memory memory.Store with fault injection.
package mock

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/errors"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/log"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/memory"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/owner"
)

// MockStore is an in-memory implementation of memory.ReadWriteStore
// used for testing and development.
type MockStore struct {
	// records[owner][id]
	records map[owner.Key]map[string]memory.MemoryRecord

	// failSpaces makes Search in a space return the error
	failSpaces map[memory.VectorSpace]error

	// delays makes Search in a space block (honouring ctx) before answering
	delays map[memory.VectorSpace]time.Duration

	// failUpdates makes UpdateMetadata of a record id return the error
	failUpdates map[string]error

	scrollErr error

	calls map[string]int

	mutex sync.RWMutex
}

// NewMockStore creates a new instance of the MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		records:     make(map[owner.Key]map[string]memory.MemoryRecord),
		failSpaces:  make(map[memory.VectorSpace]error),
		delays:      make(map[memory.VectorSpace]time.Duration),
		failUpdates: make(map[string]error),
		calls:       make(map[string]int),
	}
}

// FailSpace makes searches in space fail with err. A nil err clears it.
func (m *MockStore) FailSpace(space memory.VectorSpace, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err == nil {
		delete(m.failSpaces, space)
		return
	}
	m.failSpaces[space] = err
}

// DelaySpace makes searches in space wait d before answering.
func (m *MockStore) DelaySpace(space memory.VectorSpace, d time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.delays[space] = d
}

// FailUpdate makes UpdateMetadata of id fail with err. A nil err clears it.
func (m *MockStore) FailUpdate(id string, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err == nil {
		delete(m.failUpdates, id)
		return
	}
	m.failUpdates[id] = err
}

// FailScroll makes Scroll fail with err. A nil err clears it.
func (m *MockStore) FailScroll(err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.scrollErr = err
}

// Calls returns how many times method was invoked.
func (m *MockStore) Calls(method string) int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.calls[method]
}

// Get returns a copy of a record, for assertions.
func (m *MockStore) Get(key owner.Key, id string) (memory.MemoryRecord, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	rec, ok := m.records[key][id]
	return clone(rec), ok
}

// Put implements memory.Writer.
func (m *MockStore) Put(ctx context.Context, record memory.MemoryRecord) (string, error) {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if err := record.Validate(); err != nil {
		return "", err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.calls["Put"]++

	if _, exists := m.records[record.Owner]; !exists {
		m.records[record.Owner] = make(map[string]memory.MemoryRecord)
	}
	m.records[record.Owner][record.ID] = clone(record)

	log.DebugContext(ctx, "Stored memory record in mock store",
		"record_id", record.ID,
		"owner", record.Owner.String(),
	)
	return record.ID, nil
}

// Search implements memory.Store.
func (m *MockStore) Search(ctx context.Context, key owner.Key, req memory.SearchRequest) (memory.RankedList, error) {
	if err := key.Validate(); err != nil {
		return memory.RankedList{}, err
	}

	m.mutex.Lock()
	m.calls["Search"]++
	failErr := m.failSpaces[req.Space]
	delay := m.delays[req.Space]
	m.mutex.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return memory.RankedList{}, ctx.Err()
		}
	}
	if failErr != nil {
		return memory.RankedList{}, failErr
	}
	if err := ctx.Err(); err != nil {
		return memory.RankedList{}, err
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	list := memory.RankedList{Space: req.Space}
	for _, rec := range m.records[key] {
		vec, ok := rec.Vectors[req.Space]
		if !ok || !req.Filters.Match(rec) {
			continue
		}
		list.Items = append(list.Items, memory.ScoredRecord{
			Record: clone(rec),
			Score:  Cosine(req.Vector, vec),
		})
	}

	sort.Slice(list.Items, func(i, j int) bool {
		a, b := list.Items[i], list.Items[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.Record.ID < b.Record.ID
	})
	if req.Limit > 0 && len(list.Items) > req.Limit {
		list.Items = list.Items[:req.Limit]
	}
	return list, nil
}

// Scroll implements memory.Store.
func (m *MockStore) Scroll(ctx context.Context, key owner.Key, req memory.ScrollRequest) ([]memory.MemoryRecord, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mutex.Lock()
	m.calls["Scroll"]++
	scrollErr := m.scrollErr
	m.mutex.Unlock()
	if scrollErr != nil {
		return nil, scrollErr
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var out []memory.MemoryRecord
	for _, rec := range m.records[key] {
		if req.Match(rec) {
			out = append(out, clone(rec))
		}
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
func (m *MockStore) GetByTier(ctx context.Context, key owner.Key, tier memory.Tier, limit int) ([]memory.MemoryRecord, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mutex.Lock()
	m.calls["GetByTier"]++
	m.mutex.Unlock()

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var out []memory.MemoryRecord
	for _, rec := range m.records[key] {
		if rec.Tier == tier && !rec.Expired() {
			out = append(out, clone(rec))
		}
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

// UpdateMetadata implements memory.Store.
func (m *MockStore) UpdateMetadata(ctx context.Context, key owner.Key, id string, update memory.MetadataUpdate) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := update.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.calls["UpdateMetadata"]++

	if err := m.failUpdates[id]; err != nil {
		return err
	}

	rec, ok := m.records[key][id]
	if !ok {
		return errors.Wrap(errors.ErrNotFound, "record %s", id)
	}
	rec = clone(rec)
	update.Apply(&rec)
	m.records[key][id] = rec
	return nil
}

// ListOwners implements memory.AdminStore.
func (m *MockStore) ListOwners(ctx context.Context) ([]owner.Key, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	keys := make([]owner.Key, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

// Close implements memory.ReadWriteStore.
func (m *MockStore) Close() error {
	return nil
}

// Cosine returns the cosine similarity of a and b, or 0 when either is empty
// or their lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func clone(r memory.MemoryRecord) memory.MemoryRecord {
	if r.History != nil {
		r.History = append([]memory.TierTransition(nil), r.History...)
	}
	if r.ExpiredAt != nil {
		at := *r.ExpiredAt
		r.ExpiredAt = &at
	}
	if r.Vectors != nil {
		vecs := make(map[memory.VectorSpace][]float32, len(r.Vectors))
		for k, v := range r.Vectors {
			vecs[k] = v
		}
		r.Vectors = vecs
	}
	return r
}
