// Package testutil holds helpers shared by the integration tests.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	chromem "github.com/philippgille/chromem-go"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/memory"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/memory/adapters/embedded"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/owner"
)

// CreateTempBoltDB opens a bbolt database in a test temp directory. It is
// closed when the test ends.
func CreateTempBoltDB(t *testing.T) (*bolt.DB, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "memories.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, dbPath
}

// NewEmbeddedStore builds an embedded store over a temp bbolt file and a
// fresh in-memory chromem index.
func NewEmbeddedStore(t *testing.T) *embedded.Store {
	t.Helper()
	db, _ := CreateTempBoltDB(t)
	store := embedded.New(db, chromem.NewDB(), 4)
	require.NoError(t, store.Initialize(context.Background()))
	return store
}

// OpenEmbeddedStore opens the embedded store rooted at dir, creating it when
// dir is empty. The store is closed when the test ends unless the caller
// closes it first.
func OpenEmbeddedStore(t *testing.T, dir string) (*embedded.Store, string) {
	t.Helper()
	if dir == "" {
		dir = t.TempDir()
	}
	store, err := embedded.Open(context.Background(), embedded.Options{Path: dir})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, dir
}

// PgVectorURL returns the connection string of the test database, skipping
// the test unless integration tests are enabled.
func PgVectorURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("PGVECTOR_URL")
	if url == "" || os.Getenv("INTEGRATION_TESTS") != "true" {
		t.Skip("set PGVECTOR_URL and INTEGRATION_TESTS=true to run")
	}
	return url
}

// Seed stores records for key, filling in the owner, and returns their ids.
func Seed(t *testing.T, w memory.Writer, key owner.Key, records ...memory.MemoryRecord) []string {
	t.Helper()
	ids := make([]string, 0, len(records))
	for _, r := range records {
		r.Owner = key
		id, err := w.Put(context.Background(), r)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}
