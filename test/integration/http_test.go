package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/bootstrap"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/config"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/owner"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/server"
)

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// TestHTTPOverEmbeddedStore serves a fully wired app and drives it over HTTP.
func TestHTTPOverEmbeddedStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg, err := config.LoadFromBytes([]byte(fmt.Sprintf(`
store:
  type: embedded
  embedded:
    path: %s
embedding:
  provider: mock
  dimensions: 64
rerank:
  enabled: true
  provider: mock
audit:
  driver: sqlite3
  dsn: %s
`, filepath.Join(dir, "data"), filepath.Join(dir, "audit.db"))))
	require.NoError(t, err)

	app, err := bootstrap.New(ctx, cfg)
	require.NoError(t, err)
	defer app.Close()
	require.NoError(t, app.Init(ctx))

	alice := owner.New("alice", "elena")
	_, err = app.Orchestrator.Remember(ctx, alice, "I felt so sad and lonely after the move", 0.6)
	require.NoError(t, err)
	_, err = app.Orchestrator.Remember(ctx, alice, "My favourite food is ramen", 0.4)
	require.NoError(t, err)

	ts := httptest.NewServer(server.New(app.Orchestrator, "test"))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/v1/retrieve", map[string]string{
		"user_id": "alice", "bot_id": "elena", "query": "I feel so sad and lonely",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Mode       string `json:"mode"`
		Reranked   bool   `json:"reranked"`
		Candidates []struct {
			Record struct {
				Content string `json:"content"`
			} `json:"record"`
		} `json:"candidates"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "similarity", result.Mode)
	assert.True(t, result.Reranked)
	require.Len(t, result.Candidates, 2)
	assert.Equal(t, "I felt so sad and lonely after the move", result.Candidates[0].Record.Content)

	resp = postJSON(t, ts.URL+"/v1/retrieve", map[string]string{
		"user_id": "bob", "bot_id": "elena", "query": "I feel so sad and lonely",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result.Candidates = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Empty(t, result.Candidates)

	resp = postJSON(t, ts.URL+"/v1/sweeps", map[string]string{"user_id": "alice", "bot_id": "elena"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sweep struct {
		Report struct {
			Scanned int `json:"scanned"`
		} `json:"report"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sweep))
	assert.Equal(t, 2, sweep.Report.Scanned)

	resp = postJSON(t, ts.URL+"/v1/retrieve", map[string]string{"user_id": "a:b", "bot_id": "elena", "query": "hi"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
