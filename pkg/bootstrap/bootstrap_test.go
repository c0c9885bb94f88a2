package bootstrap_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/audit"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/bootstrap"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/classify"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/config"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/owner"
)

const classifierScript = `
function extra_rules(q)
	if memory.count(q, "\\bpizza\\b") > 0 then
		return {factual = 0.9}
	end
	return {}
end
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	scripts := filepath.Join(dir, "scripts")
	require.NoError(t, os.MkdirAll(scripts, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(scripts, "rules.lua"), []byte(classifierScript), 0o644))

	yaml := fmt.Sprintf(`
store:
  type: embedded
  embedded:
    path: %s
embedding:
  provider: mock
  dimensions: 64
classifier:
  script_function: extra_rules
rerank:
  enabled: true
  provider: mock
audit:
  driver: sqlite3
  dsn: %s
scripting:
  paths: [%s]
`, filepath.Join(dir, "data"), filepath.Join(dir, "audit.db"), scripts)

	cfg, err := config.LoadFromBytes([]byte(yaml))
	require.NoError(t, err)
	return cfg
}

func TestNewWiresEverything(t *testing.T) {
	ctx := context.Background()
	app, err := bootstrap.New(ctx, testConfig(t))
	require.NoError(t, err)
	defer app.Close()

	require.NoError(t, app.Init(ctx))
	assert.NotNil(t, app.Scripts)
	assert.NotNil(t, app.Reranker)
	assert.True(t, app.Orchestrator.RerankerReady())
	_, isSQL := app.Ledger.(*audit.SQLLedger)
	assert.True(t, isSQL)

	key := owner.New("alice", "elena")
	_, err = app.Orchestrator.Remember(ctx, key, "We ordered pizza with extra olives", 0.9)
	require.NoError(t, err)

	res, err := app.Orchestrator.Retrieve(ctx, key, "pizza")
	require.NoError(t, err)
	assert.Equal(t, classify.Factual, res.Classification.Category, "script rule lifts a bare keyword")
	require.Len(t, res.Candidates, 1)
	assert.False(t, res.Reranked, "a single candidate is never reranked")

	report, err := app.Orchestrator.RunTierSweep(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 0, report.Transitions())

	reports, err := app.Scheduler.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, key, reports[0].Owner)
}

func TestNewMemoryStoreDefaults(t *testing.T) {
	cfg, err := config.LoadFromBytes([]byte("store:\n  type: memory\n"))
	require.NoError(t, err)

	app, err := bootstrap.New(context.Background(), cfg)
	require.NoError(t, err)
	defer app.Close()

	require.NoError(t, app.Init(context.Background()))
	assert.Nil(t, app.Scripts)
	assert.Nil(t, app.Reranker)
	assert.IsType(t, audit.NopLedger{}, app.Ledger)
	assert.False(t, app.Orchestrator.RerankerReady())
}

func TestNewFailsOnMissingScriptFunction(t *testing.T) {
	cfg := testConfig(t)
	cfg.Classifier.ScriptFunction = "not_defined"

	_, err := bootstrap.New(context.Background(), cfg)
	assert.ErrorContains(t, err, "not_defined")
}

func TestNewFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memoryd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  type: memory\n"), 0o644))

	app, err := bootstrap.NewFromFile(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, app.Close())

	_, err = bootstrap.NewFromFile(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
