package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"docqa/internal/chat"
	"docqa/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, ollamaURL string) *config.Config {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.OllamaHost = ollamaURL
	cfg.VectorStore.Dir = filepath.Join(cfg.DataDir, "vectors")
	cfg.Sessions.Path = filepath.Join(cfg.DataDir, "sessions")
	cfg.OCR.Enabled = false
	return cfg
}

func modelServer(t *testing.T, models ...string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data := make([]map[string]string, len(models))
		for i, m := range models {
			data[i] = map[string]string{"id": m, "object": "model"}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"object": "list", "data": data})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveModel(t *testing.T) {
	ctx := context.Background()
	srv := modelServer(t, "phi3:latest", "llama3.2:latest")
	cfg := testConfig(t, srv.URL)

	a, err := New(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.ResolveModel(ctx, cfg))
	assert.Equal(t, "llama3.2:latest", cfg.LLM.Model)
}

func TestResolveModel_KeepsConfigured(t *testing.T) {
	ctx := context.Background()
	srv := modelServer(t)
	cfg := testConfig(t, srv.URL)
	cfg.LLM.Model = "mistral"

	a, err := New(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.ResolveModel(ctx, cfg))
	assert.Equal(t, "mistral", cfg.LLM.Model)
}

func TestResolveModel_NoModels(t *testing.T) {
	ctx := context.Background()
	srv := modelServer(t)
	cfg := testConfig(t, srv.URL)

	a, err := New(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()
	assert.Error(t, a.ResolveModel(ctx, cfg))
}

func TestNew_Errors(t *testing.T) {
	cfg := testConfig(t, "http://localhost:11434")
	cfg.LLM.Provider = "bard"
	_, err := New(context.Background(), cfg)
	assert.ErrorContains(t, err, "llm client")

	cfg = testConfig(t, "http://localhost:11434")
	cfg.Embedding.Provider = "openai"
	_, err = New(context.Background(), cfg)
	assert.ErrorContains(t, err, "embedder")
}

func TestNewSessionStore(t *testing.T) {
	ctx := context.Background()
	for _, backend := range []string{"file", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig(t, "")
			cfg.Sessions.Backend = backend
			if backend == "sqlite" {
				cfg.Sessions.Path = filepath.Join(cfg.DataDir, "docqa.db")
			}
			store, err := NewSessionStore(cfg)
			require.NoError(t, err)
			defer store.Close()

			sess, err := store.Create(ctx, "Report", "")
			require.NoError(t, err)
			_, err = store.Get(ctx, sess.ID)
			require.NoError(t, err)
			_, err = store.Get(ctx, "missing")
			assert.ErrorIs(t, err, chat.ErrNotFound)
		})
	}

	cfg := testConfig(t, "")
	cfg.Sessions.Backend = "mongo"
	_, err := NewSessionStore(cfg)
	assert.Error(t, err)
}
