package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"docqa/internal/app"
	"docqa/internal/chat"
	"docqa/internal/config"
	"docqa/internal/indexer"
	"docqa/internal/metrics"
	"docqa/internal/rag"
	"docqa/internal/retriever"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOllama serves the OpenAI-compatible endpoints Ollama exposes under /v1.
type fakeOllama struct {
	mu        sync.Mutex
	models    []string
	embedGate chan struct{} // embedding requests wait for it when set
	embedHits chan struct{}
	chatFails bool
}

func (f *fakeOllama) setModels(models ...string) {
	f.mu.Lock()
	f.models = models
	f.mu.Unlock()
}

func (f *fakeOllama) setChatFailing(fail bool) {
	f.mu.Lock()
	f.chatFails = fail
	f.mu.Unlock()
}

// holdEmbeddings blocks embedding requests until release is called.
func (f *fakeOllama) holdEmbeddings() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.embedGate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.embedGate = nil
			f.mu.Unlock()
			close(gate)
		})
	}
}

func (f *fakeOllama) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		data := make([]map[string]interface{}, len(f.models))
		for i, m := range f.models {
			data[i] = map[string]interface{}{"id": m, "object": "model"}
		}
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"object": "list", "data": data})
	})
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		gate, hits := f.embedGate, f.embedHits
		f.mu.Unlock()
		select {
		case hits <- struct{}{}:
		default:
		}
		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}
		data := make([]map[string]interface{}, len(req.Input))
		for i, in := range req.Input {
			vec := []float32{0.01, 0.01}
			if strings.Contains(strings.ToLower(in), "revenue") {
				vec[0] = 1
			}
			data[i] = map[string]interface{}{"object": "embedding", "index": i, "embedding": vec}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"object": "list", "data": data})
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Stream   bool `json:"stream"`
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		fail := f.chatFails
		f.mu.Unlock()
		if fail {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":{"message":"model crashed","type":"server_error"}}`)
			return
		}
		reply := "Revenue was $10M."
		if strings.Contains(req.Messages[0].Content, "different versions") {
			reply = "How much revenue was earned?\nWhat was the income?"
		}
		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, tok := range strings.SplitAfter(reply, " ") {
				b, _ := json.Marshal(map[string]interface{}{
					"object":  "chat.completion.chunk",
					"choices": []map[string]interface{}{{"index": 0, "delta": map[string]string{"content": tok}}},
				})
				fmt.Fprintf(w, "data: %s\n\n", b)
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "chat.completion",
			"choices": []map[string]interface{}{{
				"index":   0,
				"message": map[string]string{"role": "assistant", "content": reply},
			}},
		})
	})
	return mux
}

type testEnv struct {
	srv    *Server
	ts     *httptest.Server
	ollama *fakeOllama
	cfg    *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, nil, nil)
}

// newTestEnvWith lets a test adjust the config and wrap the session store.
func newTestEnvWith(t *testing.T, configure func(*config.Config), wrap func(chat.Store) chat.Store) *testEnv {
	t.Helper()
	ctx := context.Background()
	f := &fakeOllama{
		models:    []string{"llama3.2:latest", "mistral:latest"},
		embedHits: make(chan struct{}, 64),
	}
	ollama := httptest.NewServer(f.handler(t))
	t.Cleanup(ollama.Close)

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.OllamaHost = ollama.URL
	cfg.VectorStore.Dir = filepath.Join(cfg.DataDir, "vectors")
	cfg.Sessions.Path = filepath.Join(cfg.DataDir, "sessions")
	cfg.OCR.Enabled = false
	if configure != nil {
		configure(cfg)
	}

	a, err := app.New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	require.NoError(t, a.ResolveModel(ctx, cfg))
	require.Equal(t, "llama3.2:latest", cfg.LLM.Model)

	sessions, err := app.NewSessionStore(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })
	if wrap != nil {
		sessions = wrap(sessions)
	}
	settings, err := config.NewSettingsStore(cfg)
	require.NoError(t, err)

	srv := NewServer(cfg, a.Pipeline, sessions, settings, config.Settings{})
	t.Cleanup(srv.Close)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, ts: ts, ollama: f, cfg: cfg}
}

// do sends body as JSON. It is safe to use from other goroutines.
func (e *testEnv) do(method, path string, body interface{}) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return http.DefaultClient.Do(req)
}

// call sends body as JSON and decodes the response into out when non-nil.
func (e *testEnv) call(t *testing.T, method, path string, body, out interface{}) int {
	t.Helper()
	resp, err := e.do(method, path, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) createSession(t *testing.T, name string) chat.Session {
	t.Helper()
	var sess chat.Session
	code := e.call(t, http.MethodPost, "/api/sessions", map[string]string{"name": name}, &sess)
	require.Equal(t, http.StatusCreated, code)
	return sess
}

// postFiles sends files as a multipart upload. It is safe to use from other
// goroutines.
func (e *testEnv) postFiles(sessionID string, files map[string]string) (*http.Response, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		fw, err := mw.CreateFormFile("files", name)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(fw, content); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return http.Post(e.ts.URL+"/api/sessions/"+sessionID+"/upload", mw.FormDataContentType(), &buf)
}

func (e *testEnv) upload(t *testing.T, sessionID string, files map[string]string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := e.postFiles(sessionID, files)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

// ingest uploads a text document and waits for indexing to finish.
func (e *testEnv) ingest(t *testing.T, sessionID string) {
	t.Helper()
	code, _ := e.upload(t, sessionID, map[string]string{
		"report.txt": "Revenue rose to $10M in the last quarter.",
	})
	require.Equal(t, http.StatusAccepted, code)
	st := e.waitIngest(t, sessionID)
	require.Equal(t, phaseDone, st.Phase, st.Error)
}

// ingestView is the part of IngestStatus the tests look at.
type ingestView struct {
	Phase      string `json:"phase"`
	Error      string `json:"error"`
	ChunksDone int    `json:"chunks_done"`
}

// waitIngest polls until the session's ingestion leaves the processing phase.
func (e *testEnv) waitIngest(t *testing.T, sessionID string) ingestView {
	t.Helper()
	var st ingestView
	require.Eventually(t, func() bool {
		resp, err := e.do(http.MethodGet, "/api/sessions/"+sessionID+"/ingest", nil)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		st = ingestView{}
		return json.NewDecoder(resp.Body).Decode(&st) == nil && st.Phase != phaseProcessing
	}, 10*time.Second, 20*time.Millisecond)
	return st
}

// waitEmbedding waits until an embedding request reaches the fake server.
func (e *testEnv) waitEmbedding(t *testing.T) {
	t.Helper()
	select {
	case <-e.ollama.embedHits:
	case <-time.After(10 * time.Second):
		t.Fatal("no embedding request arrived")
	}
}

func TestSessionCRUD(t *testing.T) {
	e := newTestEnv(t)

	a := e.createSession(t, "Annual report")
	assert.Equal(t, "Annual report", a.Name)
	assert.Equal(t, chat.StatusEmpty, a.Status)
	time.Sleep(5 * time.Millisecond)
	b := e.createSession(t, "")
	assert.True(t, strings.HasPrefix(b.Name, "Chat "))

	var list []chat.Session
	require.Equal(t, http.StatusOK, e.call(t, http.MethodGet, "/api/sessions", nil, &list))
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID)

	var got chat.Session
	require.Equal(t, http.StatusOK, e.call(t, http.MethodPatch, "/api/sessions/"+a.ID,
		map[string]string{"name": "Renamed", "model": "mistral:latest"}, &got))
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, "mistral:latest", got.Model)

	assert.Equal(t, http.StatusBadRequest, e.call(t, http.MethodPatch, "/api/sessions/"+a.ID,
		map[string]string{"name": "  "}, nil))

	require.Equal(t, http.StatusOK, e.call(t, http.MethodDelete, "/api/sessions/"+a.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, e.call(t, http.MethodGet, "/api/sessions/"+a.ID, nil, nil))
}

func TestCreateSession_EmptyBody(t *testing.T) {
	e := newTestEnv(t)
	resp, err := http.Post(e.ts.URL+"/api/sessions", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestUnknownSession(t *testing.T) {
	e := newTestEnv(t)
	var out map[string]string
	assert.Equal(t, http.StatusNotFound, e.call(t, http.MethodPost, "/api/sessions/missing/query",
		QueryRequest{Question: "hi"}, &out))
	assert.Equal(t, "Session not found", out["error"])
}

func TestQuery_NoDocuments(t *testing.T) {
	e := newTestEnv(t)
	sess := e.createSession(t, "")
	before := testutil.ToFloat64(metrics.Queries.WithLabelValues(metrics.StatusNoDocument))

	var out map[string]string
	code := e.call(t, http.MethodPost, "/api/sessions/"+sess.ID+"/query", QueryRequest{Question: "What was revenue?"}, &out)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, msgNoDocument, out["error"])
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.Queries.WithLabelValues(metrics.StatusNoDocument)))

	var msgs []chat.Message
	e.call(t, http.MethodGet, "/api/sessions/"+sess.ID+"/messages", nil, &msgs)
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.RoleUser, msgs[0].Role)
}

func TestQuery_EmptyQuestion(t *testing.T) {
	e := newTestEnv(t)
	sess := e.createSession(t, "")
	assert.Equal(t, http.StatusBadRequest, e.call(t, http.MethodPost, "/api/sessions/"+sess.ID+"/query",
		QueryRequest{Question: "   "}, nil))
}

func TestUploadIngestQuery(t *testing.T) {
	e := newTestEnv(t)
	sess := e.createSession(t, "")
	e.ingest(t, sess.ID)

	var got chat.Session
	e.call(t, http.MethodGet, "/api/sessions/"+sess.ID, nil, &got)
	assert.Equal(t, chat.StatusReady, got.Status)
	assert.Equal(t, []string{"report.txt"}, got.Documents)
	assert.Equal(t, 1, got.ChunkCount)

	var resp QueryResponse
	code := e.call(t, http.MethodPost, "/api/sessions/"+sess.ID+"/query", QueryRequest{Question: "What was revenue?"}, &resp)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Revenue was $10M.", resp.Answer.Answer)
	assert.Equal(t, "llama3.2:latest", resp.Answer.Model)
	assert.Len(t, resp.Answer.Queries, 2)
	require.NotEmpty(t, resp.Answer.Sources)
	assert.Equal(t, "report.txt", resp.Answer.Sources[0].Document)

	var msgs []chat.Message
	e.call(t, http.MethodGet, "/api/sessions/"+sess.ID+"/messages", nil, &msgs)
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Revenue was $10M.", msgs[1].Content)
	assert.Equal(t, "llama3.2:latest", msgs[1].Metadata["model"])

	var stats StatsResponse
	e.call(t, http.MethodGet, "/api/stats", nil, &stats)
	assert.Equal(t, 1, stats.Sessions)
	assert.Equal(t, 1, stats.ReadySessions)
	assert.Equal(t, []string{sess.ID}, stats.LoadedCollections)
}

func TestQuery_SessionModel(t *testing.T) {
	e := newTestEnv(t)
	sess := e.createSession(t, "")
	e.ingest(t, sess.ID)
	e.call(t, http.MethodPatch, "/api/sessions/"+sess.ID, map[string]string{"model": "mistral:latest"}, nil)

	var resp QueryResponse
	require.Equal(t, http.StatusOK, e.call(t, http.MethodPost, "/api/sessions/"+sess.ID+"/query",
		QueryRequest{Question: "What was revenue?"}, &resp))
	assert.Equal(t, "mistral:latest", resp.Answer.Model)

	require.Equal(t, http.StatusOK, e.call(t, http.MethodPost, "/api/sessions/"+sess.ID+"/query",
		QueryRequest{Question: "What was revenue?", Model: "phi3"}, &resp))
	assert.Equal(t, "phi3", resp.Answer.Model)
}

func TestUpload_Conflicts(t *testing.T) {
	e := newTestEnv(t)
	sess := e.createSession(t, "")
	e.ingest(t, sess.ID)

	code, _ := e.upload(t, sess.ID, map[string]string{"more.txt": "More revenue."})
	assert.Equal(t, http.StatusConflict, code)
}

func TestUpload_Unsupported(t *testing.T) {
	e := newTestEnv(t)
	sess := e.createSession(t, "")
	code, out := e.upload(t, sess.ID, map[string]string{"image.png": "not a document"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, out["error"], "Unsupported file type")

	var got chat.Session
	e.call(t, http.MethodGet, "/api/sessions/"+sess.ID, nil, &got)
	assert.Equal(t, chat.StatusEmpty, got.Status)
}

func TestIngestStatus_Idle(t *testing.T) {
	e := newTestEnv(t)
	sess := e.createSession(t, "")

	var st IngestStatus
	e.call(t, http.MethodGet, "/api/sessions/"+sess.ID+"/ingest", nil, &st)
	assert.Equal(t, phaseIdle, st.Phase)
	assert.Equal(t, http.StatusConflict, e.call(t, http.MethodPost, "/api/sessions/"+sess.ID+"/ingest/cancel", nil, nil))
}

func TestDeleteCollection(t *testing.T) {
	e := newTestEnv(t)
	sess := e.createSession(t, "")

	var out map[string]string
	assert.Equal(t, http.StatusNotFound, e.call(t, http.MethodDelete, "/api/sessions/"+sess.ID+"/collection", nil, &out))
	assert.Equal(t, "No vector database found to delete.", out["error"])

	e.ingest(t, sess.ID)
	e.call(t, http.MethodPost, "/api/sessions/"+sess.ID+"/query", QueryRequest{Question: "What was revenue?"}, nil)

	require.Equal(t, http.StatusOK, e.call(t, http.MethodDelete, "/api/sessions/"+sess.ID+"/collection", nil, nil))

	var got chat.Session
	e.call(t, http.MethodGet, "/api/sessions/"+sess.ID, nil, &got)
	assert.Equal(t, chat.StatusEmpty, got.Status)
	assert.Empty(t, got.Documents)

	var msgs []chat.Message
	e.call(t, http.MethodGet, "/api/sessions/"+sess.ID+"/messages", nil, &msgs)
	assert.Empty(t, msgs)

	code := e.call(t, http.MethodPost, "/api/sessions/"+sess.ID+"/query", QueryRequest{Question: "again?"}, &out)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, msgNoDocument, out["error"])

	// A fresh upload is accepted once the collection is gone.
	e.ingest(t, sess.ID)
}

func TestModels(t *testing.T) {
	e := newTestEnv(t)

	var out struct {
		Models  []string `json:"models"`
		Default string   `json:"default"`
	}
	require.Equal(t, http.StatusOK, e.call(t, http.MethodGet, "/api/models", nil, &out))
	assert.Equal(t, []string{"llama3.2:latest", "mistral:latest"}, out.Models)
	assert.Equal(t, "llama3.2:latest", out.Default)

	e.ollama.setModels()
	var errOut map[string]string
	assert.Equal(t, http.StatusServiceUnavailable, e.call(t, http.MethodGet, "/api/models", nil, &errOut))
	assert.Equal(t, msgNoModels, errOut["error"])
}

func TestSettings(t *testing.T) {
	e := newTestEnv(t)

	require.Equal(t, http.StatusOK, e.call(t, http.MethodPost, "/api/settings", map[string]string{
		"default_model": "mistral:latest",
		"openai_key":    "sk-abcdef123456",
	}, nil))

	var got map[string]interface{}
	e.call(t, http.MethodGet, "/api/settings", nil, &got)
	assert.Equal(t, "mistral:latest", got["default_model"])
	assert.Equal(t, "sk-a...3456", got["openai_key"])
	assert.Equal(t, "ollama", got["llm_provider"])
	assert.Equal(t, "local", got["vector_store"])

	// Echoing the masked key back keeps the stored one.
	e.call(t, http.MethodPost, "/api/settings", map[string]string{"openai_key": "sk-a...3456"}, nil)
	store, err := config.NewSettingsStore(e.cfg)
	require.NoError(t, err)
	saved, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-abcdef123456", saved.OpenAIKey)
	assert.Equal(t, "mistral:latest", saved.DefaultModel)

	var models struct {
		Default string `json:"default"`
	}
	e.call(t, http.MethodGet, "/api/models", nil, &models)
	assert.Equal(t, "mistral:latest", models.Default)

	assert.Equal(t, http.StatusBadRequest, e.call(t, http.MethodPost, "/api/settings", "not an object", nil))
}

func TestStream(t *testing.T) {
	e := newTestEnv(t)
	sess := e.createSession(t, "")
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/api/sessions/" + sess.ID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var ev rag.Event
	require.NoError(t, conn.WriteJSON(QueryRequest{Question: "What was revenue?"}))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, rag.EventError, ev.Type)
	assert.Equal(t, msgNoDocument, ev.Error)

	e.ingest(t, sess.ID)

	require.NoError(t, conn.WriteJSON(QueryRequest{Question: ""}))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, rag.EventError, ev.Type)

	require.NoError(t, conn.WriteJSON(QueryRequest{Question: "What was revenue?"}))
	var events []rag.Event
	for {
		var ev rag.Event
		require.NoError(t, conn.ReadJSON(&ev))
		events = append(events, ev)
		if ev.Type == rag.EventDone || ev.Type == rag.EventError {
			break
		}
	}
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, rag.EventQueries, events[0].Type)
	last := events[len(events)-1]
	require.Equal(t, rag.EventDone, last.Type)
	assert.Equal(t, "Revenue was $10M.", last.Answer.Answer)

	var tokens strings.Builder
	for _, ev := range events[1 : len(events)-1] {
		tokens.WriteString(ev.Token)
	}
	assert.Equal(t, "Revenue was $10M.", tokens.String())

	require.Eventually(t, func() bool {
		msgs, err := e.srv.sessions.Messages(context.Background(), sess.ID)
		return err == nil && len(msgs) == 3
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHealthAndMetrics(t *testing.T) {
	e := newTestEnv(t)
	var out map[string]string
	require.Equal(t, http.StatusOK, e.call(t, http.MethodGet, "/healthz", nil, &out))
	assert.Equal(t, "ok", out["status"])

	resp, err := http.Get(e.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "docqa_")
}

func TestCORSPreflight(t *testing.T) {
	e := newTestEnv(t)
	req, err := http.NewRequest(http.MethodOptions, e.ts.URL+"/api/sessions/abc", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "PATCH")
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "", maskKey(""))
	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "sk-a...3456", maskKey("sk-abcdef123456"))
}

// ========== Ingestion lifecycle ==========

func hybrid(cfg *config.Config) { cfg.Retrieval.Mode = retriever.ModeHybrid }

// shortKeywordTimeout makes a keyword index that is still held elsewhere
// fail fast instead of stalling the test.
func shortKeywordTimeout(t *testing.T) {
	prev := indexer.KeywordOpenTimeout
	indexer.KeywordOpenTimeout = 300 * time.Millisecond
	t.Cleanup(func() { indexer.KeywordOpenTimeout = prev })
}

func TestUpload_ConcurrentUploadsAdmitOne(t *testing.T) {
	shortKeywordTimeout(t)
	e := newTestEnvWith(t, hybrid, nil)
	release := e.ollama.holdEmbeddings()
	t.Cleanup(release)
	sess := e.createSession(t, "")

	const n = 8
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := e.postFiles(sess.ID, map[string]string{
				fmt.Sprintf("report%d.txt", i): "Revenue rose to $10M.",
			})
			if err != nil {
				return
			}
			resp.Body.Close()
			codes[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, code := range codes {
		if code == http.StatusAccepted {
			accepted++
		} else {
			assert.Equal(t, http.StatusConflict, code)
		}
	}
	require.Equal(t, 1, accepted, "codes=%v", codes)

	release()
	st := e.waitIngest(t, sess.ID)
	require.Equal(t, phaseDone, st.Phase, st.Error)

	var got chat.Session
	e.call(t, http.MethodGet, "/api/sessions/"+sess.ID, nil, &got)
	assert.Equal(t, chat.StatusReady, got.Status)
	assert.Len(t, got.Documents, 1)
	assert.Equal(t, 1, got.ChunkCount)

	var resp QueryResponse
	require.Equal(t, http.StatusOK, e.call(t, http.MethodPost, "/api/sessions/"+sess.ID+"/query",
		QueryRequest{Question: "What was revenue?"}, &resp))
	assert.Equal(t, "Revenue was $10M.", resp.Answer.Answer)
}

func TestCancelIngest_Running(t *testing.T) {
	shortKeywordTimeout(t)
	e := newTestEnvWith(t, hybrid, nil)
	release := e.ollama.holdEmbeddings()
	t.Cleanup(release)
	sess := e.createSession(t, "")

	code, _ := e.upload(t, sess.ID, map[string]string{"report.txt": "Revenue rose to $10M."})
	require.Equal(t, http.StatusAccepted, code)
	e.waitEmbedding(t)

	var out map[string]string
	assert.Equal(t, http.StatusConflict, e.call(t, http.MethodPost, "/api/sessions/"+sess.ID+"/query",
		QueryRequest{Question: "What was revenue?"}, &out))
	assert.Equal(t, msgProcessing, out["error"])
	assert.Equal(t, http.StatusConflict, e.call(t, http.MethodDelete, "/api/sessions/"+sess.ID+"/collection", nil, nil))

	require.Equal(t, http.StatusOK, e.call(t, http.MethodPost, "/api/sessions/"+sess.ID+"/ingest/cancel", nil, nil))
	st := e.waitIngest(t, sess.ID)
	assert.Equal(t, phaseCancelled, st.Phase)

	var got chat.Session
	e.call(t, http.MethodGet, "/api/sessions/"+sess.ID, nil, &got)
	assert.Equal(t, chat.StatusEmpty, got.Status)
	assert.Empty(t, got.Documents)
	assert.Zero(t, got.ChunkCount)

	exists, err := e.srv.pipeline.Exists(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.False(t, exists)

	// Nothing of the cancelled run is left holding the collection.
	release()
	e.ingest(t, sess.ID)
}

func TestDeleteSession_DuringIngestion(t *testing.T) {
	e := newTestEnv(t)
	release := e.ollama.holdEmbeddings()
	t.Cleanup(release)
	sess := e.createSession(t, "")

	code, _ := e.upload(t, sess.ID, map[string]string{"report.txt": "Revenue rose to $10M."})
	require.Equal(t, http.StatusAccepted, code)
	e.waitEmbedding(t)

	require.Equal(t, http.StatusOK, e.call(t, http.MethodDelete, "/api/sessions/"+sess.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, e.call(t, http.MethodGet, "/api/sessions/"+sess.ID, nil, nil))
	assert.Nil(t, e.srv.job(sess.ID))

	exists, err := e.srv.pipeline.Exists(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.False(t, e.srv.indexes.Contains(sess.ID))
}

// gatedStore holds the first Update issued after arm until proceed is
// called.
type gatedStore struct {
	chat.Store
	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func newGatedStore() *gatedStore {
	return &gatedStore{entered: make(chan struct{}), gate: make(chan struct{})}
}

func (g *gatedStore) arm() {
	g.mu.Lock()
	g.armed = true
	g.mu.Unlock()
}

func (g *gatedStore) proceed() { g.once.Do(func() { close(g.gate) }) }

func (g *gatedStore) Update(ctx context.Context, id string, fn func(*chat.Session)) (*chat.Session, error) {
	g.mu.Lock()
	hold := g.armed
	g.armed = false
	g.mu.Unlock()
	if hold {
		close(g.entered)
		<-g.gate
	}
	return g.Store.Update(ctx, id, fn)
}

func TestRenameDuringIngestion_KeepsIngestResult(t *testing.T) {
	gs := newGatedStore()
	e := newTestEnvWith(t, nil, func(inner chat.Store) chat.Store {
		gs.Store = inner
		return gs
	})
	t.Cleanup(gs.proceed)
	release := e.ollama.holdEmbeddings()
	t.Cleanup(release)
	sess := e.createSession(t, "")

	code, _ := e.upload(t, sess.ID, map[string]string{"report.txt": "Revenue rose to $10M."})
	require.Equal(t, http.StatusAccepted, code)
	e.waitEmbedding(t)

	gs.arm()
	renamed := make(chan int, 1)
	go func() {
		resp, err := e.do(http.MethodPatch, "/api/sessions/"+sess.ID, map[string]string{"name": "Q3 report"})
		if err != nil {
			renamed <- 0
			return
		}
		resp.Body.Close()
		renamed <- resp.StatusCode
	}()
	select {
	case <-gs.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("rename never reached the store")
	}

	// Ingestion finishes while the rename is in flight.
	release()
	require.Eventually(t, func() bool {
		got, err := gs.Store.Get(context.Background(), sess.ID)
		return err == nil && got.Status == chat.StatusReady
	}, 10*time.Second, 20*time.Millisecond)

	gs.proceed()
	assert.Equal(t, http.StatusOK, <-renamed)

	var got chat.Session
	e.call(t, http.MethodGet, "/api/sessions/"+sess.ID, nil, &got)
	assert.Equal(t, "Q3 report", got.Name)
	assert.Equal(t, chat.StatusReady, got.Status)
	assert.Equal(t, 1, got.ChunkCount)
	assert.Equal(t, []string{"report.txt"}, got.Documents)
}

func TestQuery_PipelineFailure(t *testing.T) {
	e := newTestEnv(t)
	sess := e.createSession(t, "")
	e.ingest(t, sess.ID)
	e.ollama.setChatFailing(true)

	var out map[string]string
	code := e.call(t, http.MethodPost, "/api/sessions/"+sess.ID+"/query", QueryRequest{Question: "What was revenue?"}, &out)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, msgQueryFailed, out["error"])

	var msgs []chat.Message
	e.call(t, http.MethodGet, "/api/sessions/"+sess.ID+"/messages", nil, &msgs)
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.RoleUser, msgs[0].Role)

	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/api/sessions/" + sess.ID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(QueryRequest{Question: "What was revenue?"}))
	var ev rag.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, rag.EventError, ev.Type)
	assert.Equal(t, msgQueryFailed, ev.Error)
}

func TestLoadedCollections_EvictionClosesIndex(t *testing.T) {
	shortKeywordTimeout(t)
	e := newTestEnvWith(t, hybrid, nil)

	ids := make([]string, maxLoadedCollections+1)
	for i := range ids {
		ids[i] = e.createSession(t, fmt.Sprintf("s%d", i)).ID
		e.ingest(t, ids[i])
	}

	var stats StatsResponse
	e.call(t, http.MethodGet, "/api/stats", nil, &stats)
	assert.Len(t, stats.LoadedCollections, maxLoadedCollections)
	assert.NotContains(t, stats.LoadedCollections, ids[0])
	assert.Contains(t, stats.LoadedCollections, ids[maxLoadedCollections])

	// Reopening the evicted collection only works if its handle was closed.
	var resp QueryResponse
	require.Equal(t, http.StatusOK, e.call(t, http.MethodPost, "/api/sessions/"+ids[0]+"/query",
		QueryRequest{Question: "What was revenue?"}, &resp))
	assert.Equal(t, "Revenue was $10M.", resp.Answer.Answer)

	e.call(t, http.MethodGet, "/api/stats", nil, &stats)
	assert.Len(t, stats.LoadedCollections, maxLoadedCollections)
	assert.Contains(t, stats.LoadedCollections, ids[0])
	assert.NotContains(t, stats.LoadedCollections, ids[1])
}
