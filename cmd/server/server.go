package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sync"

	"docqa/internal/chat"
	"docqa/internal/config"
	"docqa/internal/extractor"
	"docqa/internal/indexer"
	"docqa/internal/metrics"
	"docqa/internal/rag"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
)

// maxLoadedCollections bounds how many collections stay open at once.
const maxLoadedCollections = 5

// Server holds all shared state.
type Server struct {
	cfg      *config.Config
	pipeline *rag.Pipeline
	sessions chat.Store
	settings *config.SettingsStore

	// Loaded collections keyed by session ID. Eviction closes the index.
	// Each collection has at most one open handle: loadMu serializes opening
	// and dropping, and a running ingestion owns its handle until it is
	// cached.
	indexes *lru.Cache[string, *indexer.Index]
	loadMu  sync.Mutex

	jobsMu   sync.Mutex
	jobs     map[string]*ingestJob
	deleting map[string]bool // sessions being deleted; uploads are refused

	mu           sync.RWMutex
	defaultModel string
	saved        config.Settings

	tesseractOk bool
	upgrader    websocket.Upgrader
}

// NewServer wires the handlers to their dependencies.
func NewServer(cfg *config.Config, pipeline *rag.Pipeline, sessions chat.Store, settings *config.SettingsStore, saved config.Settings) *Server {
	s := &Server{
		cfg:          cfg,
		pipeline:     pipeline,
		sessions:     sessions,
		settings:     settings,
		jobs:         make(map[string]*ingestJob),
		deleting:     make(map[string]bool),
		defaultModel: cfg.LLM.Model,
		saved:        saved,
		tesseractOk:  cfg.OCR.Enabled && extractor.DetectTesseract(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.indexes, _ = lru.NewWithEvict(maxLoadedCollections, func(id string, idx *indexer.Index) {
		if err := idx.Close(); err != nil {
			log.WithError(err).WithField("session", id).Warn("Failed to close evicted collection")
		}
		log.WithField("session", id).Debug("Collection unloaded")
	})
	return s
}

// Router returns the HTTP handler with every route registered.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/models", s.handleModels).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.handleGetSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.handleSaveSettings).Methods(http.MethodPost)

	api.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)

	sess := api.PathPrefix("/sessions/{id}").Subrouter()
	sess.HandleFunc("", s.handleGetSession).Methods(http.MethodGet)
	sess.HandleFunc("", s.handleUpdateSession).Methods(http.MethodPatch)
	sess.HandleFunc("", s.handleDeleteSession).Methods(http.MethodDelete)
	sess.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	sess.HandleFunc("/ingest", s.handleIngestStatus).Methods(http.MethodGet)
	sess.HandleFunc("/ingest/cancel", s.handleCancelIngest).Methods(http.MethodPost)
	sess.HandleFunc("/collection", s.handleDeleteCollection).Methods(http.MethodDelete)
	sess.HandleFunc("/query", s.handleQuery).Methods(http.MethodPost)
	sess.HandleFunc("/messages", s.handleMessages).Methods(http.MethodGet)
	sess.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)

	api.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		jsonResp(w, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	if info, err := os.Stat("web"); err == nil && info.IsDir() {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir("web")))
	}
	return r
}

// index returns the loaded collection for a session, opening it on first
// use. rag.ErrNoVectorDB means nothing has been indexed yet; errIngesting
// means the collection is still being built.
func (s *Server) index(ctx context.Context, sessionID string) (*indexer.Index, error) {
	if idx, ok := s.indexes.Get(sessionID); ok {
		return idx, nil
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if idx, ok := s.indexes.Get(sessionID); ok {
		return idx, nil
	}
	if s.job(sessionID).running() {
		return nil, errIngesting
	}
	idx, err := s.pipeline.OpenVectorDB(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.cacheIndex(sessionID, idx)
	log.WithField("session", sessionID).Info("Collection loaded")
	return idx, nil
}

// openForIngestion opens the handle a running ingestion writes through.
func (s *Server) openForIngestion(sessionID string) (*indexer.Index, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	return s.pipeline.NewVectorDB(sessionID)
}

func (s *Server) cacheIndex(sessionID string, idx *indexer.Index) {
	s.indexes.Add(sessionID, idx)
	metrics.LoadedCollections.Set(float64(s.indexes.Len()))
}

// dropCollection unloads and deletes a session's collection. It reports
// rag.ErrNoVectorDB when there is none and errIngesting while one is being
// built.
func (s *Server) dropCollection(ctx context.Context, sessionID string) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if s.job(sessionID).running() {
		return errIngesting
	}

	s.indexes.Remove(sessionID) // closes the cached handle
	metrics.LoadedCollections.Set(float64(s.indexes.Len()))
	idx, err := s.pipeline.OpenVectorDB(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.pipeline.DeleteVectorDB(ctx, idx)
}

func (s *Server) model() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultModel
}

// session loads the {id} path variable's session, writing 404 if missing.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*chat.Session, bool) {
	sess, err := s.sessions.Get(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, chat.ErrNotFound) {
		jsonErr(w, "Session not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		log.WithError(err).Error("Failed to load session")
		jsonErr(w, "Failed to load session", http.StatusInternalServerError)
		return nil, false
	}
	return sess, true
}

// Close cancels running ingestions, waits for them to clean up and closes
// every loaded collection.
func (s *Server) Close() {
	s.jobsMu.Lock()
	jobs := make([]*ingestJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		job.cancel()
		jobs = append(jobs, job)
	}
	s.jobsMu.Unlock()
	for _, job := range jobs {
		<-job.done
	}
	s.indexes.Purge()
	metrics.LoadedCollections.Set(0)
}

// ========== Middleware ==========

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ========== Helpers ==========

func jsonResp(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func jsonStatus(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonErr(w http.ResponseWriter, msg string, code int) {
	jsonStatus(w, code, map[string]string{"error": msg})
}
