package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"docqa/internal/chat"
	"docqa/internal/llm"
	"docqa/internal/metrics"
	"docqa/internal/rag"

	log "github.com/sirupsen/logrus"
)

// User-facing messages. Details of failures only go to the log.
const (
	msgNoDocument    = "Please upload a PDF file to continue."
	msgProcessing    = "Documents are still being processed. Please wait."
	msgQueryFailed   = "An error occurred. Please try again."
	msgEmptyQuestion = "question is required"
	msgNoModels      = "No models found"
)

// QueryRequest is the body of POST /api/sessions/{id}/query and of each
// websocket message on /stream.
type QueryRequest struct {
	Question string `json:"question"`
	Model    string `json:"model,omitempty"`
}

// QueryResponse carries the answer and how long it took.
type QueryResponse struct {
	Answer      *llm.Answer `json:"answer"`
	TimeSeconds float64     `json:"time_seconds"`
}

// StatsResponse summarises server state.
type StatsResponse struct {
	Sessions          int      `json:"sessions"`
	ReadySessions     int      `json:"ready_sessions"`
	LoadedCollections []string `json:"loaded_collections"`
	DefaultModel      string   `json:"default_model"`
	Provider          string   `json:"provider"`
	VectorStore       string   `json:"vector_store"`
	RetrievalMode     string   `json:"retrieval_mode"`
}

// ========== Query Endpoints ==========

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		jsonErr(w, msgEmptyQuestion, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	start := time.Now()
	s.recordQuestion(ctx, sess.ID, req.Question)

	idx, err := s.index(ctx, sess.ID)
	if errors.Is(err, rag.ErrNoVectorDB) {
		metrics.ObserveQuery(metrics.StatusNoDocument, start)
		jsonErr(w, msgNoDocument, http.StatusBadRequest)
		return
	}
	if errors.Is(err, errIngesting) {
		metrics.ObserveQuery(metrics.StatusNoDocument, start)
		jsonErr(w, msgProcessing, http.StatusConflict)
		return
	}
	if err != nil {
		log.WithError(err).WithField("session", sess.ID).Error("Failed to load collection")
		jsonErr(w, msgQueryFailed, http.StatusInternalServerError)
		return
	}

	answer, err := s.pipeline.Run(ctx, req.Question, s.modelFor(sess, req.Model), idx)
	if err != nil {
		log.WithError(err).WithField("session", sess.ID).Error("Error processing question")
		jsonErr(w, msgQueryFailed, http.StatusInternalServerError)
		return
	}
	elapsed := time.Since(start).Seconds()
	s.recordAnswer(ctx, sess.ID, answer, elapsed)

	jsonResp(w, QueryResponse{Answer: answer, TimeSeconds: elapsed})
}

// modelFor picks the request's model, then the session's, then the default.
func (s *Server) modelFor(sess *chat.Session, requested string) string {
	if m := strings.TrimSpace(requested); m != "" {
		return m
	}
	if sess.Model != "" {
		return sess.Model
	}
	return s.model()
}

func (s *Server) recordQuestion(ctx context.Context, sessionID, question string) {
	err := s.sessions.AppendMessage(ctx, sessionID, chat.Message{Role: chat.RoleUser, Content: question})
	if err != nil {
		log.WithError(err).Warn("Failed to save user message")
	}
}

func (s *Server) recordAnswer(ctx context.Context, sessionID string, a *llm.Answer, elapsed float64) {
	msg := chat.Message{
		Role:    chat.RoleAssistant,
		Content: a.Answer,
		Metadata: map[string]interface{}{
			"thinking":     a.Thinking,
			"queries":      a.Queries,
			"sources":      a.Sources,
			"model":        a.Model,
			"time_seconds": elapsed,
		},
	}
	if err := s.sessions.AppendMessage(ctx, sessionID, msg); err != nil {
		log.WithError(err).Warn("Failed to save assistant message")
	}
}

// ========== Models & Stats ==========

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.pipeline.LLM().ListModels(r.Context())
	if errors.Is(err, llm.ErrNoModels) {
		jsonErr(w, msgNoModels, http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		log.WithError(err).Error("Failed to list models")
		jsonErr(w, "Failed to list models", http.StatusBadGateway)
		return
	}
	jsonResp(w, map[string]interface{}{
		"models":  models,
		"default": s.model(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	list, err := s.sessions.List(r.Context())
	if err != nil {
		log.WithError(err).Error("Failed to list sessions")
		jsonErr(w, "Failed to load stats", http.StatusInternalServerError)
		return
	}
	ready := 0
	for _, sess := range list {
		if sess.Status == chat.StatusReady {
			ready++
		}
	}
	jsonResp(w, StatsResponse{
		Sessions:          len(list),
		ReadySessions:     ready,
		LoadedCollections: s.indexes.Keys(),
		DefaultModel:      s.model(),
		Provider:          s.pipeline.LLM().Provider(),
		VectorStore:       s.cfg.VectorStore.Backend,
		RetrievalMode:     s.cfg.Retrieval.Mode,
	})
}
