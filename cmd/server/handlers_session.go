package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"

	"docqa/internal/chat"
	"docqa/internal/rag"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

// ========== Session Endpoints ==========

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.sessions.List(r.Context())
	if err != nil {
		log.WithError(err).Error("Failed to list sessions")
		jsonErr(w, "Failed to list sessions", http.StatusInternalServerError)
		return
	}
	jsonResp(w, list)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	}
	// An empty body creates an unnamed session.
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonErr(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	sess, err := s.sessions.Create(r.Context(), strings.TrimSpace(req.Name), strings.TrimSpace(req.Model))
	if err != nil {
		log.WithError(err).Error("Failed to create session")
		jsonErr(w, "Failed to create session", http.StatusInternalServerError)
		return
	}
	log.WithField("session", sess.ID).Info("Session created")
	jsonStatus(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	jsonResp(w, sess)
}

// handleUpdateSession renames a session or selects its model.
func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  *string `json:"name"`
		Model *string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	var name string
	if req.Name != nil {
		name = strings.TrimSpace(*req.Name)
		if name == "" {
			jsonErr(w, "name must not be empty", http.StatusBadRequest)
			return
		}
	}

	updated, err := s.sessions.Update(r.Context(), mux.Vars(r)["id"], func(u *chat.Session) {
		if req.Name != nil {
			u.Name = name
		}
		if req.Model != nil {
			u.Model = strings.TrimSpace(*req.Model)
		}
	})
	if errors.Is(err, chat.ErrNotFound) {
		jsonErr(w, "Session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.WithError(err).Error("Failed to update session")
		jsonErr(w, "Failed to update session", http.StatusInternalServerError)
		return
	}
	jsonResp(w, updated)
}

// handleDeleteSession removes a session along with its collection and
// uploads. A running ingestion is cancelled and waited for first.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	s.jobsMu.Lock()
	s.deleting[sess.ID] = true
	job := s.jobs[sess.ID]
	s.jobsMu.Unlock()
	defer func() {
		s.jobsMu.Lock()
		delete(s.deleting, sess.ID)
		delete(s.jobs, sess.ID)
		s.jobsMu.Unlock()
	}()
	if job != nil {
		job.cancel()
		<-job.done
	}

	if err := s.dropCollection(ctx, sess.ID); err != nil && !errors.Is(err, rag.ErrNoVectorDB) {
		log.WithError(err).Error("Failed to delete collection")
		jsonErr(w, "Failed to delete collection", http.StatusInternalServerError)
		return
	}
	if err := os.RemoveAll(s.cfg.UploadsDir(sess.ID)); err != nil {
		log.WithError(err).Warn("Failed to remove uploads")
	}
	if err := s.sessions.Delete(ctx, sess.ID); err != nil {
		log.WithError(err).Error("Failed to delete session")
		jsonErr(w, "Failed to delete session", http.StatusInternalServerError)
		return
	}
	log.WithField("session", sess.ID).Info("Session deleted")
	jsonResp(w, map[string]string{"status": "deleted"})
}

// handleDeleteCollection drops the indexed documents and resets the chat so
// new files can be uploaded.
func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	err := s.dropCollection(ctx, sess.ID)
	if errors.Is(err, errIngesting) {
		jsonErr(w, "Ingestion in progress. Cancel it first.", http.StatusConflict)
		return
	}
	if errors.Is(err, rag.ErrNoVectorDB) {
		jsonErr(w, "No vector database found to delete.", http.StatusNotFound)
		return
	}
	if err != nil {
		log.WithError(err).Error("Failed to delete collection")
		jsonErr(w, "Failed to delete collection", http.StatusInternalServerError)
		return
	}

	if err := os.RemoveAll(s.cfg.UploadsDir(sess.ID)); err != nil {
		log.WithError(err).Warn("Failed to remove uploads")
	}
	if err := s.sessions.ClearMessages(ctx, sess.ID); err != nil {
		log.WithError(err).Warn("Failed to clear messages")
	}
	_, err = s.sessions.Update(ctx, sess.ID, func(u *chat.Session) {
		u.Status = chat.StatusEmpty
		u.Documents = []string{}
		u.ChunkCount = 0
		u.Error = ""
	})
	if err != nil {
		log.WithError(err).Warn("Failed to reset session")
	}
	s.jobsMu.Lock()
	if !s.jobs[sess.ID].running() {
		delete(s.jobs, sess.ID)
	}
	s.jobsMu.Unlock()

	jsonResp(w, map[string]string{"status": "deleted"})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	msgs, err := s.sessions.Messages(r.Context(), sess.ID)
	if err != nil {
		log.WithError(err).Error("Failed to load messages")
		jsonErr(w, "Failed to load messages", http.StatusInternalServerError)
		return
	}
	jsonResp(w, msgs)
}
