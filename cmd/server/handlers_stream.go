package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"docqa/internal/metrics"
	"docqa/internal/rag"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	wsWriteWait = 10 * time.Second
	wsIdleWait  = 10 * time.Minute
)

// handleStream answers questions over a websocket. Each client message is a
// QueryRequest; the server replies with rag.Event values: queries, tokens,
// then done (or error).
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()
	ctx := r.Context()
	log.WithField("session", sess.ID).Debug("Stream connected")

	send := func(ev rag.Event) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(ev)
	}

	for {
		conn.SetReadDeadline(time.Now().Add(wsIdleWait))
		var req QueryRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Warn("WebSocket read error")
			}
			return
		}
		req.Question = strings.TrimSpace(req.Question)
		if req.Question == "" {
			if send(rag.Event{Type: rag.EventError, Error: msgEmptyQuestion}) != nil {
				return
			}
			continue
		}

		// Reload in case the model was changed since the connection opened.
		current, err := s.sessions.Get(ctx, sess.ID)
		if err != nil {
			send(rag.Event{Type: rag.EventError, Error: "Session not found"})
			return
		}
		start := time.Now()
		s.recordQuestion(ctx, sess.ID, req.Question)

		idx, err := s.index(ctx, sess.ID)
		if errors.Is(err, rag.ErrNoVectorDB) || errors.Is(err, errIngesting) {
			metrics.ObserveQuery(metrics.StatusNoDocument, start)
			msg := msgNoDocument
			if errors.Is(err, errIngesting) {
				msg = msgProcessing
			}
			if send(rag.Event{Type: rag.EventError, Error: msg}) != nil {
				return
			}
			continue
		}
		if err != nil {
			log.WithError(err).WithField("session", sess.ID).Error("Failed to load collection")
			if send(rag.Event{Type: rag.EventError, Error: msgQueryFailed}) != nil {
				return
			}
			continue
		}

		var writeErr error
		answer, err := s.pipeline.Stream(ctx, req.Question, s.modelFor(current, req.Model), idx, func(ev rag.Event) {
			if writeErr == nil {
				writeErr = send(ev)
			}
		})
		if err != nil {
			log.WithError(err).WithField("session", sess.ID).Error("Error processing question")
			if send(rag.Event{Type: rag.EventError, Error: msgQueryFailed}) != nil {
				return
			}
			continue
		}
		s.recordAnswer(ctx, sess.ID, answer, time.Since(start).Seconds())
		if writeErr != nil {
			log.WithError(writeErr).Debug("Stream client went away")
			return
		}
	}
}
