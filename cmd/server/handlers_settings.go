package main

import (
	"encoding/json"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ========== Settings Endpoint ==========

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	resp := map[string]interface{}{
		"default_model":       s.defaultModel,
		"embedding_model":     s.embeddingModel(),
		"openai_key":          maskKey(s.openAIKey()),
		"llm_provider":        s.pipeline.LLM().Provider(),
		"vector_store":        s.cfg.VectorStore.Backend,
		"retrieval_mode":      s.cfg.Retrieval.Mode,
		"ocr_enabled":         s.cfg.OCR.Enabled,
		"tesseract_available": s.tesseractOk,
	}
	s.mu.RUnlock()
	jsonResp(w, resp)
}

// embeddingModel must be called with s.mu held.
func (s *Server) embeddingModel() string {
	if s.saved.EmbeddingModel != "" {
		return s.saved.EmbeddingModel
	}
	return s.cfg.Embedding.Model
}

// openAIKey must be called with s.mu held.
func (s *Server) openAIKey() string {
	if s.saved.OpenAIKey != "" {
		return s.saved.OpenAIKey
	}
	return s.cfg.OpenAIKey
}

// handleSaveSettings updates the default chat model immediately. Embedding
// model and API key changes are persisted and take effect on restart.
func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DefaultModel   *string `json:"default_model"`
		EmbeddingModel *string `json:"embedding_model"`
		OpenAIKey      string  `json:"openai_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, "Invalid request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if req.DefaultModel != nil {
		s.defaultModel = strings.TrimSpace(*req.DefaultModel)
		s.saved.DefaultModel = s.defaultModel
	}
	if req.EmbeddingModel != nil {
		s.saved.EmbeddingModel = strings.TrimSpace(*req.EmbeddingModel)
	}
	// A masked key echoed back by the UI is not a new key.
	if req.OpenAIKey != "" && !strings.Contains(req.OpenAIKey, "...") && req.OpenAIKey != "****" {
		s.saved.OpenAIKey = req.OpenAIKey
	}
	saved := s.saved
	s.mu.Unlock()

	if err := s.settings.Save(saved); err != nil {
		log.WithError(err).Error("Failed to persist settings")
		jsonErr(w, "Failed to save settings", http.StatusInternalServerError)
		return
	}
	log.WithFields(log.Fields{
		"model":       saved.DefaultModel,
		"embed_model": saved.EmbeddingModel,
	}).Info("Settings updated")
	jsonResp(w, map[string]string{"status": "saved"})
}

func maskKey(key string) string {
	if len(key) <= 8 {
		if key == "" {
			return ""
		}
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
