package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"docqa/internal/chat"
	"docqa/internal/extractor"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Ingestion phases.
const (
	phaseIdle       = "idle"
	phaseProcessing = "processing"
	phaseDone       = "done"
	phaseError      = "error"
	phaseCancelled  = "cancelled"
)

// extractConcurrency bounds how many files are parsed at once.
const extractConcurrency = 4

// IngestStatus is polled by the frontend to show progress.
type IngestStatus struct {
	mu          sync.RWMutex
	Phase       string       `json:"phase"`
	FilesTotal  int          `json:"files_total"`
	FilesDone   int          `json:"files_done"`
	ChunksTotal int          `json:"chunks_total"`
	ChunksDone  int          `json:"chunks_done"`
	Error       string       `json:"error,omitempty"`
	FileResults []FileResult `json:"file_results,omitempty"`
}

// FileResult tracks per-file processing outcome.
type FileResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok" or "failed"
	Error  string `json:"error,omitempty"`
	Pages  int    `json:"pages"`
}

func (s *IngestStatus) snapshot() IngestStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return IngestStatus{
		Phase:       s.Phase,
		FilesTotal:  s.FilesTotal,
		FilesDone:   s.FilesDone,
		ChunksTotal: s.ChunksTotal,
		ChunksDone:  s.ChunksDone,
		Error:       s.Error,
		FileResults: append([]FileResult(nil), s.FileResults...),
	}
}

func (s *IngestStatus) update(fn func(*IngestStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

type ingestJob struct {
	status *IngestStatus
	cancel context.CancelFunc
	done   chan struct{}
}

func newIngestJob(files int) (*ingestJob, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	return &ingestJob{
		status: &IngestStatus{Phase: phaseProcessing, FilesTotal: files},
		cancel: cancel,
		done:   make(chan struct{}),
	}, ctx
}

func (s *Server) job(sessionID string) *ingestJob {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	return s.jobs[sessionID]
}

// running reports whether the job has not finished yet.
func (j *ingestJob) running() bool {
	if j == nil {
		return false
	}
	select {
	case <-j.done:
		return false
	default:
		return true
	}
}

var (
	errIngesting        = errors.New("ingestion already in progress")
	errCollectionExists = errors.New("collection already exists")
	errSessionGone      = errors.New("session deleted")
)

// claimIngestion registers a new job for the session, or fails when one is
// running, the collection already exists or the session is being deleted.
// Only one caller can hold the claim at a time; release undoes it when the
// upload is rejected before the job starts.
func (s *Server) claimIngestion(ctx context.Context, sessionID string) (job *ingestJob, jobCtx context.Context, release func(), err error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if s.deleting[sessionID] {
		return nil, nil, nil, errSessionGone
	}
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return nil, nil, nil, err
	}
	prev := s.jobs[sessionID]
	if prev.running() {
		return nil, nil, nil, errIngesting
	}
	exists, err := s.pipeline.Exists(ctx, sessionID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("check collection: %w", err)
	}
	if exists {
		return nil, nil, nil, errCollectionExists
	}

	job, jobCtx = newIngestJob(0)
	s.jobs[sessionID] = job
	release = func() {
		s.jobsMu.Lock()
		if s.jobs[sessionID] == job {
			if prev != nil {
				s.jobs[sessionID] = prev
			} else {
				delete(s.jobs, sessionID)
			}
		}
		s.jobsMu.Unlock()
		job.cancel()
		close(job.done)
	}
	return job, jobCtx, release, nil
}

// ========== Upload & Ingestion Endpoints ==========

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	job, jobCtx, release, err := s.claimIngestion(ctx, sess.ID)
	switch {
	case errors.Is(err, errIngesting):
		jsonErr(w, "Ingestion already in progress", http.StatusConflict)
		return
	case errors.Is(err, errCollectionExists):
		jsonErr(w, "Documents are already indexed for this session. Delete the collection first.", http.StatusConflict)
		return
	case errors.Is(err, errSessionGone), errors.Is(err, chat.ErrNotFound):
		jsonErr(w, "Session not found", http.StatusNotFound)
		return
	case err != nil:
		log.WithError(err).Error("Failed to start ingestion")
		jsonErr(w, "Failed to check collection", http.StatusInternalServerError)
		return
	}
	started := false
	defer func() {
		if !started {
			release()
		}
	}()

	// Parse multipart (max 100MB)
	if err := r.ParseMultipartForm(100 << 20); err != nil {
		jsonErr(w, "Failed to parse upload: "+err.Error(), http.StatusBadRequest)
		return
	}
	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		files = r.MultipartForm.File["file"]
	}
	if len(files) == 0 {
		jsonErr(w, "No files uploaded", http.StatusBadRequest)
		return
	}

	uploadsDir := s.cfg.UploadsDir(sess.ID)
	if err := os.MkdirAll(uploadsDir, 0755); err != nil {
		jsonErr(w, "Failed to store upload", http.StatusInternalServerError)
		return
	}

	var names, paths []string
	for _, fh := range files {
		name := filepath.Base(fh.Filename)
		if name == "." || name == ".." || !extractor.SupportedExt(name) {
			log.WithField("file", fh.Filename).Debug("Skipping unsupported upload")
			continue
		}
		dst := filepath.Join(uploadsDir, name)
		if err := saveUpload(fh, dst); err != nil {
			log.WithError(err).WithField("file", name).Warn("Failed to save upload")
			continue
		}
		names = append(names, name)
		paths = append(paths, dst)
	}
	if len(paths) == 0 {
		jsonErr(w, "Unsupported file type. Upload PDF, DOCX or TXT files.", http.StatusBadRequest)
		return
	}

	_, err = s.sessions.Update(ctx, sess.ID, func(u *chat.Session) {
		u.Status = chat.StatusProcessing
		u.Documents = names
		u.ChunkCount = 0
		u.Error = ""
	})
	if err != nil {
		log.WithError(err).Warn("Failed to update session status")
	}

	job.status.update(func(st *IngestStatus) { st.FilesTotal = len(paths) })
	started = true
	go s.runIngestion(jobCtx, sess.ID, paths, job)

	jsonStatus(w, http.StatusAccepted, map[string]interface{}{
		"status":   "started",
		"uploaded": names,
		"count":    len(names),
	})
}

func saveUpload(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (s *Server) runIngestion(ctx context.Context, sessionID string, paths []string, job *ingestJob) {
	defer close(job.done)
	defer job.cancel()
	start := time.Now()
	status := job.status

	// Extract every file; failures are reported per file, not fatal.
	results := make([]FileResult, len(paths))
	perFile := make([][]extractor.Page, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(extractConcurrency)
	for i, path := range paths {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			name := filepath.Base(path)
			pages, err := s.pipeline.LoadFile(path)
			if err != nil {
				log.WithError(err).WithField("file", name).Warn("Failed to extract document")
				results[i] = FileResult{Name: name, Status: "failed", Error: err.Error()}
			} else {
				log.WithField("file", name).Infof("Extracted %d pages", len(pages))
				results[i] = FileResult{Name: name, Status: "ok", Pages: len(pages)}
				perFile[i] = pages
			}
			status.update(func(st *IngestStatus) { st.FilesDone++ })
			return nil
		})
	}
	_ = g.Wait()

	var pages []extractor.Page
	var docs []string
	for i, res := range results {
		if res.Status == "ok" {
			pages = append(pages, perFile[i]...)
			docs = append(docs, res.Name)
		}
	}
	status.update(func(st *IngestStatus) { st.FileResults = results })

	if ctx.Err() != nil {
		s.finishIngestion(sessionID, status, phaseCancelled, "Processing was cancelled", nil, 0)
		return
	}
	if len(pages) == 0 {
		msg := "No text could be extracted from any uploaded file."
		if !s.tesseractOk {
			msg += " If your PDFs are scanned images, install Tesseract and Poppler to enable OCR."
		}
		s.finishIngestion(sessionID, status, phaseError, msg, nil, 0)
		return
	}

	progress := func(total, done int) {
		status.update(func(st *IngestStatus) {
			st.ChunksTotal = total
			st.ChunksDone = done
		})
	}
	idx, err := s.openForIngestion(sessionID)
	if err != nil {
		log.WithError(err).WithField("session", sessionID).Error("Failed to open collection")
		s.finishIngestion(sessionID, status, phaseError, fmt.Sprintf("Failed to open collection: %v", err), nil, 0)
		return
	}
	if err := s.pipeline.IndexPages(ctx, idx, pages, progress); err != nil {
		// Partial writes must not leave a half-built collection behind.
		if dropErr := s.pipeline.DeleteVectorDB(context.Background(), idx); dropErr != nil {
			log.WithError(dropErr).Warn("Failed to remove partial collection")
		}
		if ctx.Err() != nil {
			s.finishIngestion(sessionID, status, phaseCancelled, "Processing was cancelled", nil, 0)
			return
		}
		log.WithError(err).WithField("session", sessionID).Error("Ingestion failed")
		s.finishIngestion(sessionID, status, phaseError, fmt.Sprintf("Embedding error: %v", err), nil, 0)
		return
	}

	n, err := idx.Count(context.Background())
	if err != nil {
		log.WithError(err).Warn("Failed to count chunks")
	}
	// Cached before done is closed, so queries never open a second handle.
	s.cacheIndex(sessionID, idx)
	status.update(func(st *IngestStatus) {
		st.ChunksTotal = n
		st.ChunksDone = n
	})
	s.finishIngestion(sessionID, status, phaseDone, "", docs, n)
	log.WithFields(log.Fields{
		"session": sessionID,
		"chunks":  n,
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Info("Ingestion complete")
}

// finishIngestion records the terminal phase on the session, then on the
// job status that clients poll.
func (s *Server) finishIngestion(sessionID string, status *IngestStatus, phase, msg string, docs []string, chunks int) {
	_, err := s.sessions.Update(context.Background(), sessionID, func(u *chat.Session) {
		switch phase {
		case phaseDone:
			u.Status = chat.StatusReady
			u.Documents = docs
			u.ChunkCount = chunks
			u.Error = ""
		case phaseCancelled:
			u.Status = chat.StatusEmpty
			u.Documents = []string{}
			u.ChunkCount = 0
			u.Error = ""
		default:
			u.Status = chat.StatusError
			u.ChunkCount = 0
			u.Error = msg
		}
	})
	if err != nil && !errors.Is(err, chat.ErrNotFound) {
		log.WithError(err).Warn("Failed to update session after ingestion")
	}
	status.update(func(st *IngestStatus) {
		st.Phase = phase
		st.Error = msg
	})
}

func (s *Server) handleIngestStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	job := s.job(sess.ID)
	if job == nil {
		jsonResp(w, IngestStatus{Phase: phaseIdle})
		return
	}
	jsonResp(w, job.status.snapshot())
}

func (s *Server) handleCancelIngest(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	job := s.job(sess.ID)
	if !job.running() {
		jsonErr(w, "No ingestion in progress", http.StatusConflict)
		return
	}
	job.cancel()
	log.WithField("session", sess.ID).Info("Ingestion cancelled by user")
	jsonResp(w, map[string]string{"status": "cancelled"})
}
