package worker

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/chunkvault/chunkvault/pkg/proto"
)

const sniffLen = 512

// ChunkResult is the answer to a chunk post.
type ChunkResult struct {
	UploadID string `json:"upload_id"`
	Index    int    `json:"index"`
	Done     bool   `json:"done"`
}

// Handler returns the chunk receiver.
func (w *Worker) Handler() http.Handler {
	origins := w.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Content-Length"},
		MaxAge:         300,
	}))

	r.Get("/health", func(rw http.ResponseWriter, _ *http.Request) {
		writeJSON(rw, http.StatusOK, map[string]any{"status": "ok", "active": w.Active()})
	})
	r.Post("/upload/{uploadID}/{index}", w.handleChunk)
	return r
}

func (w *Worker) handleChunk(rw http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uploadID")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		jsonError(rw, "invalid chunk index", http.StatusBadRequest)
		return
	}

	u := w.lookup(id)
	if u == nil {
		jsonError(rw, ErrUnknownUpload.Error(), http.StatusNotFound)
		return
	}

	// one more byte than allowed so oversized bodies are detected
	data, err := io.ReadAll(io.LimitReader(r.Body, u.ChunkSize+1))
	if err != nil {
		jsonError(rw, "failed to read chunk", http.StatusBadRequest)
		return
	}

	done, err := w.receive(r.Context(), u, index, data)
	switch {
	case errors.Is(err, ErrUnknownUpload):
		jsonError(rw, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, ErrOutOfOrder):
		jsonError(rw, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, ErrChunkSize):
		jsonError(rw, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		jsonError(rw, "failed to store chunk", http.StatusBadGateway)
		return
	}
	writeJSON(rw, http.StatusOK, ChunkResult{UploadID: id, Index: index, Done: done})
}

// expectedSize is the length chunk index must have.
func (u *upload) expectedSize(index int) int64 {
	if index == u.total-1 {
		return u.Size - int64(index)*u.ChunkSize
	}
	return u.ChunkSize
}

// receive stores chunk index of u. Chunks must arrive in order; the last one
// completes the upload. A zero-byte file completes with an empty chunk 0.
func (w *Worker) receive(ctx context.Context, u *upload, index int, data []byte) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.done.Load() {
		return false, ErrUnknownUpload
	}
	if u.total == 0 {
		if index != 0 || len(data) != 0 {
			return false, ErrChunkSize
		}
		return true, w.complete(u)
	}
	if index != u.next {
		return false, fmt.Errorf("%w: expected %d, got %d", ErrOutOfOrder, u.next, index)
	}
	if want := u.expectedSize(index); int64(len(data)) != want {
		return false, fmt.Errorf("%w: expected %d bytes, got %d", ErrChunkSize, want, len(data))
	}

	// hold the inactivity timer while the chunk is stored
	if !u.timer.Stop() {
		return false, ErrUnknownUpload
	}

	body := data
	if u.cipher != nil {
		body = u.cipher.Seal(index, data)
	}
	filename := fmt.Sprintf("%s.%d", u.UploadID, index)
	msgID, err := w.blobs.UploadChunk(ctx, u.Channel, filename, body, strconv.Itoa(index))
	if err != nil {
		u.timer.Reset(w.cfg.InactivityTimeout)
		w.log.Warn().Err(err).Str("upload_id", u.UploadID).Int("index", index).Msg("chunk upload failed")
		return false, err
	}
	if u.done.Load() {
		// canceled while the chunk was in flight
		return false, ErrUnknownUpload
	}

	u.chunks = append(u.chunks, msgID)
	u.hash.Write(data)
	if len(u.sniff) < sniffLen {
		n := min(sniffLen-len(u.sniff), len(data))
		u.sniff = append(u.sniff, data[:n]...)
	}
	u.next++

	if u.next < u.total {
		u.timer.Reset(w.cfg.InactivityTimeout)
		return false, nil
	}
	return true, w.complete(u)
}

// complete reports a fully received upload. The caller holds u.mu.
func (w *Worker) complete(u *upload) error {
	if w.take(u.UploadID) == nil {
		return ErrUnknownUpload
	}
	u.stop()

	fin := proto.UploadFinish{
		UploadID:  u.UploadID,
		Hash:      hex.EncodeToString(u.hash.Sum(nil)),
		Type:      contentType(u.Name, u.sniff),
		Channel:   u.Channel,
		Chunks:    u.chunks,
		Encrypted: u.cipher != nil,
		KeySalt:   u.keySalt,
	}
	w.send(proto.KindUploadFinish, fin)
	w.log.Info().Str("upload_id", u.UploadID).Int("chunks", len(u.chunks)).Msg("upload complete")
	return nil
}

// contentType guesses a MIME type from the file name, then from its content.
func contentType(name string, head []byte) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return http.DetectContentType(head)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, proto.ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
