package coord

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chunkvault/chunkvault/internal/cipher"
	"github.com/chunkvault/chunkvault/internal/store"
	"github.com/chunkvault/chunkvault/internal/stream"
	"github.com/chunkvault/chunkvault/internal/thumbstore"
)

const (
	maxBulkFiles    = 1000
	defaultZipName  = "download.zip"
	octetStream     = "application/octet-stream"
	signedPathRoute = "/api/v1/signed/"
)

// lazySink commits the response status on the first write, so a stream that
// fails before producing any data can still be answered with an error.
type lazySink struct {
	stream.Sink
	w      http.ResponseWriter
	status int
	wrote  bool
}

func (l *lazySink) Write(b []byte) (int, error) {
	l.commit()
	return l.Sink.Write(b)
}

func (l *lazySink) commit() {
	if !l.wrote {
		l.wrote = true
		l.w.WriteHeader(l.status)
	}
}

func newLazySink(w http.ResponseWriter, status int) *lazySink {
	return &lazySink{Sink: stream.ResponseSink(w), w: w, status: status}
}

func streamFile(f *store.File) stream.File {
	return stream.File{
		Name:      f.Name,
		Channel:   f.Channel,
		Chunks:    f.Chunks,
		Size:      f.Size,
		ChunkSize: f.ChunkSize,
		Encrypted: f.Encrypted,
		KeySalt:   f.KeySalt,
	}
}

func attachment(name string) string {
	return mime.FormatMediaType("attachment", map[string]string{"filename": name})
}

// serveFile streams f, honouring a single byte range.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, f *store.File, kind string) {
	start := time.Now()

	rng, err := stream.ParseRange(r.Header.Get("Range"), f.Size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", f.Size))
		jsonError(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
		return
	}

	h := w.Header()
	contentType := f.Type
	if contentType == "" {
		contentType = octetStream
	}
	h.Set("Content-Type", contentType)
	h.Set("Content-Disposition", attachment(f.Name))
	h.Set("Accept-Ranges", "bytes")
	if f.Hash != "" {
		h.Set("ETag", `"`+f.Hash+`"`)
	}
	status, length := http.StatusOK, f.Size
	if rng != nil {
		status, length = http.StatusPartialContent, rng.Len()
		h.Set("Content-Range", rng.ContentRange(f.Size))
	}
	h.Set("Content-Length", strconv.FormatInt(length, 10))

	sink := newLazySink(w, status)
	err = s.streams.Stream(r.Context(), sink, streamFile(f), rng)
	s.finishStream(w, sink, kind, err, start)
}

// finishStream records a download and reports a failure that happened before
// any byte was sent.
func (s *Server) finishStream(w http.ResponseWriter, sink *lazySink, kind string, err error, start time.Time) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	if s.metrics != nil {
		s.metrics.Downloads.WithLabelValues(kind, result).Inc()
		s.metrics.DownloadDuration.Observe(time.Since(start).Seconds())
	}

	if err == nil {
		sink.commit()
		return
	}
	if sink.wrote {
		// headers are gone; the client sees a short body
		return
	}
	for _, k := range []string{"Content-Disposition", "Content-Length", "Content-Range", "ETag", "Accept-Ranges"} {
		w.Header().Del(k)
	}
	switch {
	case errors.Is(err, stream.ErrCanceled):
		jsonError(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, stream.ErrChunkMissing), errors.Is(err, stream.ErrCorruptFile):
		jsonError(w, err.Error(), http.StatusBadGateway)
	default:
		s.log.Error().Err(err).Str("kind", kind).Msg("download failed")
		jsonError(w, "download failed", http.StatusInternalServerError)
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	dir, name, ok := splitFile(wildcardPath(r))
	if !ok {
		jsonError(w, "file path required", http.StatusBadRequest)
		return
	}
	f, err := s.files.Open(r.Context(), userID(r), dir, name)
	if err != nil {
		s.fileError(w, err)
		return
	}
	s.serveFile(w, r, f, "file")
}

// SignedLink answers a signed link request.
type SignedLink struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

func (s *Server) handleCreateSigned(w http.ResponseWriter, r *http.Request) {
	if s.signer == nil {
		jsonError(w, "signed downloads are disabled", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	dir, name, ok := splitFile(req.Path)
	if !ok {
		jsonError(w, "path must name a file", http.StatusBadRequest)
		return
	}
	f, err := s.files.Open(r.Context(), userID(r), dir, name)
	if err != nil {
		s.fileError(w, err)
		return
	}

	token, err := s.signer.Sign(cipher.Download{Name: f.Name, Path: dir, Hash: f.Hash}, s.cfg.Download.SignedTTL)
	if err != nil {
		s.log.Error().Err(err).Msg("sign download")
		jsonError(w, "failed to sign link", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, SignedLink{Token: token, URL: signedPathRoute + token})
}

// resolveSigned opens the file a signed link points at. Links whose file
// content changed since signing are refused.
func (s *Server) resolveSigned(w http.ResponseWriter, r *http.Request) (*store.File, string, bool) {
	if s.signer == nil {
		jsonError(w, "signed downloads are disabled", http.StatusServiceUnavailable)
		return nil, "", false
	}
	d, err := s.signer.Verify(chi.URLParam(r, "token"))
	switch {
	case errors.Is(err, cipher.ErrExpiredToken):
		jsonError(w, err.Error(), http.StatusGone)
		return nil, "", false
	case err != nil:
		jsonError(w, "invalid download link", http.StatusNotFound)
		return nil, "", false
	}

	f, err := s.files.Lookup(r.Context(), d.Path, d.Name)
	if err != nil {
		s.fileError(w, err)
		return nil, "", false
	}
	if f.Hash != d.Hash {
		jsonError(w, "file has changed since the link was created", http.StatusGone)
		return nil, "", false
	}
	return f, d.Path, true
}

func (s *Server) handleSigned(w http.ResponseWriter, r *http.Request) {
	f, _, ok := s.resolveSigned(w, r)
	if !ok {
		return
	}
	s.serveFile(w, r, f, "signed")
}

// FileMeta describes a file behind a signed link.
type FileMeta struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	Type      string    `json:"type"`
	Hash      string    `json:"hash"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Server) handleSignedMeta(w http.ResponseWriter, r *http.Request) {
	f, dir, ok := s.resolveSigned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, FileMeta{
		Name:      f.Name,
		Path:      dir,
		Size:      f.Size,
		Type:      f.Type,
		Hash:      f.Hash,
		UpdatedAt: f.UpdatedAt,
	})
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req struct {
		Paths []string `json:"paths"`
		Name  string   `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Paths) == 0 || len(req.Paths) > maxBulkFiles {
		jsonError(w, fmt.Sprintf("between 1 and %d paths required", maxBulkFiles), http.StatusBadRequest)
		return
	}

	uid := userID(r)
	seen := make(map[string]bool, len(req.Paths))
	entries := make([]stream.Entry, 0, len(req.Paths))
	for _, p := range req.Paths {
		dir, name, ok := splitFile(p)
		if !ok {
			jsonError(w, fmt.Sprintf("%q does not name a file", p), http.StatusBadRequest)
			return
		}
		f, err := s.files.Open(r.Context(), uid, dir, name)
		if err != nil {
			s.fileError(w, err)
			return
		}
		entryPath := strings.TrimPrefix(strings.TrimSuffix(dir, "/")+"/"+name, "/")
		if seen[entryPath] {
			continue
		}
		seen[entryPath] = true
		entries = append(entries, stream.Entry{Path: entryPath, Modified: f.UpdatedAt, File: streamFile(f)})
	}

	name := req.Name
	if name == "" {
		name = defaultZipName
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", attachment(name))

	sink := newLazySink(w, http.StatusOK)
	err := s.streams.StreamZip(r.Context(), sink, entries)
	s.finishStream(w, sink, "bulk", err, start)
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	if s.thumbs == nil {
		jsonError(w, "thumbnails are disabled", http.StatusNotFound)
		return
	}
	f, err := s.files.OpenByID(r.Context(), userID(r), chi.URLParam(r, "fileID"))
	if err != nil {
		s.fileError(w, err)
		return
	}
	exists, err := s.thumbs.Exists(r.Context(), f.ID)
	if err != nil {
		s.log.Error().Err(err).Str("file", f.ID).Msg("look up thumbnail")
		jsonError(w, "thumbnail store unavailable", http.StatusBadGateway)
		return
	}
	if !exists {
		jsonError(w, thumbstore.ErrNotFound.Error(), http.StatusNotFound)
		return
	}
	link, err := s.thumbs.PresignThumbnail(r.Context(), f.ID)
	if err != nil {
		s.log.Error().Err(err).Str("file", f.ID).Msg("presign thumbnail")
		jsonError(w, "failed to sign thumbnail link", http.StatusBadGateway)
		return
	}
	http.Redirect(w, r, link, http.StatusFound)
}
