package upload

import (
	"strings"
	"sync"

	"github.com/chunkvault/chunkvault/internal/store"
	"github.com/chunkvault/chunkvault/pkg/proto"
)

// thumbnailQueue holds thumbnail requests until a thumbnail worker takes them.
type thumbnailQueue struct {
	mu      sync.Mutex
	workers []Sender
	next    int
	pending []proto.ThumbnailRequest
}

func thumbnailable(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/") || strings.HasPrefix(mimeType, "video/")
}

// ThumbnailConnected registers a thumbnail worker and hands it every queued
// request.
func (o *Orchestrator) ThumbnailConnected(s Sender) {
	q := &o.thumbs
	q.mu.Lock()
	q.workers = append(q.workers, s)
	queued := q.pending
	q.pending = nil
	q.mu.Unlock()

	if len(queued) > 0 {
		o.log.Info().Int("count", len(queued)).Str("worker", s.ID()).Msg("flushing queued thumbnail requests")
	}
	for _, req := range queued {
		o.dispatchThumbnail(req)
	}
}

// ThumbnailDisconnected forgets a thumbnail worker.
func (o *Orchestrator) ThumbnailDisconnected(id string) {
	q := &o.thumbs
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, s := range q.workers {
		if s.ID() == id {
			q.workers = append(q.workers[:i], q.workers[i+1:]...)
			break
		}
	}
}

// HandleThumbnailResult records a thumbnail worker's outcome.
func (o *Orchestrator) HandleThumbnailResult(workerID string, p *proto.Packet) {
	var res proto.ThumbnailResult
	if err := p.Decode(&res); err != nil {
		return
	}
	if !res.Success {
		o.log.Warn().Str("file_id", res.FileID).Str("worker", workerID).Str("reason", res.Reason).Msg("thumbnail generation failed")
		return
	}
	o.log.Debug().Str("file_id", res.FileID).Msg("thumbnail generated")
}

// ThumbnailQueueLen returns the number of requests waiting for a worker.
func (o *Orchestrator) ThumbnailQueueLen() int {
	o.thumbs.mu.Lock()
	defer o.thumbs.mu.Unlock()
	return len(o.thumbs.pending)
}

func (o *Orchestrator) enqueueThumbnail(f *store.File) {
	o.dispatchThumbnail(proto.ThumbnailRequest{
		FileID:    f.ID,
		Type:      f.Type,
		Channel:   f.Channel,
		Chunks:    f.Chunks,
		Size:      f.Size,
		ChunkSize: f.ChunkSize,
		Encrypted: f.Encrypted,
		KeySalt:   f.KeySalt,
	})
}

// dispatchThumbnail sends req to the next thumbnail worker round-robin, or
// queues it when none is connected or the send fails.
func (o *Orchestrator) dispatchThumbnail(req proto.ThumbnailRequest) {
	p, err := proto.New(proto.KindThumbnailRequest, req)
	if err != nil {
		o.log.Debug().Err(err).Str("file_id", req.FileID).Msg("skipping thumbnail request")
		return
	}

	q := &o.thumbs
	q.mu.Lock()
	if len(q.workers) == 0 {
		q.pending = append(q.pending, req)
		q.mu.Unlock()
		return
	}
	s := q.workers[q.next%len(q.workers)]
	q.next++
	q.mu.Unlock()

	if err := s.Send(p); err != nil {
		o.log.Debug().Err(err).Str("worker", s.ID()).Msg("thumbnail request not sent, queueing")
		q.mu.Lock()
		q.pending = append(q.pending, req)
		q.mu.Unlock()
	}
}
