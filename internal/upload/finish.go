package upload

import (
	"context"
	"errors"
	"fmt"

	"github.com/chunkvault/chunkvault/internal/logging/audit"
	"github.com/chunkvault/chunkvault/internal/store"
	"github.com/chunkvault/chunkvault/internal/stream"
	"github.com/chunkvault/chunkvault/pkg/proto"
)

var (
	errIncompleteReport = errors.New("upload service sent an incomplete report")
	errChunkCount       = errors.New("chunk count does not match file size")
)

// HandleFinish commits an upload reported finished by workerID and tells the
// client. The destination name stays locked until the commit is done.
func (o *Orchestrator) HandleFinish(ctx context.Context, workerID string, p *proto.Packet) {
	var fin proto.UploadFinish
	if err := p.Decode(&fin); err != nil {
		o.log.Debug().Err(err).Msg("undecodable upload finish")
		return
	}
	u := o.take(fin.UploadID, workerID)
	if u == nil {
		o.log.Debug().Str("upload_id", fin.UploadID).Str("worker", workerID).Msg("finish for unknown upload")
		return
	}
	o.booking.Release(workerID)

	f, err := o.commit(ctx, u, fin)
	o.locks.UnlockFile(u.Path, u.Name)
	if err != nil {
		reason := "could not save file"
		if errors.Is(err, errIncompleteReport) || errors.Is(err, errChunkCount) {
			reason = err.Error()
		}
		o.log.Warn().Err(err).Str("upload_id", u.UploadID).Msg("upload commit failed")
		o.notifyFinished(u, proto.UploadFinished{UploadID: u.UploadID, Success: false, Reason: reason})
		o.audit.LogUpload(u.UserID, u.UploadID, u.Path, u.Name, audit.Failed, reason)
		o.countUpload("failed")
		return
	}

	o.notifyFinished(u, proto.UploadFinished{UploadID: u.UploadID, Success: true, FileID: f.ID})
	o.audit.LogUpload(u.UserID, u.UploadID, u.Path, u.Name, audit.Allowed, "")
	o.countUpload("success")
	if o.metrics != nil {
		o.metrics.UploadedBytes.Add(float64(f.Size))
	}
	o.log.Info().
		Str("upload_id", u.UploadID).
		Str("file_id", f.ID).
		Str("path", u.Path).
		Str("name", u.Name).
		Msg("upload finished")

	if thumbnailable(f.Type) {
		o.enqueueThumbnail(f)
	}
}

// commit writes the finished upload to the database.
func (o *Orchestrator) commit(ctx context.Context, u *upload, fin proto.UploadFinish) (*store.File, error) {
	if fin.Hash == "" || fin.Type == "" || fin.Channel == "" {
		return nil, errIncompleteReport
	}
	if len(fin.Chunks) != stream.ChunkCount(u.Size, u.ChunkSize) {
		return nil, fmt.Errorf("%w: got %d", errChunkCount, len(fin.Chunks))
	}

	folderID, err := o.paths.Resolve(ctx, u.Path, true)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", u.Path, err)
	}

	apply := func(f *store.File) {
		f.Size = u.Size
		f.ChunkSize = u.ChunkSize
		f.Chunks = fin.Chunks
		f.Channel = fin.Channel
		f.Hash = fin.Hash
		f.Type = fin.Type
		f.Encrypted = fin.Encrypted
		f.KeySalt = fin.KeySalt
		f.IsPublic = u.IsPublic
	}

	if u.OverwriteTarget != "" {
		f, err := o.db.UpdateFile(ctx, u.OverwriteTarget, func(f *store.File) {
			apply(f)
			if f.OwnerID == "" {
				f.OwnerID = u.UserID
			}
		})
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("update file: %w", err)
		}
		// replaced file was deleted during the transfer; store it as new
	}

	owner := u.UserID
	if u.OverwriteUserID != "" {
		owner = u.OverwriteUserID
	}
	nf := store.File{Name: u.Name, FolderID: folderID, OwnerID: owner}
	apply(&nf)
	f, err := o.db.InsertFile(ctx, nf)
	if err != nil {
		return nil, fmt.Errorf("insert file: %w", err)
	}
	return f, nil
}

// HandleFailed fails an upload its worker gave up on.
func (o *Orchestrator) HandleFailed(workerID string, p *proto.Packet) {
	var msg proto.UploadFailed
	if err := p.Decode(&msg); err != nil {
		return
	}
	u := o.take(msg.UploadID, workerID)
	if u == nil {
		o.log.Debug().Str("upload_id", msg.UploadID).Str("worker", workerID).Msg("failure for unknown upload")
		return
	}
	reason := msg.Reason
	if reason == "" {
		reason = "upload failed"
	}
	o.fail(u, reason)
}

// HandleClientCancel aborts one of the client's uploads on request.
func (o *Orchestrator) HandleClientCancel(clientID string, p *proto.Packet) {
	var msg proto.ClientUploadCancel
	if err := p.Decode(&msg); err != nil {
		return
	}

	o.mu.Lock()
	u, ok := o.uploads[msg.UploadID]
	if !ok || u.ClientID != clientID {
		o.mu.Unlock()
		return
	}
	if u.state != StateTransferring {
		u.canceled = true
		o.mu.Unlock()
		return
	}
	o.remove(msg.UploadID)
	o.mu.Unlock()

	o.cancelOnWorker(u, "canceled by client")
	o.fail(u, "canceled by client")
}

// fail ends a transferring upload that was already removed from the table.
func (o *Orchestrator) fail(u *upload, reason string) {
	u.state = StateFailed
	o.booking.Release(u.workerID)
	o.locks.UnlockFile(u.Path, u.Name)

	o.notifyFinished(u, proto.UploadFinished{UploadID: u.UploadID, Success: false, Reason: reason})
	o.audit.LogUpload(u.UserID, u.UploadID, u.Path, u.Name, audit.Failed, reason)
	o.countUpload("failed")
	o.log.Info().Str("upload_id", u.UploadID).Str("reason", reason).Msg("upload failed")
}

// cancelOnWorker tells the worker running u to drop it.
func (o *Orchestrator) cancelOnWorker(u *upload, reason string) {
	w := o.worker(u.workerID)
	if w == nil {
		return
	}
	p, err := proto.New(proto.KindWorkerUploadCancel, proto.UploadCancel{UploadID: u.UploadID, Reason: reason})
	if err != nil {
		o.log.Error().Err(err).Msg("build upload cancel")
		return
	}
	if err := w.Send(p); err != nil {
		o.log.Debug().Err(err).Str("worker", w.ID()).Msg("send upload cancel")
	}
}

// notifyFinished sends s2c:upload-finished if the client is still connected.
func (o *Orchestrator) notifyFinished(u *upload, msg proto.UploadFinished) {
	c := o.client(u.ClientID)
	if c == nil {
		return
	}
	p, err := proto.New(proto.KindUploadFinished, msg)
	if err != nil {
		o.log.Error().Err(err).Msg("build upload finished")
		return
	}
	if err := c.Send(p); err != nil {
		o.log.Debug().Err(err).Str("client", c.ID()).Msg("send upload finished")
	}
}
