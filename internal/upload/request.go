package upload

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/chunkvault/chunkvault/internal/files"
	"github.com/chunkvault/chunkvault/internal/logging/audit"
	"github.com/chunkvault/chunkvault/internal/pathcache"
	"github.com/chunkvault/chunkvault/internal/store"
	"github.com/chunkvault/chunkvault/pkg/proto"
)

const maxNameLength = 255

// target is a locked upload destination.
type target struct {
	dir       string
	name      string
	renamed   bool
	overwrite *store.File
}

// HandleUploadRequest runs a client's c2s:upload-request up to the point the
// worker accepts it, and replies with s2c:upload-response.
func (o *Orchestrator) HandleUploadRequest(ctx context.Context, c Client, p *proto.Packet) {
	var req proto.UploadRequest
	if err := p.Decode(&req); err != nil {
		o.log.Debug().Err(err).Msg("undecodable upload request")
		return
	}

	resp := o.request(ctx, c, req)
	if !resp.Accepted {
		o.countUpload("rejected")
		o.audit.LogUpload(c.UserID(), "", req.Path, req.Name, audit.Denied, resp.Reason)
	}

	reply, err := proto.Reply(p, proto.KindUploadResponse, resp)
	if err != nil {
		o.log.Error().Err(err).Msg("build upload response")
		return
	}
	if err := c.Send(reply); err != nil {
		o.log.Debug().Err(err).Str("client", c.ID()).Msg("send upload response")
	}
}

func rejected(reason string) proto.UploadResponse {
	return proto.UploadResponse{Accepted: false, Reason: reason}
}

func (o *Orchestrator) request(ctx context.Context, c Client, req proto.UploadRequest) proto.UploadResponse {
	if o.maxFileSize > 0 && req.Size > o.maxFileSize {
		return rejected(ErrTooLarge.Error())
	}

	dir, err := files.CleanPath(req.Path)
	if err != nil {
		return rejected(err.Error())
	}
	if err := files.CheckName(req.Name); err != nil {
		return rejected(err.Error())
	}
	req.Path = dir

	t, err := o.reserve(ctx, c.UserID(), req)
	if err != nil {
		if !errors.Is(err, ErrPermissionDenied) && !errors.Is(err, ErrLocked) && !errors.Is(err, ErrNameExhausted) {
			o.log.Error().Err(err).Str("path", req.Path).Str("name", req.Name).Msg("reserve upload destination")
			return rejected("internal error")
		}
		return rejected(err.Error())
	}

	u := &upload{
		Metadata: Metadata{
			UploadID:  uuid.NewString(),
			ClientID:  c.ID(),
			UserID:    c.UserID(),
			Name:      t.name,
			Path:      t.dir,
			Size:      req.Size,
			ChunkSize: o.chunkSize,
			IsPublic:  req.IsPublic,
		},
		state: StateRequested,
	}
	if t.overwrite != nil {
		u.OverwriteTarget = t.overwrite.ID
		u.OverwriteUserID = t.overwrite.OwnerID
	}

	if !o.register(u) {
		o.locks.UnlockFile(u.Path, u.Name)
		return rejected("client disconnected")
	}

	w, ok := o.assign(u)
	if !ok {
		o.abort(u)
		return rejected("no upload service available")
	}

	start, err := proto.New(proto.KindUploadStart, proto.UploadStart{
		UploadID:  u.UploadID,
		Name:      u.Name,
		Path:      u.Path,
		Size:      u.Size,
		ChunkSize: u.ChunkSize,
	})
	if err != nil {
		o.abort(u)
		o.log.Error().Err(err).Msg("build upload start")
		return rejected("internal error")
	}
	if !o.setState(u, StateStartConfirmed) {
		o.abort(u)
		return rejected("upload canceled")
	}

	reply, err := w.Request(ctx, start, proto.KindUploadStartResponse)
	if err != nil {
		o.abort(u)
		if errors.Is(err, proto.ErrNoReply) && o.metrics != nil {
			o.metrics.ReplyTimeouts.Inc()
		}
		o.log.Debug().Err(err).Str("worker", w.ID()).Str("upload_id", u.UploadID).Msg("upload start not confirmed")
		return rejected("upload service did not respond")
	}

	var sr proto.UploadStartResponse
	if err := reply.Decode(&sr); err != nil || !sr.Accepted {
		o.abort(u)
		reason := sr.Reason
		if reason == "" {
			reason = "upload rejected by service"
		}
		return rejected(reason)
	}

	if !o.setState(u, StateTransferring) {
		// The client or worker went away while the start was in flight.
		o.cancelOnWorker(u, "upload canceled")
		o.abort(u)
		return rejected("upload canceled")
	}

	o.log.Info().
		Str("upload_id", u.UploadID).
		Str("worker", w.ID()).
		Str("path", u.Path).
		Str("name", u.Name).
		Int64("size", u.Size).
		Msg("upload started")

	resp := proto.UploadResponse{
		Accepted:  true,
		UploadID:  u.UploadID,
		ChunkSize: u.ChunkSize,
		Address:   w.Address(),
	}
	if t.renamed {
		resp.NewName = t.name
	}
	return resp
}

// reserve finds and locks the destination of an upload.
func (o *Orchestrator) reserve(ctx context.Context, userID string, req proto.UploadRequest) (target, error) {
	t := target{dir: path.Clean(req.Path), name: req.Name}
	if o.locks.IsFolderLocked(t.dir) {
		return t, fmt.Errorf("folder is locked: %w", ErrLocked)
	}

	folderID, err := o.paths.Resolve(ctx, t.dir, false)
	switch {
	case errors.Is(err, pathcache.ErrNotFound):
		folderID = ""
	case err != nil:
		return t, fmt.Errorf("resolve %s: %w", t.dir, err)
	}

	var existing *store.File
	if folderID != "" {
		existing, err = o.db.GetFile(ctx, folderID, req.Name)
		if errors.Is(err, store.ErrNotFound) {
			existing = nil
		} else if err != nil {
			return t, fmt.Errorf("look up %s: %w", req.Name, err)
		}
	}

	switch {
	case existing != nil && req.Overwrite:
		if err := o.canWrite(ctx, userID, existing); err != nil {
			return t, err
		}
		if !o.locks.TryLockFile(t.dir, req.Name) {
			return t, ErrLocked
		}
		t.overwrite = existing
		return t, nil
	case existing == nil && o.locks.TryLockFile(t.dir, req.Name):
		return t, nil
	case existing == nil && req.Overwrite:
		// nothing stored yet, but another upload is writing this name
		return t, ErrLocked
	}

	// Hold the taken name while searching so it cannot be freed and
	// reused underneath the search.
	held := o.locks.TryLockFile(t.dir, req.Name)
	name, err := o.FindReplacementName(ctx, folderID, t.dir, req.Name)
	if held {
		o.locks.UnlockFile(t.dir, req.Name)
	}
	if err != nil {
		return t, err
	}
	t.name = name
	t.renamed = true
	return t, nil
}

// canWrite reports whether userID may replace f: owners can, and so can
// users the file is shared with for writing. Files without an owner are
// writable by everyone.
func (o *Orchestrator) canWrite(ctx context.Context, userID string, f *store.File) error {
	if f.OwnerID == "" || f.OwnerID == userID {
		return nil
	}
	share, err := o.db.GetShare(ctx, f.ID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrPermissionDenied
	}
	if err != nil {
		return fmt.Errorf("look up share: %w", err)
	}
	if !share.CanWrite {
		return ErrPermissionDenied
	}
	return nil
}

// splitName separates a file name into base and extension. Leading dots do
// not start an extension.
func splitName(name string) (string, string) {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" || strings.Trim(base, ".") == "" {
		return name, ""
	}
	return base, ext
}

// FindReplacementName returns the first "name (n).ext" that is neither
// stored in the folder nor locked, and locks it. folderID may be empty when
// the folder does not exist yet.
func (o *Orchestrator) FindReplacementName(ctx context.Context, folderID, dir, name string) (string, error) {
	base, ext := splitName(name)
	for n := 1; n <= o.maxAttempts; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		if len(candidate) > maxNameLength {
			break
		}

		taken, err := o.stored(ctx, folderID, candidate)
		if err != nil {
			return "", err
		}
		if taken || !o.locks.TryLockFile(dir, candidate) {
			continue
		}
		// Re-check under the lock: a commit may have landed between the
		// lookup and the lock.
		taken, err = o.stored(ctx, folderID, candidate)
		if err != nil || taken {
			o.locks.UnlockFile(dir, candidate)
			if err != nil {
				return "", err
			}
			continue
		}
		return candidate, nil
	}
	return "", ErrNameExhausted
}

func (o *Orchestrator) stored(ctx context.Context, folderID, name string) (bool, error) {
	if folderID == "" {
		return false, nil
	}
	_, err := o.db.GetFile(ctx, folderID, name)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up %s: %w", name, err)
	}
	return true, nil
}

// register adds a new attempt unless its client already disconnected.
func (o *Orchestrator) register(u *upload) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.clients[u.ClientID]; !ok {
		return false
	}
	o.uploads[u.UploadID] = u
	return true
}

// assign hands the attempt an idle worker booked to its client.
func (o *Orchestrator) assign(u *upload) (Worker, bool) {
	id, ok := o.booking.Acquire(u.ClientID)
	if !ok {
		return nil, false
	}

	o.mu.Lock()
	w, ok := o.workers[id]
	ok = ok && !u.canceled
	if ok {
		u.workerID = id
		u.state = StateWorkerAssigned
		o.byWorker[id] = u.UploadID
	}
	o.mu.Unlock()

	if !ok {
		// the worker or the client went away in between
		o.booking.Release(id)
		return nil, false
	}
	return w, true
}

// setState advances an attempt still owned by its request. It fails once the
// attempt was canceled.
func (o *Orchestrator) setState(u *upload, s State) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if u.canceled {
		return false
	}
	u.state = s
	return true
}

// abort rolls back an attempt that never reached Transferring.
func (o *Orchestrator) abort(u *upload) {
	o.mu.Lock()
	o.remove(u.UploadID)
	u.state = StateFailed
	o.mu.Unlock()

	o.locks.UnlockFile(u.Path, u.Name)
	if u.workerID != "" {
		o.booking.Release(u.workerID)
	}
}
