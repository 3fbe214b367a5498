// Package upload drives uploads from a client's request through worker
// assignment and transfer to the database commit.
//
// An attempt moves Requested -> WorkerAssigned -> StartConfirmed ->
// Transferring and ends Finished or Failed. While an attempt is before
// Transferring the goroutine handling the request owns its cleanup; once
// Transferring, whichever event removes it from the table (finish, failure,
// disconnect, cancel) does.
package upload

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chunkvault/chunkvault/internal/booking"
	"github.com/chunkvault/chunkvault/internal/locks"
	"github.com/chunkvault/chunkvault/internal/logging/audit"
	"github.com/chunkvault/chunkvault/internal/metrics"
	"github.com/chunkvault/chunkvault/internal/store"
	"github.com/chunkvault/chunkvault/pkg/proto"
)

// Defaults.
const (
	DefaultChunkSize         = 10*1024*1024 - 1024
	DefaultMaxRenameAttempts = 99
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrLocked           = errors.New("file is locked")
	ErrNameExhausted    = errors.New("no free name available")
	ErrTooLarge         = errors.New("file too large")
)

// State is the stage of an upload attempt.
type State int

const (
	StateRequested State = iota
	StateWorkerAssigned
	StateStartConfirmed
	StateTransferring
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateWorkerAssigned:
		return "worker-assigned"
	case StateStartConfirmed:
		return "start-confirmed"
	case StateTransferring:
		return "transferring"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Client is a connected end-user session.
type Client interface {
	ID() string
	UserID() string
	Send(p *proto.Packet) error
}

// Sender is a connected service that only receives fire-and-forget packets.
type Sender interface {
	ID() string
	Send(p *proto.Packet) error
}

// Worker is a connected upload worker.
type Worker interface {
	Sender
	Address() string
	// Request sends p and waits for a reply of kind expected.
	Request(ctx context.Context, p *proto.Packet, expected proto.Kind) (*proto.Packet, error)
}

// Store is the part of the database the orchestrator uses.
type Store interface {
	GetFile(ctx context.Context, folderID, name string) (*store.File, error)
	InsertFile(ctx context.Context, f store.File) (*store.File, error)
	UpdateFile(ctx context.Context, id string, patch func(*store.File)) (*store.File, error)
	GetShare(ctx context.Context, fileID, userID string) (*store.Share, error)
}

// Paths resolves folder paths to folder ids.
type Paths interface {
	Resolve(ctx context.Context, path string, create bool) (string, error)
}

// Metadata describes an accepted upload.
type Metadata struct {
	UploadID        string
	ClientID        string
	UserID          string
	Name            string
	Path            string
	Size            int64
	ChunkSize       int64
	OverwriteTarget string // file id being replaced, if any
	OverwriteUserID string // owner of the replaced file
	IsPublic        bool
}

type upload struct {
	Metadata
	workerID string
	state    State
	canceled bool
}

// Options configures an Orchestrator.
type Options struct {
	ChunkSize         int64
	MaxRenameAttempts int
	MaxFileSize       int64 // 0 = unlimited
	Audit             *audit.Logger
	Metrics           *metrics.ManagerMetrics
}

// Orchestrator owns in-flight uploads and the upload and thumbnail worker
// registries.
type Orchestrator struct {
	db          Store
	paths       Paths
	locks       *locks.Registry
	booking     *booking.Engine
	audit       *audit.Logger
	metrics     *metrics.ManagerMetrics
	chunkSize   int64
	maxAttempts int
	maxFileSize int64
	log         zerolog.Logger

	mu       sync.Mutex
	clients  map[string]Client
	workers  map[string]Worker
	uploads  map[string]*upload
	byWorker map[string]string // worker id -> upload id

	thumbs thumbnailQueue
}

// New creates an orchestrator.
func New(db Store, paths Paths, lk *locks.Registry, bk *booking.Engine, opts Options) *Orchestrator {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.MaxRenameAttempts <= 0 {
		opts.MaxRenameAttempts = DefaultMaxRenameAttempts
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop()
	}
	return &Orchestrator{
		db:          db,
		paths:       paths,
		locks:       lk,
		booking:     bk,
		audit:       opts.Audit,
		metrics:     opts.Metrics,
		chunkSize:   opts.ChunkSize,
		maxAttempts: opts.MaxRenameAttempts,
		maxFileSize: opts.MaxFileSize,
		log:         log.With().Str("component", "upload").Logger(),
		clients:     make(map[string]Client),
		workers:     make(map[string]Worker),
		uploads:     make(map[string]*upload),
		byWorker:    make(map[string]string),
	}
}

// ClientConnected registers a client session.
func (o *Orchestrator) ClientConnected(c Client) {
	o.mu.Lock()
	o.clients[c.ID()] = c
	o.mu.Unlock()
}

// ClientDisconnected fails the client's uploads, cancels them on their
// workers and releases its booking. Requests still being assigned are marked
// canceled and roll back on their own.
func (o *Orchestrator) ClientDisconnected(id string) {
	o.mu.Lock()
	delete(o.clients, id)
	var transferring []*upload
	for uploadID, u := range o.uploads {
		if u.ClientID != id {
			continue
		}
		if u.state == StateTransferring {
			o.remove(uploadID)
			transferring = append(transferring, u)
			continue
		}
		u.canceled = true
	}
	o.mu.Unlock()

	for _, u := range transferring {
		o.cancelOnWorker(u, "client disconnected")
		o.fail(u, "client disconnected")
	}
	o.booking.ClientDisconnected(id)
}

// WorkerConnected registers an upload worker and offers it to under-served
// clients.
func (o *Orchestrator) WorkerConnected(w Worker) {
	o.mu.Lock()
	o.workers[w.ID()] = w
	o.mu.Unlock()

	o.booking.AddWorker(w.ID())
}

// WorkerDisconnected forgets a worker and fails the upload it was running.
func (o *Orchestrator) WorkerDisconnected(id string) {
	o.mu.Lock()
	delete(o.workers, id)
	var lost *upload
	if uploadID, ok := o.byWorker[id]; ok {
		u := o.uploads[uploadID]
		if u.state == StateTransferring {
			o.remove(uploadID)
			lost = u
		} else {
			u.canceled = true
		}
	}
	o.mu.Unlock()

	o.booking.RemoveWorker(id)
	if lost != nil {
		o.fail(lost, "upload service disconnected")
	}
}

// Lookup returns an in-flight upload's metadata and state.
func (o *Orchestrator) Lookup(uploadID string) (Metadata, State, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	u, ok := o.uploads[uploadID]
	if !ok {
		return Metadata{}, 0, false
	}
	return u.Metadata, u.state, true
}

// Active returns the number of in-flight uploads.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.uploads)
}

func (o *Orchestrator) client(id string) Client {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.clients[id]
}

func (o *Orchestrator) worker(id string) Worker {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.workers[id]
}

// remove deletes an upload from the tables. Callers hold o.mu.
func (o *Orchestrator) remove(uploadID string) {
	u, ok := o.uploads[uploadID]
	if !ok {
		return
	}
	delete(o.uploads, uploadID)
	if u.workerID != "" && o.byWorker[u.workerID] == uploadID {
		delete(o.byWorker, u.workerID)
	}
}

// take removes a transferring upload run by workerID and returns it.
func (o *Orchestrator) take(uploadID, workerID string) *upload {
	o.mu.Lock()
	defer o.mu.Unlock()
	u, ok := o.uploads[uploadID]
	if !ok || u.workerID != workerID || u.state != StateTransferring {
		return nil
	}
	o.remove(uploadID)
	return u
}

func (o *Orchestrator) countUpload(result string) {
	if o.metrics != nil {
		o.metrics.Uploads.WithLabelValues(result).Inc()
	}
}
