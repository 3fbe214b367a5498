// Package stream reassembles stored files from their remote chunks and writes
// them to slow consumers with bounded memory.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/chunkvault/chunkvault/internal/cipher"
)

const (
	// DefaultChunkSize leaves headroom under the blob backend's 10 MiB limit.
	DefaultChunkSize = 10*1024*1024 - 1024
	// DefaultDrainTimeout bounds how long one write may wait on a full sink.
	DefaultDrainTimeout = 1000 * time.Second
)

var (
	// ErrCanceled means the consumer went away. It is not a server fault.
	ErrCanceled = errors.New("stream canceled")
	// ErrDrainTimeout means the sink stayed full past the drain timeout.
	ErrDrainTimeout = errors.New("sink did not drain in time")
	// ErrChunkMissing means the blob backend no longer has a chunk.
	ErrChunkMissing = errors.New("chunk missing from blob backend")
	// ErrCorruptFile means the stored chunk list does not cover the file size.
	ErrCorruptFile = errors.New("chunk list does not match file size")
)

// Sink is where a stream is written. Write blocks while the consumer's buffer
// is full; the deadline bounds that wait.
type Sink interface {
	io.Writer
	SetWriteDeadline(t time.Time) error
}

// Blobs fetches chunk content from the blob backend.
type Blobs interface {
	FetchLinks(ctx context.Context, channel string, ids []string) (map[string]string, error)
	FetchBinary(ctx context.Context, link string) ([]byte, error)
}

// File describes the stored chunks of one file.
type File struct {
	Name      string
	Channel   string
	Chunks    []string
	Size      int64
	ChunkSize int64
	Encrypted bool
	KeySalt   string
}

// Config configures a Pipeline.
type Config struct {
	MasterKey    []byte
	DrainTimeout time.Duration
}

// Pipeline streams files. Only one stream runs at a time across the process;
// the rest wait in arrival order.
type Pipeline struct {
	blobs        Blobs
	master       []byte
	drainTimeout time.Duration

	admission *semaphore.Weighted
	active    atomic.Int32
	waiting   atomic.Int32
}

// New creates a pipeline reading from blobs.
func New(blobs Blobs, cfg Config) *Pipeline {
	drain := cfg.DrainTimeout
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}
	return &Pipeline{
		blobs:        blobs,
		master:       cfg.MasterKey,
		drainTimeout: drain,
		admission:    semaphore.NewWeighted(1),
	}
}

// Stream writes f, or the part of it covered by rng, to sink. A nil rng
// streams the whole file. A failure after the first write leaves the
// consumer with a truncated body.
func (p *Pipeline) Stream(ctx context.Context, sink Sink, f File, rng *Range) error {
	release, err := p.admit(ctx)
	if err != nil {
		return err
	}
	defer release()

	w := &drainWriter{sink: sink, timeout: p.drainTimeout}
	defer w.clear()

	if err := p.copyFile(ctx, w, f, rng); err != nil {
		logAbort(f.Name, err)
		return err
	}
	return nil
}

// Active reports how many streams hold the admission slot.
func (p *Pipeline) Active() int { return int(p.active.Load()) }

// Waiting reports how many streams are queued for admission.
func (p *Pipeline) Waiting() int { return int(p.waiting.Load()) }

func (p *Pipeline) admit(ctx context.Context) (func(), error) {
	p.waiting.Add(1)
	err := p.admission.Acquire(ctx, 1)
	p.waiting.Add(-1)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCanceled, err)
	}
	p.active.Add(1)

	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			p.active.Add(-1)
			p.admission.Release(1)
		}
	}, nil
}

func (p *Pipeline) copyFile(ctx context.Context, w io.Writer, f File, rng *Range) error {
	if f.Size == 0 {
		return nil
	}
	cs := f.ChunkSize
	if cs <= 0 {
		cs = DefaultChunkSize
	}
	if len(f.Chunks) != ChunkCount(f.Size, cs) {
		return fmt.Errorf("%w: %d chunks for %d bytes", ErrCorruptFile, len(f.Chunks), f.Size)
	}

	start, end := int64(0), f.Size-1
	if rng != nil {
		start, end = rng.Start, rng.End
	}
	first, last := int(start/cs), int(end/cs)

	links, err := p.blobs.FetchLinks(ctx, f.Channel, f.Chunks[first:last+1])
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
		}
		return fmt.Errorf("fetch chunk links: %w", err)
	}

	var cc *cipher.ChunkCipher
	if f.Encrypted {
		if cc, err = cipher.ForFile(p.master, f.KeySalt); err != nil {
			return err
		}
	}

	for i := first; i <= last; i++ {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
		}
		link, ok := links[f.Chunks[i]]
		if !ok {
			return fmt.Errorf("%w: chunk %d (%s)", ErrChunkMissing, i, f.Chunks[i])
		}
		data, err := p.blobs.FetchBinary(ctx, link)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
			}
			return fmt.Errorf("fetch chunk %d: %w", i, err)
		}
		if cc != nil {
			if data, err = cc.Open(i, data); err != nil {
				return err
			}
		}

		chunkStart := int64(i) * cs
		lo, hi := int64(0), int64(len(data))
		if i == first {
			lo = start - chunkStart
		}
		if i == last {
			hi = end - chunkStart + 1
		}
		if lo > hi || hi > int64(len(data)) {
			return fmt.Errorf("%w: chunk %d holds %d bytes", ErrCorruptFile, i, len(data))
		}
		if _, err := w.Write(data[lo:hi]); err != nil {
			return err
		}
	}
	return nil
}

// drainWriter arms the sink's deadline before every write and maps write
// failures to ErrDrainTimeout or ErrCanceled.
type drainWriter struct {
	sink    Sink
	timeout time.Duration
}

func (d *drainWriter) Write(b []byte) (int, error) {
	if err := d.sink.SetWriteDeadline(time.Now().Add(d.timeout)); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCanceled, err)
	}
	n, err := d.sink.Write(b)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return n, ErrDrainTimeout
	default:
		return n, fmt.Errorf("%w: %v", ErrCanceled, err)
	}
}

func (d *drainWriter) clear() {
	_ = d.sink.SetWriteDeadline(time.Time{})
}

func logAbort(name string, err error) {
	if errors.Is(err, ErrCanceled) {
		log.Debug().Str("file", name).Msg("stream canceled by consumer")
		return
	}
	log.Warn().Err(err).Str("file", name).Msg("stream aborted")
}
