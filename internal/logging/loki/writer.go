// Package loki ships zerolog output to a Grafana Loki push endpoint.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const pushPath = "/loki/api/v1/push"

// Config configures a Writer.
type Config struct {
	URL           string
	Labels        map[string]string
	BatchSize     int
	FlushInterval time.Duration
	Timeout       time.Duration
}

// Writer is an io.Writer that batches log lines and pushes them to Loki.
// Write never fails; lines that cannot be pushed are counted and dropped.
type Writer struct {
	url       string
	labels    map[string]string
	client    *http.Client
	batchSize int
	interval  time.Duration

	mu      sync.Mutex
	pending [][2]string // unix nanos, line

	pushMu  sync.Mutex
	full    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// New creates a writer. Call Start to begin pushing and Close to flush.
func New(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	labels := map[string]string{"job": "chunkvault"}
	maps.Copy(labels, cfg.Labels)

	return &Writer{
		url:       cfg.URL + pushPath,
		labels:    labels,
		client:    &http.Client{Timeout: cfg.Timeout},
		batchSize: cfg.BatchSize,
		interval:  cfg.FlushInterval,
		full:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Write queues one log line. zerolog reuses p, so it is copied.
func (w *Writer) Write(p []byte) (int, error) {
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}

	w.mu.Lock()
	w.pending = append(w.pending, [2]string{strconv.FormatInt(time.Now().UnixNano(), 10), line})
	full := len(w.pending) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.full <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Start runs the push loop.
func (w *Writer) Start() {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
			case <-w.full:
			}
			w.Flush()
		}
	}()
}

// Close stops the push loop and pushes what is left.
func (w *Writer) Close() error {
	w.once.Do(func() {
		close(w.stop)
		<-w.done
	})
	w.Flush()
	return nil
}

// Dropped is the number of lines that failed to reach Loki.
func (w *Writer) Dropped() uint64 {
	return w.dropped.Load()
}

// Flush pushes the queued lines now.
func (w *Writer) Flush() {
	w.pushMu.Lock()
	defer w.pushMu.Unlock()

	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	if err := w.push(batch); err != nil {
		// stderr, not the logger, or the failure would be queued again
		if w.dropped.Add(uint64(len(batch))) == uint64(len(batch)) {
			fmt.Fprintf(os.Stderr, "loki: %v\n", err)
		}
	}
}

func (w *Writer) push(batch [][2]string) error {
	values := make([][]string, len(batch))
	for i, e := range batch {
		values[i] = []string{e[0], e[1]}
	}
	body, err := json.Marshal(map[string]any{
		"streams": []map[string]any{{"stream": w.labels, "values": values}},
	})
	if err != nil {
		return fmt.Errorf("encode push: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push: status %d", resp.StatusCode)
	}
	return nil
}
