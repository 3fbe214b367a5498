// Package blob is the client for the remote content host that stores chunks.
//
// Chunks are posted as message attachments to a channel. Downloading goes
// through signed, short-lived attachment links that must be fetched fresh
// from the message before each download.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ErrNotFound is returned when a message or link does not exist.
var ErrNotFound = errors.New("blob not found")

// Config configures a Client.
type Config struct {
	BaseURL    string
	Token      string
	RateLimit  float64 // requests per second, 0 for unlimited
	RateBurst  int
	MaxRetries int // attempts after a 429 before giving up
	MaxWait    time.Duration
	HTTPClient *http.Client
}

// Client talks to the content host's REST API.
type Client struct {
	base       string
	token      string
	http       *http.Client
	limiter    *rate.Limiter
	maxRetries int
	maxWait    time.Duration
}

// New creates a client.
func New(cfg Config) *Client {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 2 * time.Minute}
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = time.Minute
	}
	return &Client{
		base:       strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		http:       hc,
		limiter:    rate.NewLimiter(limit, burst),
		maxRetries: retries,
		maxWait:    maxWait,
	}
}

type attachment struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type message struct {
	ID          string       `json:"id"`
	Attachments []attachment `json:"attachments"`
}

// UploadChunk stores data as an attachment in channel and returns the message id.
func (c *Client) UploadChunk(ctx context.Context, channel, filename string, data []byte, metadata string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	payload, _ := json.Marshal(map[string]string{"content": metadata})
	if err := mw.WriteField("payload_json", string(payload)); err != nil {
		return "", err
	}
	part, err := mw.CreateFormFile("files[0]", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var msg message
	err = c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("channels", channel, "messages"), bytes.NewReader(body.Bytes()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	}, &msg)
	if err != nil {
		return "", fmt.Errorf("upload chunk to %s: %w", channel, err)
	}
	if msg.ID == "" {
		return "", fmt.Errorf("upload chunk to %s: empty message id", channel)
	}
	return msg.ID, nil
}

// FetchLinks returns the current attachment link of every message in ids.
// It asks for all of them at once and falls back to one request per message
// for anything the bulk answer left out. Messages that do not exist are
// missing from the result.
func (c *Client) FetchLinks(ctx context.Context, channel string, ids []string) (map[string]string, error) {
	links := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return links, nil
	}

	var bulk []message
	err := c.do(ctx, func() (*http.Request, error) {
		q := url.Values{"ids": {strings.Join(ids, ",")}}
		return http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("channels", channel, "messages")+"?"+q.Encode(), nil)
	}, &bulk)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		log.Debug().Err(err).Str("channel", channel).Msg("bulk link fetch failed, falling back to single fetches")
	}
	for _, m := range bulk {
		if len(m.Attachments) > 0 {
			links[m.ID] = m.Attachments[0].URL
		}
	}

	for _, id := range ids {
		if _, ok := links[id]; ok {
			continue
		}
		var m message
		err := c.do(ctx, func() (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("channels", channel, "messages", id), nil)
		}, &m)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetch message %s: %w", id, err)
		}
		if len(m.Attachments) > 0 {
			links[id] = m.Attachments[0].URL
		}
	}
	return links, nil
}

// FetchBinary downloads the content behind a signed link.
func (c *Client) FetchBinary(ctx context.Context, link string) ([]byte, error) {
	var data []byte
	err := c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	}, &data)
	if err != nil {
		return nil, fmt.Errorf("fetch binary: %w", err)
	}
	return data, nil
}

func (c *Client) endpoint(parts ...string) string {
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return c.base + "/" + strings.Join(parts, "/")
}

// rateLimited carries the server's requested backoff.
type rateLimited struct {
	wait time.Duration
}

func (e *rateLimited) Error() string {
	return "rate limited, retry after " + e.wait.String()
}

// do sends the request built by build, retrying on 429 after the delay the
// server asked for. out is a *[]byte for raw bodies or a JSON target.
func (c *Client) do(ctx context.Context, build func() (*http.Request, error), out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := build()
		if err != nil {
			return err
		}
		if c.token != "" && strings.HasPrefix(req.URL.String(), c.base) {
			req.Header.Set("Authorization", "Bot "+c.token)
		}

		err = c.roundTrip(req, out)
		var rl *rateLimited
		if !errors.As(err, &rl) {
			return err
		}
		lastErr = err

		wait := min(rl.wait, c.maxWait)
		log.Debug().Dur("wait", wait).Int("attempt", attempt+1).Str("url", req.URL.Path).Msg("blob backend rate limited")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", c.maxRetries+1, lastErr)
}

func (c *Client) roundTrip(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &rateLimited{wait: retryAfter(resp)}
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if raw, ok := out.(*[]byte); ok {
		*raw, err = io.ReadAll(resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// retryAfter reads the backoff from a JSON retry_after field (seconds) or
// the Retry-After header, defaulting to one second.
func retryAfter(resp *http.Response) time.Duration {
	var body struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil && body.RetryAfter > 0 {
		return time.Duration(body.RetryAfter * float64(time.Second))
	}
	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, err := strconv.ParseFloat(h, 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return time.Second
}
