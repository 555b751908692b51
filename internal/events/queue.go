// ABOUTME: Bounded worker queue that POSTs event deliveries to webhook URLs
// ABOUTME: Submit never blocks; a full buffer drops the delivery

package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Delivery is one event bound for a webhook URL.
type Delivery struct {
	URL       string
	SessionID string
	DataType  string
	Data      any
}

// throttleKey scopes failure counting to one session's stream of one event type.
func (d Delivery) throttleKey() string {
	return d.SessionID + "|" + d.DataType
}

// payload is the JSON body posted to the webhook.
type payload struct {
	DataType  string `json:"dataType"`
	Data      any    `json:"data"`
	SessionID string `json:"sessionId"`
}

// QueueOptions configures a Queue.
type QueueOptions struct {
	Size    int
	Workers int
	// Timeout bounds each POST.
	Timeout time.Duration
	// APIKey is sent as x-api-key when set.
	APIKey string
	// LogEvery controls failure log throttling.
	LogEvery int
	Client   *http.Client
	Logger   *slog.Logger
}

// Stats counts queue outcomes since start.
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

// Queue fans deliveries out to a fixed pool of workers.
type Queue struct {
	jobs     chan Delivery
	client   *http.Client
	timeout  time.Duration
	apiKey   string
	throttle *Throttle
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewQueue creates a Queue and starts its workers.
func NewQueue(opts QueueOptions) *Queue {
	if opts.Size <= 0 {
		opts.Size = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	q := &Queue{
		jobs:     make(chan Delivery, opts.Size),
		client:   opts.Client,
		timeout:  opts.Timeout,
		apiKey:   opts.APIKey,
		throttle: NewThrottle(opts.LogEvery),
		logger:   opts.Logger,
	}
	for i := 0; i < opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Submit enqueues d without blocking. It returns false when d was dropped.
func (q *Queue) Submit(d Delivery) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.dropped.Add(1)
		return false
	}
	select {
	case q.jobs <- d:
		return true
	default:
		q.dropped.Add(1)
		q.logger.Debug("delivery queue full, dropping event",
			"session_id", d.SessionID, "data_type", d.DataType)
		return false
	}
}

// Close stops accepting deliveries and waits for queued ones to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Stats returns the outcome counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Delivered: q.delivered.Load(),
		Failed:    q.failed.Load(),
		Dropped:   q.dropped.Load(),
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for d := range q.jobs {
		q.deliver(d)
	}
}

func (q *Queue) deliver(d Delivery) {
	err := q.post(d)
	if err == nil {
		q.delivered.Add(1)
		q.throttle.Success(d.throttleKey())
		return
	}

	q.failed.Add(1)
	count, shouldLog := q.throttle.Failure(d.throttleKey())
	if !shouldLog {
		return
	}
	logger := q.logger.With("session_id", d.SessionID, "data_type", d.DataType, "failures", count)
	if count == 1 {
		logger.Error("webhook delivery failed, check your webhook URL", "url", d.URL, "error", err)
		return
	}
	logger.Error("webhook delivery still failing", "error", err)
}

func (q *Queue) post(d Delivery) error {
	body, err := json.Marshal(payload{DataType: d.DataType, Data: d.Data, SessionID: d.SessionID})
	if err != nil {
		return fmt.Errorf("marshaling delivery: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("x-api-key", q.apiKey)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
