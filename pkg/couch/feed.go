package couch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Feed defaults.
const (
	DefaultFeedLatency   = 666 * time.Millisecond
	DefaultFeedHeartbeat = 60 * time.Second
)

const maxFeedLine = 16 << 20

// Change is one entry of a database's change feed.
type Change struct {
	Seq     Seq         `json:"seq"`
	ID      string      `json:"id"`
	Changes []ChangeRev `json:"changes"`
	Deleted bool        `json:"deleted,omitempty"`
	Doc     *Document   `json:"doc,omitempty"`
}

// ChangeRev names one leaf revision in a Change.
type ChangeRev struct {
	Rev string `json:"rev"`
}

// ChangesFunc receives a batch of changes together with the sequence of the
// most recent one.
type ChangesFunc func(since Seq, changes []Change)

// FeedOptions control a change feed subscription.
type FeedOptions struct {
	// Since is the sequence to start after. Empty starts at the beginning.
	Since Seq

	// Filter names a filter function, e.g. "ddoc/name".
	Filter string

	// Params are passed to the filter function as query parameters.
	Params url.Values

	// Heartbeat is the interval of keepalive newlines sent by the server.
	// Zero omits the parameter.
	Heartbeat time.Duration

	// Latency is the minimum period between callback invocations. Changes
	// arriving within one window are delivered together. Zero invokes the
	// callback once per change.
	Latency time.Duration

	// IncludeDocs attaches the document body to every change.
	IncludeDocs bool

	// Limit bounds the number of changes returned by a one-shot Changes call.
	Limit int
}

// DefaultFeedOptions returns FeedOptions with the default heartbeat and
// latency.
func DefaultFeedOptions() *FeedOptions {
	return &FeedOptions{
		Heartbeat: DefaultFeedHeartbeat,
		Latency:   DefaultFeedLatency,
	}
}

func (o *FeedOptions) query() url.Values {
	q := url.Values{}
	for k, vs := range o.Params {
		q[k] = append([]string(nil), vs...)
	}
	if o.Since != "" {
		q.Set("since", string(o.Since))
	}
	if o.Filter != "" {
		q.Set("filter", o.Filter)
	}
	if o.IncludeDocs {
		q.Set("include_docs", "true")
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	return q
}

// ChangesResult is the response of a one-shot changes request.
type ChangesResult struct {
	Results []Change `json:"results"`
	LastSeq Seq      `json:"last_seq"`
	Pending int64    `json:"pending,omitempty"`
}

// Changes fetches the changes since opts.Since in a single request. A nil
// opts fetches everything.
func (db *Database) Changes(ctx context.Context, opts *FeedOptions) (*ChangesResult, error) {
	if opts == nil {
		opts = &FeedOptions{}
	}
	resp, err := db.transport.Request(ctx, &Request{
		Method: http.MethodGet,
		Path:   []string{db.name, "_changes"},
		Query:  opts.query(),
	})
	if err != nil {
		return nil, err
	}
	result := &ChangesResult{}
	if err := resp.Decode(result); err != nil {
		return nil, err
	}
	return result, nil
}

// Feed is a running continuous change feed. Changes are batched and handed
// to the callback at most once per latency window, in sequence order.
type Feed struct {
	db      *Database
	latency time.Duration
	fn      ChangesFunc
	logger  hclog.Logger

	body   io.ReadCloser
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	since   Seq
	buf     []Change
	timer   *time.Timer
	armed   uint64 // generation of the current timer
	stopped bool
	issued  uint64
	err     error

	// deliveries run one at a time in the order their batches were taken
	dmu    sync.Mutex
	dcond  *sync.Cond
	served uint64
}

// Follow opens a continuous change feed and calls fn with batches of changes
// until Stop is called, ctx ends, or the connection drops. A nil opts uses
// DefaultFeedOptions. The feed does not reconnect; resume by calling Follow
// again with Since set to the last delivered sequence.
func (db *Database) Follow(ctx context.Context, opts *FeedOptions, fn ChangesFunc) (*Feed, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil changes callback", ErrInvalidOptions)
	}
	if opts == nil {
		opts = DefaultFeedOptions()
	}
	if opts.Latency < 0 {
		return nil, fmt.Errorf("%w: negative latency", ErrInvalidOptions)
	}

	q := opts.query()
	q.Set("feed", "continuous")
	if opts.Heartbeat > 0 {
		q.Set("heartbeat", strconv.FormatInt(opts.Heartbeat.Milliseconds(), 10))
	}

	ctx, cancel := context.WithCancel(ctx)
	body, err := db.transport.OpenStream(ctx, &Request{
		Method: http.MethodGet,
		Path:   []string{db.name, "_changes"},
		Query:  q,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	f := &Feed{
		db:      db,
		latency: opts.Latency,
		fn:      fn,
		logger:  db.logger.Named("feed"),
		body:    body,
		cancel:  cancel,
		done:    make(chan struct{}),
		since:   opts.Since,
	}
	f.dcond = sync.NewCond(&f.dmu)

	f.logger.Debug("following changes", "since", opts.Since, "filter", opts.Filter, "latency", opts.Latency)
	go f.run(ctx)
	return f, nil
}

func (f *Feed) run(ctx context.Context) {
	defer close(f.done)
	defer f.body.Close()

	scanner := bufio.NewScanner(f.body)
	scanner.Buffer(make([]byte, 64*1024), maxFeedLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var entry struct {
			Change
			LastSeq Seq `json:"last_seq"`
		}
		if err := json.Unmarshal(line, &entry); err != nil {
			f.logger.Debug("skipping malformed change", "error", err)
			continue
		}
		if entry.ID == "" {
			if entry.LastSeq != "" {
				f.advance(entry.LastSeq)
			}
			continue
		}
		f.push(entry.Change)
	}

	err := scanner.Err()
	f.mu.Lock()
	stopped := f.stopped
	if !stopped && err != nil && !errors.Is(err, io.EOF) {
		if ctx.Err() != nil {
			f.err = ctx.Err()
		} else {
			f.err = transportError("GET /"+f.db.name+"/_changes", err)
		}
	}
	f.mu.Unlock()

	if !stopped {
		f.flush()
		f.logger.Debug("change feed ended", "since", f.Since(), "error", f.Err())
	}
	f.waitIdle()
}

// advance moves since forward without buffering a change.
func (f *Feed) advance(seq Seq) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !seq.Less(f.since) {
		f.since = seq
	}
}

func (f *Feed) push(c Change) {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	if !c.Seq.Less(f.since) {
		f.since = c.Seq
	}
	f.buf = append(f.buf, c)

	if f.latency == 0 {
		since, batch, ticket := f.takeLocked()
		f.mu.Unlock()
		f.deliver(ticket, since, batch)
		return
	}
	if f.timer == nil {
		f.armed++
		gen := f.armed
		f.timer = time.AfterFunc(f.latency, func() { f.fire(gen) })
	}
	f.mu.Unlock()
}

func (f *Feed) fire(gen uint64) {
	f.mu.Lock()
	if f.stopped || f.timer == nil || gen != f.armed {
		// superseded by a flush or Stop
		f.mu.Unlock()
		return
	}
	if len(f.buf) == 0 {
		f.timer = nil
		f.mu.Unlock()
		return
	}
	since, batch, ticket := f.takeLocked()
	f.mu.Unlock()
	f.deliver(ticket, since, batch)
}

// flush delivers any buffered changes immediately.
func (f *Feed) flush() {
	f.mu.Lock()
	if f.timer != nil {
		f.timer.Stop()
	}
	if f.stopped || len(f.buf) == 0 {
		f.timer = nil
		f.mu.Unlock()
		return
	}
	since, batch, ticket := f.takeLocked()
	f.mu.Unlock()
	f.deliver(ticket, since, batch)
}

// takeLocked empties the buffer, disarms the timer and reserves the next
// delivery slot. f.mu must be held.
func (f *Feed) takeLocked() (Seq, []Change, uint64) {
	batch := f.buf
	f.buf = nil
	f.timer = nil
	ticket := f.issued
	f.issued++
	return f.since, batch, ticket
}

func (f *Feed) deliver(ticket uint64, since Seq, batch []Change) {
	f.dmu.Lock()
	for f.served != ticket {
		f.dcond.Wait()
	}
	f.dmu.Unlock()

	if !f.isStopped() {
		f.fn(since, batch)
	}

	f.dmu.Lock()
	f.served++
	f.dcond.Broadcast()
	f.dmu.Unlock()
}

func (f *Feed) waitIdle() {
	f.mu.Lock()
	issued := f.issued
	f.mu.Unlock()

	f.dmu.Lock()
	for f.served < issued {
		f.dcond.Wait()
	}
	f.dmu.Unlock()
}

func (f *Feed) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// Since returns the sequence of the most recent change received.
func (f *Feed) Since() Seq {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.since
}

// Listening reports whether the feed is still connected.
func (f *Feed) Listening() bool {
	select {
	case <-f.done:
		return false
	default:
		return !f.isStopped()
	}
}

// Stop closes the connection. Buffered changes that have not been delivered
// are discarded and no callback runs after Stop returns, except one that was
// already in progress. Calling Stop more than once is a no-op.
func (f *Feed) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.buf = nil
	f.mu.Unlock()

	f.cancel()
	f.body.Close()
	f.logger.Debug("change feed stopped", "since", f.Since())
}

// Done is closed once the feed has ended and all deliveries have finished.
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

// Err returns the error that ended the feed, or nil if it was stopped or the
// server closed the stream cleanly.
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}
