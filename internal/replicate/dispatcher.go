// Package replicate fans committed revisions out to secondary sinks
// (history, SQL mirror, pub/sub, search, backups) without holding up the
// store's mutation queue.
package replicate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"shopfloor/internal/docstore"
)

// Sink consumes commits. Apply is called once per commit, in revision
// order, from a goroutine dedicated to the sink.
type Sink interface {
	Name() string
	Apply(ctx context.Context, commit docstore.Commit) error
}

type Options struct {
	// Retries is the number of extra attempts after a failed Apply.
	Retries int
	Backoff time.Duration
	// Timeout bounds a single Apply call. Zero means 30s.
	Timeout time.Duration
	Logger  *zerolog.Logger
}

type SinkStatus struct {
	Name         string    `json:"name"`
	LastRevision int64     `json:"lastRevision"`
	Pending      int       `json:"pending"`
	LastError    string    `json:"lastError,omitempty"`
	LastErrorAt  time.Time `json:"lastErrorAt,omitempty"`
}

type Dispatcher struct {
	lanes   []*lane
	opts    Options
	log     zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	closed  bool
}

type lane struct {
	sink    Sink
	mu      sync.Mutex
	cond    *sync.Cond
	pending []docstore.Commit
	busy    bool
	closed  bool
	status  SinkStatus
}

func New(opts Options, sinks ...Sink) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	d := &Dispatcher{
		opts: opts,
		log:  logger.With().Str("component", "replicate").Logger(),
	}
	for _, sink := range sinks {
		if sink == nil {
			continue
		}
		l := &lane{sink: sink, status: SinkStatus{Name: sink.Name()}}
		l.cond = sync.NewCond(&l.mu)
		d.lanes = append(d.lanes, l)
	}
	return d
}

// Start launches one worker per sink. Workers stop when ctx is cancelled or
// Close is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	d.ctx, d.cancel = context.WithCancel(ctx)
	for _, l := range d.lanes {
		d.wg.Add(1)
		go d.run(l)
	}
}

// Enqueue hands commit to every sink. It never blocks on sink work and is
// safe to register as a docstore commit hook.
func (d *Dispatcher) Enqueue(commit docstore.Commit) {
	for _, l := range d.lanes {
		l.mu.Lock()
		if !l.closed {
			l.pending = append(l.pending, commit)
			l.status.Pending = len(l.pending)
			l.cond.Signal()
		}
		l.mu.Unlock()
	}
}

// Attach registers the dispatcher on store and returns it.
func (d *Dispatcher) Attach(store *docstore.Store) *Dispatcher {
	store.OnCommit(d.Enqueue)
	return d
}

// Flush waits until every sink has processed everything enqueued so far.
func (d *Dispatcher) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for !d.idle() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("replicate flush: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func (d *Dispatcher) idle() bool {
	for _, l := range d.lanes {
		l.mu.Lock()
		busy := l.busy || len(l.pending) > 0
		l.mu.Unlock()
		if busy {
			return false
		}
	}
	return true
}

// Close drains queued commits and stops the workers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	started := d.started
	d.mu.Unlock()

	for _, l := range d.lanes {
		l.mu.Lock()
		l.closed = true
		l.cond.Broadcast()
		l.mu.Unlock()
	}
	if started {
		d.wg.Wait()
		d.cancel()
	}
}

func (d *Dispatcher) Status() []SinkStatus {
	out := make([]SinkStatus, 0, len(d.lanes))
	for _, l := range d.lanes {
		l.mu.Lock()
		out = append(out, l.status)
		l.mu.Unlock()
	}
	return out
}

func (d *Dispatcher) run(l *lane) {
	defer d.wg.Done()
	stop := context.AfterFunc(d.ctx, func() {
		l.mu.Lock()
		l.closed = true
		l.pending = nil
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer stop()

	for {
		l.mu.Lock()
		for len(l.pending) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.pending) == 0 {
			l.mu.Unlock()
			return
		}
		commit := l.pending[0]
		l.pending[0] = docstore.Commit{}
		l.pending = l.pending[1:]
		l.busy = true
		l.mu.Unlock()

		err := d.deliver(l.sink, commit)

		l.mu.Lock()
		l.busy = false
		l.status.Pending = len(l.pending)
		if err != nil {
			l.status.LastError = err.Error()
			l.status.LastErrorAt = time.Now().UTC()
		} else {
			l.status.LastRevision = commit.Revision
		}
		l.mu.Unlock()
	}
}

func (d *Dispatcher) deliver(sink Sink, commit docstore.Commit) error {
	var err error
	for attempt := 0; attempt <= d.opts.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-d.ctx.Done():
				return d.ctx.Err()
			case <-time.After(d.opts.Backoff * time.Duration(attempt)):
			}
		}
		err = d.applyOnce(sink, commit)
		if err == nil {
			return nil
		}
		d.log.Warn().
			Err(err).
			Str("sink", sink.Name()).
			Int64("revision", commit.Revision).
			Int("attempt", attempt+1).
			Msg("sink apply failed")
	}
	d.log.Error().
		Err(err).
		Str("sink", sink.Name()).
		Int64("revision", commit.Revision).
		Msg("sink gave up on revision")
	return err
}

func (d *Dispatcher) applyOnce(sink Sink, commit docstore.Commit) (err error) {
	ctx, cancel := context.WithTimeout(d.ctx, d.opts.Timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink %s panicked: %v", sink.Name(), r)
		}
	}()
	return sink.Apply(ctx, commit)
}

type funcSink struct {
	name string
	fn   func(context.Context, docstore.Commit) error
}

// SinkFunc wraps fn as a Sink called name.
func SinkFunc(name string, fn func(context.Context, docstore.Commit) error) Sink {
	return funcSink{name: name, fn: fn}
}

func (s funcSink) Name() string { return s.name }

func (s funcSink) Apply(ctx context.Context, commit docstore.Commit) error {
	return s.fn(ctx, commit)
}
