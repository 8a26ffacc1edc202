// Package autosave coalesces bursts of module state updates into single
// durable writes.
//
// Each module key owns one quiescence timer. Scheduling replaces the key's
// pending value and restarts its timer; when the timer fires the latest
// value is written. A key never has two writes in flight: a timer that
// fires while the previous write is still running is deferred until that
// write settles. Failed writes are reported and never retried here; the
// next edit's timer naturally tries again.
package autosave

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/atelier/internal/durable"
	"github.com/ent0n29/atelier/internal/modstate"
	"github.com/ent0n29/atelier/internal/observability"
)

const (
	DefaultDelay        = 800 * time.Millisecond
	DefaultWriteTimeout = 5 * time.Second

	// persistentFailureThreshold consecutive failed writes raise Status.Notice.
	persistentFailureThreshold = 2
)

// Saver performs one durable write of a container.
type Saver interface {
	SaveContainer(ctx context.Context, moduleID string, c modstate.Container) error
}

type SaverFunc func(ctx context.Context, moduleID string, c modstate.Container) error

func (f SaverFunc) SaveContainer(ctx context.Context, moduleID string, c modstate.Container) error {
	return f(ctx, moduleID, c)
}

// DurableSaver stores each container as JSON under its module id.
func DurableSaver(store durable.Store) Saver {
	return SaverFunc(func(ctx context.Context, moduleID string, c modstate.Container) error {
		return durable.PutJSON(ctx, store, moduleID, c)
	})
}

type Options struct {
	Delay        time.Duration
	WriteTimeout time.Duration
	Clock        Clock
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	// OnError is called after every failed write, outside internal locks.
	OnError func(moduleID string, err error)
}

// Status is the save indicator published to the UI.
type Status struct {
	Saving              bool   `json:"saving"`
	Pending             int    `json:"pending"`
	InFlight            int    `json:"in_flight"`
	LastError           string `json:"last_error,omitempty"`
	LastErrorModule     string `json:"last_error_module,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	// Notice is set while writes keep failing and the user should be told.
	Notice bool `json:"notice"`
}

type entry struct {
	latest         modstate.Container
	timer          Timer
	gen            uint64
	firstScheduled time.Time

	inFlight       bool
	fireAfterWrite bool
	done           chan struct{}
	err            error
}

func (e *entry) pending() bool { return e.timer != nil || e.fireAfterWrite }

type Coordinator struct {
	saver   Saver
	delay   time.Duration
	timeout time.Duration
	clock   Clock
	logger  *zap.Logger
	metrics *observability.Metrics
	onError func(string, error)

	mu       sync.Mutex
	entries  map[string]*entry
	closed   bool
	failures int
	lastErr  string
	lastMod  string
	// statusSeq orders statuses taken under mu; publish drops any status
	// older than the last one it delivered.
	statusSeq uint64

	subMu        sync.Mutex
	subs         map[int]chan Status
	nextSubID    int
	publishedSeq uint64
}

func New(saver Saver, opts Options) *Coordinator {
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Coordinator{
		saver:   saver,
		delay:   opts.Delay,
		timeout: opts.WriteTimeout,
		clock:   opts.Clock,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		onError: opts.OnError,
		entries: make(map[string]*entry),
		subs:    make(map[int]chan Status),
	}
}

// Delay returns the quiescence window.
func (c *Coordinator) Delay() time.Duration { return c.delay }

// Schedule records container as the latest value for moduleID and restarts
// the key's quiescence timer. Other keys are unaffected.
func (c *Coordinator) Schedule(moduleID string, container modstate.Container) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Debug("schedule after close ignored", zap.String("module_id", moduleID))
		return
	}
	e, ok := c.entries[moduleID]
	if !ok {
		e = &entry{}
		c.entries[moduleID] = e
	}
	coalesced := e.timer != nil
	if coalesced {
		e.timer.Stop()
	}
	e.latest = container
	if e.firstScheduled.IsZero() {
		e.firstScheduled = c.clock.Now()
	}
	e.gen++
	gen := e.gen
	e.timer = c.clock.AfterFunc(c.delay, func() { c.fire(moduleID, gen) })
	status, seq := c.snapshotLocked()
	c.mu.Unlock()

	c.metrics.ObserveScheduled(moduleID, coalesced)
	c.publish(status, seq)
}

func (c *Coordinator) fire(moduleID string, gen uint64) {
	c.mu.Lock()
	e, ok := c.entries[moduleID]
	if !ok || e.gen != gen || e.timer == nil {
		// Stopped or superseded after the timer had already started.
		c.mu.Unlock()
		return
	}
	e.timer = nil
	if e.inFlight {
		e.fireAfterWrite = true
		c.mu.Unlock()
		return
	}
	value, first := c.beginWriteLocked(e)
	status, seq := c.snapshotLocked()
	c.mu.Unlock()

	c.publish(status, seq)
	_ = c.write(moduleID, e, value, first)
}

func (c *Coordinator) beginWriteLocked(e *entry) (modstate.Container, time.Time) {
	e.inFlight = true
	e.fireAfterWrite = false
	e.done = make(chan struct{})
	e.err = nil
	first := e.firstScheduled
	e.firstScheduled = time.Time{}
	return e.latest, first
}

// write persists value and then any write deferred while it was running.
// It returns the error of the last write it performed.
func (c *Coordinator) write(moduleID string, e *entry, value modstate.Container, first time.Time) error {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		start := c.clock.Now()
		err := c.saver.SaveContainer(ctx, moduleID, value)
		cancel()
		end := c.clock.Now()
		var lag time.Duration
		if !first.IsZero() {
			lag = end.Sub(first)
		}

		c.mu.Lock()
		e.err = err
		e.inFlight = false
		close(e.done)
		c.recordResultLocked(moduleID, err)
		next := e.fireAfterWrite && !c.closed
		if next {
			value, first = c.beginWriteLocked(e)
		} else {
			e.fireAfterWrite = false
			if e.timer == nil && c.entries[moduleID] == e {
				delete(c.entries, moduleID)
			}
		}
		status, seq := c.snapshotLocked()
		c.mu.Unlock()

		c.metrics.ObserveWrite(end.Sub(start), lag, err)
		if err != nil {
			c.logger.Warn("autosave write failed",
				zap.String("module_id", moduleID),
				zap.Int("consecutive_failures", status.ConsecutiveFailures),
				zap.Error(err))
			if c.onError != nil {
				c.onError(moduleID, err)
			}
		} else {
			c.logger.Debug("autosave write committed", zap.String("module_id", moduleID))
		}
		c.publish(status, seq)
		if !next {
			return err
		}
	}
}

func (c *Coordinator) recordResultLocked(moduleID string, err error) {
	if err == nil {
		c.failures = 0
		c.lastErr = ""
		c.lastMod = ""
		return
	}
	c.failures++
	c.lastErr = err.Error()
	c.lastMod = moduleID
}

// FlushNow writes moduleID's pending value immediately, or waits for its
// in-flight write, and returns the outcome. A key with nothing pending
// returns nil.
func (c *Coordinator) FlushNow(ctx context.Context, moduleID string) error {
	for {
		c.mu.Lock()
		e, ok := c.entries[moduleID]
		if !ok {
			c.mu.Unlock()
			return nil
		}
		if e.inFlight {
			if e.timer != nil {
				e.timer.Stop()
				e.timer = nil
				e.gen++
				e.fireAfterWrite = true
			}
			done := e.done
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-done:
			}
			c.mu.Lock()
			settled := !e.inFlight && !e.pending()
			err := e.err
			c.mu.Unlock()
			if settled {
				return err
			}
			continue
		}
		if e.timer == nil {
			c.mu.Unlock()
			return nil
		}
		e.timer.Stop()
		e.timer = nil
		e.gen++
		value, first := c.beginWriteLocked(e)
		status, seq := c.snapshotLocked()
		c.mu.Unlock()

		c.publish(status, seq)
		return c.write(moduleID, e, value, first)
	}
}

// Flush writes every pending key now and waits for all in-flight writes.
// Keys are flushed concurrently; the first failure is returned.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error { return c.FlushNow(ctx, id) })
	}
	return g.Wait()
}

// Cancel drops moduleID's pending value without writing it. An in-flight
// write is left to settle.
func (c *Coordinator) Cancel(moduleID string) {
	c.mu.Lock()
	e, ok := c.entries[moduleID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
	e.fireAfterWrite = false
	e.firstScheduled = time.Time{}
	if !e.inFlight {
		delete(c.entries, moduleID)
	}
	status, seq := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(status, seq)
}

// Saving reports whether any write is pending or in flight.
func (c *Coordinator) Saving() bool {
	return c.Status().Saving
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// snapshotLocked takes the status to publish together with its position in
// lock order.
func (c *Coordinator) snapshotLocked() (Status, uint64) {
	c.statusSeq++
	return c.statusLocked(), c.statusSeq
}

func (c *Coordinator) statusLocked() Status {
	var st Status
	for _, e := range c.entries {
		if e.pending() {
			st.Pending++
		}
		if e.inFlight {
			st.InFlight++
		}
	}
	st.Saving = st.Pending > 0 || st.InFlight > 0
	st.LastError = c.lastErr
	st.LastErrorModule = c.lastMod
	st.ConsecutiveFailures = c.failures
	st.Notice = c.failures >= persistentFailureThreshold
	return st
}

// Subscribe returns a channel receiving every status change. The channel
// keeps only the most recent statuses when the reader falls behind.
func (c *Coordinator) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 16)
	c.subMu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.subs[id] = ch
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

func (c *Coordinator) publish(st Status, seq uint64) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if seq <= c.publishedSeq {
		return
	}
	c.publishedSeq = seq
	c.metrics.SetSaving(st.Saving)
	for _, ch := range c.subs {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}

// Close stops every pending timer, discarding values younger than the
// quiescence window, and waits for in-flight writes to settle. Call Flush
// first to persist pending values instead.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var waits []chan struct{}
	dropped := 0
	for id, e := range c.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
			dropped++
		}
		if e.fireAfterWrite {
			e.fireAfterWrite = false
			dropped++
		}
		e.gen++
		if e.inFlight {
			waits = append(waits, e.done)
			continue
		}
		delete(c.entries, id)
	}
	c.mu.Unlock()

	if dropped > 0 {
		c.logger.Warn("autosave closed with unsaved edits", zap.Int("modules", dropped))
	}
	for _, done := range waits {
		<-done
	}
	c.mu.Lock()
	status, seq := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(status, seq)

	c.subMu.Lock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.subMu.Unlock()
}
