// Package statestore owns the in-memory map of module containers and wires
// it to the autosave coordinator and the durable store. It is constructed
// once by the composition root and handed to the HTTP layer.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/atelier/internal/aggregate"
	"github.com/ent0n29/atelier/internal/autosave"
	"github.com/ent0n29/atelier/internal/durable"
	"github.com/ent0n29/atelier/internal/modstate"
	"github.com/ent0n29/atelier/internal/observability"
)

var (
	ErrInvalidModuleID = errors.New("invalid module id")
	ErrReservedKey     = errors.New("module id is reserved for a session flag")
	ErrNotFound        = errors.New("module state not found")
	ErrUnknownFlag     = errors.New("unknown session flag")
)

// Session flag keys stored next to module containers.
const (
	FlagLastActiveModule = "lastActiveModule"
	FlagUserProfile      = "userProfile"
	FlagConsent          = "consent"
)

const (
	maxModuleIDLen  = 128
	initConcurrency = 8
)

func isFlagKey(key string) bool {
	switch key {
	case FlagLastActiveModule, FlagUserProfile, FlagConsent:
		return true
	default:
		return false
	}
}

type Options struct {
	// Modules are always loaded by Init, alongside every module already in
	// the durable store. Other ids are read through on first use.
	Modules      []string
	Delay        time.Duration
	WriteTimeout time.Duration
	Clock        autosave.Clock
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	// FlushOnDispose writes pending edits in Dispose instead of dropping
	// the ones younger than the quiescence window.
	FlushOnDispose bool
	OnSaveError    func(moduleID string, err error)
}

type Store struct {
	durable        durable.Store
	saver          *autosave.Coordinator
	clock          autosave.Clock
	logger         *zap.Logger
	metrics        *observability.Metrics
	modules        []string
	flushOnDispose bool

	mu         sync.RWMutex
	containers map[string]modstate.Container
}

func New(store durable.Store, opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = autosave.RealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	modules := make([]string, 0, len(opts.Modules))
	seen := make(map[string]bool, len(opts.Modules))
	for _, id := range opts.Modules {
		id, err := normalizeModuleID(id)
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		modules = append(modules, id)
	}
	return &Store{
		durable: store,
		saver: autosave.New(autosave.DurableSaver(store), autosave.Options{
			Delay:        opts.Delay,
			WriteTimeout: opts.WriteTimeout,
			Clock:        opts.Clock,
			Logger:       opts.Logger.Named("autosave"),
			Metrics:      opts.Metrics,
			OnError:      opts.OnSaveError,
		}),
		clock:          opts.Clock,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		modules:        modules,
		flushOnDispose: opts.FlushOnDispose,
		containers:     make(map[string]modstate.Container),
	}
}

func normalizeModuleID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > maxModuleIDLen {
		return "", ErrInvalidModuleID
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidModuleID, id)
		}
	}
	if isFlagKey(id) {
		return "", fmt.Errorf("%w: %q", ErrReservedKey, id)
	}
	return id, nil
}

// Init loads every configured module and every module id found in the
// durable store. Read failures and missing keys leave the module without a
// container; they are never fatal.
func (s *Store) Init(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(initConcurrency)
	for _, id := range s.initialIDs(ctx) {
		id := id
		g.Go(func() error {
			c, ok := s.read(gctx, id)
			if !ok {
				return nil
			}
			s.mu.Lock()
			if _, exists := s.containers[id]; !exists {
				s.containers[id] = c
			}
			s.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("init module state: %w", err)
	}
	s.mu.RLock()
	loaded := len(s.containers)
	s.mu.RUnlock()
	s.logger.Info("module state loaded",
		zap.Int("configured_modules", len(s.modules)),
		zap.Int("restored", loaded),
		zap.String("store_mode", s.durable.Mode()))
	return nil
}

func (s *Store) initialIDs(ctx context.Context) []string {
	ids := append([]string(nil), s.modules...)
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	keys, err := s.durable.Keys(ctx)
	if err != nil {
		s.logger.Warn("listing stored modules failed, loading configured modules only", zap.Error(err))
		return ids
	}
	for _, key := range keys {
		id, err := normalizeModuleID(key)
		if err != nil || id != key || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

func (s *Store) read(ctx context.Context, id string) (modstate.Container, bool) {
	var c modstate.Container
	ok, err := durable.GetJSON(ctx, s.durable, id, &c)
	if err != nil {
		s.logger.Warn("module state read failed, starting empty",
			zap.String("module_id", id), zap.Error(err))
		return modstate.Container{}, false
	}
	if !ok {
		return modstate.Container{}, false
	}
	if c.Repaired() {
		s.logger.Warn("module history index out of range, clamped",
			zap.String("module_id", id))
	}
	c.ModuleID = id
	return c, true
}

// Dispose tears the store down. Pending edits younger than the quiescence
// window are dropped unless FlushOnDispose was set.
func (s *Store) Dispose(ctx context.Context) error {
	var err error
	if s.flushOnDispose {
		err = s.saver.Flush(ctx)
	}
	s.saver.Close()
	return err
}

// Mode names the durable backend in use.
func (s *Store) Mode() string { return s.durable.Mode() }

// Modules returns the known and in-memory module ids, sorted.
func (s *Store) Modules() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := make(map[string]struct{}, len(s.modules)+len(s.containers))
	for _, id := range s.modules {
		set[id] = struct{}{}
	}
	for id := range s.containers {
		set[id] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Container returns the in-memory container for moduleID.
func (s *Store) Container(moduleID string) (modstate.Container, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.containers[strings.TrimSpace(moduleID)]
	return c, ok
}

// LoadContainer returns the in-memory container, reading it from the
// durable store when the session has not touched the module yet. The
// in-memory copy is authoritative once it exists.
func (s *Store) LoadContainer(ctx context.Context, moduleID string) (modstate.Container, bool, error) {
	id, err := normalizeModuleID(moduleID)
	if err != nil {
		return modstate.Container{}, false, err
	}
	if c, ok := s.Container(id); ok {
		return c, true, nil
	}
	c, ok := s.read(ctx, id)
	if !ok {
		return modstate.Container{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, exists := s.containers[id]; exists {
		return existing, true, nil
	}
	s.containers[id] = c
	return c, true, nil
}

// ScheduleSave replaces the in-memory container and schedules its write.
func (s *Store) ScheduleSave(moduleID string, c modstate.Container) error {
	id, err := normalizeModuleID(moduleID)
	if err != nil {
		return err
	}
	c.ModuleID = id
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containers[id] = c
	s.saver.Schedule(id, c)
	return nil
}

// update applies fn to the module's container, stores the result and
// schedules its write. A module not yet in memory is read from the durable
// store first and only starts empty when nothing is stored for it, so the
// scheduled write never replaces persisted history.
func (s *Store) update(ctx context.Context, moduleID string, fn func(modstate.Container) (modstate.Container, bool)) (modstate.Container, bool, error) {
	id, err := normalizeModuleID(moduleID)
	if err != nil {
		return modstate.Container{}, false, err
	}
	if _, _, err := s.LoadContainer(ctx, id); err != nil {
		return modstate.Container{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[id]
	if !ok {
		c = modstate.New(id)
	}
	next, changed := fn(c)
	if !changed {
		return c, false, nil
	}
	next.UpdatedAt = s.clock.Now().UTC()
	s.containers[id] = next
	s.saver.Schedule(id, next)
	return next, true, nil
}

// PushSettings appends snapshot to the module's history, creating the
// container on first use, and schedules a save.
func (s *Store) PushSettings(ctx context.Context, moduleID string, snapshot modstate.Settings) (modstate.Container, error) {
	c, _, err := s.update(ctx, moduleID, func(c modstate.Container) (modstate.Container, bool) {
		return c.PushSettings(snapshot), true
	})
	if err == nil {
		s.metrics.ObserveHistoryOp("push")
	}
	return c, err
}

// Undo moves the module's history cursor back. It is in-memory navigation
// only and schedules no write; call SaveCurrent to persist the position.
func (s *Store) Undo(ctx context.Context, moduleID string) (modstate.Settings, bool) {
	return s.navigate(ctx, moduleID, "undo", modstate.Container.Undo)
}

// Redo is the forward counterpart of Undo.
func (s *Store) Redo(ctx context.Context, moduleID string) (modstate.Settings, bool) {
	return s.navigate(ctx, moduleID, "redo", modstate.Container.Redo)
}

func (s *Store) navigate(ctx context.Context, moduleID, op string, move func(modstate.Container) modstate.Container) (modstate.Settings, bool) {
	id := strings.TrimSpace(moduleID)
	if _, ok, err := s.LoadContainer(ctx, id); err != nil || !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[id]
	if !ok || c.History.Empty() {
		return nil, false
	}
	c = move(c)
	s.containers[id] = c
	s.metrics.ObserveHistoryOp(op)
	cur, _ := c.CurrentSettings()
	return cur, true
}

// SaveCurrent schedules a write of the module's current in-memory state.
func (s *Store) SaveCurrent(ctx context.Context, moduleID string) error {
	id, err := normalizeModuleID(moduleID)
	if err != nil {
		return err
	}
	if _, _, err := s.LoadContainer(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[id]
	if !ok {
		return ErrNotFound
	}
	s.saver.Schedule(id, c)
	return nil
}

// AddResult appends a generated result to the module and schedules a save.
func (s *Store) AddResult(ctx context.Context, moduleID string, r modstate.Result) (modstate.Container, error) {
	c, _, err := s.update(ctx, moduleID, func(c modstate.Container) (modstate.Container, bool) {
		return c.WithResultRecord(r), true
	})
	return c, err
}

// DeleteResultRecord removes every result with recordID. removed is false,
// and no save is scheduled, when nothing matched.
func (s *Store) DeleteResultRecord(ctx context.Context, moduleID, recordID string) (bool, error) {
	_, ok, err := s.LoadContainer(ctx, moduleID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrNotFound
	}
	recordID = strings.TrimSpace(recordID)
	_, removed, err := s.update(ctx, moduleID, func(c modstate.Container) (modstate.Container, bool) {
		return c.WithoutResultRecord(recordID)
	})
	return removed, err
}

// SetAuxiliary stores a free-form module field; a nil value deletes it.
func (s *Store) SetAuxiliary(ctx context.Context, moduleID, key string, value json.RawMessage) (modstate.Container, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return modstate.Container{}, errors.New("auxiliary key is required")
	}
	if value != nil && !json.Valid(value) {
		return modstate.Container{}, errors.New("auxiliary value must be JSON")
	}
	c, _, err := s.update(ctx, moduleID, func(c modstate.Container) (modstate.Container, bool) {
		return c.WithAuxiliary(key, value), true
	})
	return c, err
}

// ClearModule resets one module to its initial empty state and persists it.
func (s *Store) ClearModule(ctx context.Context, moduleID string) error {
	_, _, err := s.update(ctx, moduleID, func(c modstate.Container) (modstate.Container, bool) {
		return c.Reset(), true
	})
	return err
}

// ClearAll resets every in-memory and known module: the full history clear.
func (s *Store) ClearAll(ctx context.Context) {
	for _, id := range s.Modules() {
		if err := s.ClearModule(ctx, id); err != nil {
			s.logger.Warn("clear module failed", zap.String("module_id", id), zap.Error(err))
		}
	}
}

// AggregatedHistory projects every module's results into one feed, newest
// first.
func (s *Store) AggregatedHistory() []aggregate.Item {
	s.mu.RLock()
	view := make(map[string]modstate.Container, len(s.containers))
	for id, c := range s.containers {
		view[id] = c
	}
	s.mu.RUnlock()
	return aggregate.Aggregate(view)
}

// SetFlag writes a scalar session flag straight to the durable store.
func (s *Store) SetFlag(ctx context.Context, key string, value json.RawMessage) error {
	if !isFlagKey(key) {
		return fmt.Errorf("%w: %q", ErrUnknownFlag, key)
	}
	if err := s.durable.Put(ctx, key, value); err != nil {
		s.logger.Warn("session flag write failed", zap.String("flag", key), zap.Error(err))
		return err
	}
	return nil
}

// Flag reads a scalar session flag. Read failures are reported as absent.
func (s *Store) Flag(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if !isFlagKey(key) {
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownFlag, key)
	}
	raw, ok, err := s.durable.Get(ctx, key)
	if err != nil {
		s.logger.Warn("session flag read failed", zap.String("flag", key), zap.Error(err))
		return nil, false, nil
	}
	return raw, ok, nil
}

func (s *Store) Saving() bool { return s.saver.Saving() }

func (s *Store) SaveStatus() autosave.Status { return s.saver.Status() }

func (s *Store) SubscribeSaveStatus() (<-chan autosave.Status, func()) {
	return s.saver.Subscribe()
}

// Flush writes every pending container now.
func (s *Store) Flush(ctx context.Context) error { return s.saver.Flush(ctx) }
