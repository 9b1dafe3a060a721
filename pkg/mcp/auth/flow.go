// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FlowStatus is the lifecycle state of a flow record.
type FlowStatus string

const (
	FlowPending   FlowStatus = "pending"
	FlowCompleted FlowStatus = "completed"
	FlowFailed    FlowStatus = "failed"
)

// DefaultFlowTTL bounds how long a flow may stay pending before the
// store fails it with ErrFlowTimeout.
const DefaultFlowTTL = 3 * time.Minute

// FlowResult is the outcome delivered to every waiter of a flow.
type FlowResult struct {
	Tokens   *Tokens
	Metadata map[string]any
}

// FlowState is a point-in-time snapshot of a flow record.
type FlowState struct {
	ID        string
	Kind      string
	Status    FlowStatus
	Metadata  map[string]any
	CreatedAt time.Time
}

// FlowHandler produces the result of a flow. Only the goroutine that
// created the record runs it; everyone else attaches and shares its
// outcome.
type FlowHandler func(ctx context.Context) (*FlowResult, error)

// FlowStore de-duplicates concurrent flows keyed by (kind, id). A call
// for an id with a pending record attaches to that record instead of
// starting a second flow.
type FlowStore interface {
	CreateFlow(ctx context.Context, id, kind string, md map[string]any) (*FlowResult, error) // blocks
	CreateFlowWithHandler(ctx context.Context, id, kind string, h FlowHandler) (*FlowResult, error)
	GetFlowState(ctx context.Context, id, kind string) (*FlowState, error) // nil, nil when absent
	CompleteFlow(id, kind string, result *FlowResult) error
	FailFlow(id, kind string, cause error) error
}

type flowRecord struct {
	id        string
	kind      string
	status    FlowStatus
	metadata  map[string]any
	createdAt time.Time

	// result and err are written exactly once, before done is closed.
	done   chan struct{}
	result *FlowResult
	err    error
}

func (r *flowRecord) snapshot() *FlowState {
	md := make(map[string]any, len(r.metadata))
	for k, v := range r.metadata {
		md[k] = v
	}
	return &FlowState{
		ID:        r.id,
		Kind:      r.kind,
		Status:    r.status,
		Metadata:  md,
		CreatedAt: r.createdAt,
	}
}

// MemoryFlowStore is the in-process FlowStore. A background sweeper
// fails pending flows that outlive the TTL and drops settled records.
type MemoryFlowStore struct {
	mu    sync.Mutex
	flows map[string]*flowRecord

	ttl    time.Duration
	logger *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
	swept    chan struct{}
}

// NewMemoryFlowStore creates a flow store with the given pending-flow
// TTL. A non-positive TTL selects DefaultFlowTTL.
func NewMemoryFlowStore(ttl time.Duration, logger *zap.Logger) *MemoryFlowStore {
	if ttl <= 0 {
		ttl = DefaultFlowTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &MemoryFlowStore{
		flows:  make(map[string]*flowRecord),
		ttl:    ttl,
		logger: logger,
		stop:   make(chan struct{}),
		swept:  make(chan struct{}),
	}
	go s.sweep()
	return s
}

func flowKey(id, kind string) string {
	return kind + "|" + id
}

// CreateFlow attaches to the pending flow for (kind, id), creating the
// record if absent, and blocks until the flow settles or ctx is done.
func (s *MemoryFlowStore) CreateFlow(ctx context.Context, id, kind string, md map[string]any) (*FlowResult, error) {
	rec, _ := s.getOrCreate(id, kind, md)
	return s.wait(ctx, rec)
}

// CreateFlowWithHandler is CreateFlow with the flow's work attached: the
// creator runs h in the background and its outcome settles the record.
// Attachers never run h.
func (s *MemoryFlowStore) CreateFlowWithHandler(ctx context.Context, id, kind string, h FlowHandler) (*FlowResult, error) {
	rec, created := s.getOrCreate(id, kind, nil)
	if created {
		go func() {
			// The handler is bounded by the flow TTL, not the creator's
			// ctx, so attached waiters survive the creator giving up.
			hctx, cancel := context.WithTimeout(context.Background(), s.ttl)
			defer cancel()
			res, err := h(hctx)
			if err != nil {
				_ = s.FailFlow(id, kind, err)
				return
			}
			_ = s.CompleteFlow(id, kind, res)
		}()
	}
	return s.wait(ctx, rec)
}

// GetFlowState returns a snapshot of the flow record, or nil when the
// store has none.
func (s *MemoryFlowStore) GetFlowState(_ context.Context, id, kind string) (*FlowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.flows[flowKey(id, kind)]
	if !ok {
		return nil, nil
	}
	return rec.snapshot(), nil
}

// CompleteFlow settles a pending flow with a result, releasing every
// waiter.
func (s *MemoryFlowStore) CompleteFlow(id, kind string, result *FlowResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.flows[flowKey(id, kind)]
	if !ok {
		return fmt.Errorf("flow %s (%s) not found", id, kind)
	}
	if rec.status != FlowPending {
		return fmt.Errorf("flow %s (%s) already %s", id, kind, rec.status)
	}
	rec.status = FlowCompleted
	rec.result = result
	close(rec.done)
	return nil
}

// FailFlow settles a pending flow with an error. Waiters receive the
// cause wrapped in ErrFlowFailed.
func (s *MemoryFlowStore) FailFlow(id, kind string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.flows[flowKey(id, kind)]
	if !ok {
		return fmt.Errorf("flow %s (%s) not found", id, kind)
	}
	if rec.status != FlowPending {
		return fmt.Errorf("flow %s (%s) already %s", id, kind, rec.status)
	}
	rec.status = FlowFailed
	if cause == nil {
		rec.err = ErrFlowFailed
	} else {
		rec.err = fmt.Errorf("%w: %w", ErrFlowFailed, cause)
	}
	close(rec.done)
	return nil
}

// Close stops the background sweeper. Pending flows are left to their
// waiters' contexts.
func (s *MemoryFlowStore) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.swept
}

func (s *MemoryFlowStore) getOrCreate(id, kind string, md map[string]any) (*flowRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := flowKey(id, kind)
	if rec, ok := s.flows[key]; ok && rec.status == FlowPending {
		return rec, false
	}
	rec := &flowRecord{
		id:        id,
		kind:      kind,
		status:    FlowPending,
		metadata:  md,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
	s.flows[key] = rec
	return rec, true
}

func (s *MemoryFlowStore) wait(ctx context.Context, rec *flowRecord) (*FlowResult, error) {
	select {
	case <-rec.done:
		if rec.err != nil {
			return nil, rec.err
		}
		return rec.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *MemoryFlowStore) sweep() {
	defer close(s.swept)
	interval := s.ttl / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.expire(time.Now())
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryFlowStore) expire(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, rec := range s.flows {
		if now.Sub(rec.createdAt) <= s.ttl {
			continue
		}
		if rec.status == FlowPending {
			rec.status = FlowFailed
			rec.err = ErrFlowTimeout
			close(rec.done)
			s.logger.Warn("authorization flow timed out",
				zap.String("flow_id", rec.id),
				zap.String("kind", rec.kind))
		}
		delete(s.flows, key)
	}
}
