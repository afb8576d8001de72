// Package approval pairs patch-approval requests with asynchronous operator
// responses. Unanswered requests are denied after a timeout.
package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/klaus/internal/observability"
	"github.com/haasonsaas/klaus/pkg/models"
)

// DefaultTimeout is the deny-on-silence window for a pending request.
const DefaultTimeout = 120 * time.Second

// Operation labels the file mutation awaiting sign-off.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationModify Operation = "modify"
	OperationDelete Operation = "delete"
)

// Request describes one patch awaiting operator sign-off.
type Request struct {
	PatchID   string    `json:"patch_id"`
	SessionID string    `json:"session_id"`
	FilePath  string    `json:"file_path"`
	Diff      string    `json:"diff"`
	Operation Operation `json:"operation"`
	CreatedAt time.Time `json:"created_at"`
}

type pending struct {
	req    Request
	result chan bool
	timer  *time.Timer
}

// Broker is the process-wide mapping from patch id to completion handle.
// Entries are removed on both resolve and timeout.
type Broker struct {
	mu      sync.Mutex
	entries map[string]*pending
	timeout time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewBroker creates a broker. A timeout <= 0 selects DefaultTimeout;
// metrics may be nil.
func NewBroker(timeout time.Duration, logger *observability.Logger, metrics *observability.Metrics) *Broker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Broker{
		entries: make(map[string]*pending),
		timeout: timeout,
		logger:  logger,
		metrics: metrics,
	}
}

// Request registers the patch and emits patch_approval_required through
// emit. The returned channel yields exactly one value: the operator's
// decision, or false when the timeout elapses first. Re-requesting an
// active patch id is an implementation error.
func (b *Broker) Request(ctx context.Context, req Request, emit func(models.AgentEvent)) (<-chan bool, error) {
	if req.PatchID == "" {
		return nil, fmt.Errorf("approval: empty patch id")
	}

	b.mu.Lock()
	if _, exists := b.entries[req.PatchID]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("approval: patch %s already pending", req.PatchID)
	}

	req.CreatedAt = time.Now()
	entry := &pending{
		req:    req,
		result: make(chan bool, 1),
	}
	entry.timer = time.AfterFunc(b.timeout, func() {
		b.expire(req.PatchID)
	})
	b.entries[req.PatchID] = entry
	b.mu.Unlock()

	if emit != nil {
		emit(models.NewEvent(models.EventPatchApprovalRequired, map[string]any{
			"patchId":   req.PatchID,
			"filePath":  req.FilePath,
			"diff":      req.Diff,
			"operation": string(req.Operation),
			"timeoutMs": b.timeout.Milliseconds(),
		}))
	}

	if b.logger != nil {
		b.logger.Info(ctx, "patch approval requested",
			"patch_id", req.PatchID,
			"file_path", req.FilePath,
			"operation", string(req.Operation),
		)
	}

	return entry.result, nil
}

// Resolve completes the pending request with the operator's decision.
// Returns false when no entry exists (already resolved or timed out).
func (b *Broker) Resolve(patchID string, approved bool) bool {
	b.mu.Lock()
	entry, ok := b.entries[patchID]
	if ok {
		delete(b.entries, patchID)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}

	entry.timer.Stop()
	entry.result <- approved

	if b.metrics != nil {
		if approved {
			b.metrics.RecordApproval("approved")
		} else {
			b.metrics.RecordApproval("denied")
		}
	}
	return true
}

// expire removes a timed-out entry and denies it.
func (b *Broker) expire(patchID string) {
	b.mu.Lock()
	entry, ok := b.entries[patchID]
	if ok {
		delete(b.entries, patchID)
	}
	b.mu.Unlock()

	if !ok {
		return
	}

	entry.result <- false

	if b.metrics != nil {
		b.metrics.RecordApproval("timeout")
	}
	if b.logger != nil {
		b.logger.Warn(context.Background(), "patch approval timed out, denying",
			"patch_id", patchID,
			"file_path", entry.req.FilePath,
		)
	}
}

// Pending returns the open requests, most recent first.
func (b *Broker) Pending() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Request, 0, len(b.entries))
	for _, entry := range b.entries {
		out = append(out, entry.req)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of open requests.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
