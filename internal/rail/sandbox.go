package rail

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"bountyline/internal/domain"
)

// Fault is an injected failure for the next Initiate to a destination.
type Fault int

const (
	// FaultTransient rejects the call before the transfer is accepted.
	FaultTransient Fault = iota + 1
	// FaultTimeout accepts the transfer but loses the response.
	FaultTimeout
	// FaultPermanent rejects the destination.
	FaultPermanent
)

// Sandbox is a test rail. It deduplicates on dispatch key the way a real
// gateway honours an idempotency key. Destinations prefixed with "invalid:"
// are rejected permanently. Transfers live in memory unless the sandbox is
// built with NewDurableSandbox, which keeps them in the workspace database so
// later processes can query and settle them.
type Sandbox struct {
	name string
	// AutoSettle settles transfers on acceptance; otherwise they stay pending
	// until Settle or Reject.
	AutoSettle bool

	store  transferStore
	mu     sync.Mutex
	faults map[string][]Fault
	calls  int
}

type sandboxTransfer struct {
	Transfer
	Ref    string
	Status Status
}

func NewSandbox(name string) *Sandbox {
	return newSandbox(name, newMemoryTransfers(name))
}

// NewDurableSandbox keeps transfers in the sandbox_transfers table of db.
func NewDurableSandbox(name string, db *sql.DB) *Sandbox {
	return newSandbox(name, &sqlTransfers{rail: name, db: db})
}

func newSandbox(name string, store transferStore) *Sandbox {
	return &Sandbox{
		name:       name,
		AutoSettle: true,
		store:      store,
		faults:     map[string][]Fault{},
	}
}

func (s *Sandbox) Name() string { return s.name }

// Inject queues faults consumed by successive Initiate calls to destination.
func (s *Sandbox) Inject(destination string, faults ...Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[destination] = append(s.faults[destination], faults...)
}

func (s *Sandbox) Initiate(ctx context.Context, t Transfer) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", domain.Transient(s.name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if t.DispatchKey == "" {
		return "", domain.Permanent(s.name, errors.New("dispatch key required"))
	}
	if t.Amount <= 0 {
		return "", domain.Permanent(s.name, fmt.Errorf("invalid amount %d", t.Amount))
	}
	if strings.HasPrefix(t.Destination, "invalid:") {
		return "", domain.Permanent(s.name, fmt.Errorf("destination %q rejected", t.Destination))
	}
	var fault Fault
	if queue := s.faults[t.Destination]; len(queue) > 0 {
		fault, s.faults[t.Destination] = queue[0], queue[1:]
	}
	switch fault {
	case FaultTransient:
		return "", domain.Transient(s.name, errors.New("gateway unavailable"))
	case FaultPermanent:
		return "", domain.Permanent(s.name, fmt.Errorf("destination %q rejected", t.Destination))
	}
	status := StatusPending
	if s.AutoSettle {
		status = StatusSettled
	}
	existing, err := s.store.put(ctx, t, status)
	if err != nil {
		return "", domain.Transient(s.name, err)
	}
	if fault == FaultTimeout {
		return "", domain.Transient(s.name, fmt.Errorf("awaiting gateway response: %w", context.DeadlineExceeded))
	}
	return existing.Ref, nil
}

func (s *Sandbox) QueryStatus(ctx context.Context, q Query) (Status, error) {
	if err := ctx.Err(); err != nil {
		return "", domain.Transient(s.name, err)
	}
	t, err := s.store.get(ctx, q)
	if err != nil {
		return "", domain.Transient(s.name, err)
	}
	if t == nil {
		return StatusNotFound, nil
	}
	return t.Status, nil
}

// Settle marks a pending transfer settled.
func (s *Sandbox) Settle(ref string) error {
	return s.resolve(ref, StatusSettled)
}

// Reject marks a pending transfer rejected.
func (s *Sandbox) Reject(ref string) error {
	return s.resolve(ref, StatusRejected)
}

func (s *Sandbox) resolve(ref string, status Status) error {
	ok, err := s.store.setStatus(context.Background(), ref, status)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("sandbox %s: unknown transfer %s", s.name, ref)
	}
	return nil
}

// Transfers returns the number of distinct transfers the rail accepted.
func (s *Sandbox) Transfers() int {
	all, _ := s.store.all(context.Background())
	return len(all)
}

// SettledTotal sums settled transfers to destination.
func (s *Sandbox) SettledTotal(destination string) int64 {
	all, _ := s.store.all(context.Background())
	var total int64
	for _, t := range all {
		if t.Destination == destination && t.Status == StatusSettled {
			total += t.Amount
		}
	}
	return total
}

// Calls counts Initiate invocations, including rejected ones.
func (s *Sandbox) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
