// Package rail defines the settlement rail capability and its adapters. The
// dispatcher only sees Rail; new rails plug in through the Registry.
package rail

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"bountyline/internal/config"
)

type Status string

const (
	StatusNotFound Status = "not_found"
	StatusPending  Status = "pending"
	StatusSettled  Status = "settled"
	StatusRejected Status = "rejected"
)

// Transfer is one payout request. DispatchKey is sent to the rail as its
// idempotency key so a repeated Initiate never moves money twice.
type Transfer struct {
	DispatchKey string `json:"dispatch_key"`
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
}

// Query locates a transfer by external reference, or by dispatch key when
// the reference is unknown (e.g. after a timeout).
type Query struct {
	ExternalRef string
	DispatchKey string
}

// Rail is implemented per settlement channel. Errors are domain.RailError.
type Rail interface {
	Name() string
	Initiate(ctx context.Context, t Transfer) (externalRef string, err error)
	QueryStatus(ctx context.Context, q Query) (Status, error)
}

var ErrUnknownRail = errors.New("unknown rail")

type Registry struct {
	mu    sync.RWMutex
	rails map[string]Rail
}

func NewRegistry(rails ...Rail) *Registry {
	r := &Registry{rails: map[string]Rail{}}
	for _, rl := range rails {
		r.Register(rl)
	}
	return r
}

func (r *Registry) Register(rl Rail) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rails[rl.Name()] = rl
}

func (r *Registry) Get(name string) (Rail, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rl, ok := r.rails[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRail, name)
	}
	return rl, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.rails))
	for n := range r.rails {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FromConfig builds one adapter per configured rail. Sandbox rails keep their
// transfers in db when it is set.
func FromConfig(rails map[string]config.RailConfig, db *sql.DB) (*Registry, error) {
	reg := NewRegistry()
	for name, rc := range rails {
		switch rc.Kind {
		case "sandbox":
			s := NewSandbox(name)
			if db != nil {
				s = NewDurableSandbox(name, db)
			}
			if rc.AutoSettle != nil {
				s.AutoSettle = *rc.AutoSettle
			}
			reg.Register(s)
		case "http":
			timeout := 30 * time.Second
			if rc.TimeoutSeconds > 0 {
				timeout = time.Duration(rc.TimeoutSeconds) * time.Second
			}
			token := ""
			if rc.TokenEnv != "" {
				token = os.Getenv(rc.TokenEnv)
			}
			reg.Register(&HTTPRail{
				RailName: name,
				Endpoint: rc.Endpoint,
				Token:    token,
				Client:   &http.Client{Timeout: timeout},
			})
		default:
			return nil, fmt.Errorf("rail %s: unknown kind %q", name, rc.Kind)
		}
	}
	return reg, nil
}
