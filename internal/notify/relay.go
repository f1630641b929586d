// Package notify relays allocation outcomes from the events table to
// configured webhooks. Delivery problems are logged and retried from the
// hook's cursor; they never reach the pool core.
package notify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"bountyline/internal/config"
	"bountyline/internal/domain"
	"bountyline/internal/logging"
	"bountyline/internal/metrics"
	"bountyline/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100

	// SignatureHeader carries an HS256 JWT over the delivery body.
	SignatureHeader = "X-Bountyline-Signature"
	issuer          = "bountyline"
)

// DefaultEvents is the filter of a hook that lists no events.
var DefaultEvents = []string{"allocation.*"}

type Relay struct {
	Repo     repo.Repo
	Hooks    []config.WebhookConfig
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Client   *http.Client
	Interval time.Duration
	Now      func() time.Time
}

func New(r repo.Repo, hooks []config.WebhookConfig, logger *zap.Logger, m *metrics.Metrics) *Relay {
	return &Relay{
		Repo:     r,
		Hooks:    hooks,
		Logger:   logging.OrNop(logger).Named("notify"),
		Metrics:  m,
		Client:   &http.Client{Timeout: defaultTimeout},
		Interval: defaultInterval,
		Now:      time.Now,
	}
}

func (r *Relay) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Run flushes on every tick until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	if len(r.Hooks) == 0 {
		return nil
	}
	interval := r.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.Flush(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Flush delivers pending events to every enabled hook and returns how many
// were delivered.
func (r *Relay) Flush(ctx context.Context) int {
	delivered := 0
	for _, hook := range r.Hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		delivered += r.flushHook(ctx, hook)
	}
	return delivered
}

func (r *Relay) flushHook(ctx context.Context, hook config.WebhookConfig) int {
	log := logging.OrNop(r.Logger).With(zap.String("hook", hook.URL))
	cursor, err := r.cursor(ctx, hook)
	if err != nil {
		log.Warn("init cursor failed", zap.Error(err))
		return 0
	}
	evts, err := r.Repo.EventsAfter(ctx, defaultBatch, cursor, "")
	if err != nil {
		log.Warn("fetch events failed", zap.Error(err))
		return 0
	}
	filter := newEventFilter(hook.Events)
	delivered := 0
	for _, evt := range evts {
		if filter.match(evt.Type) {
			if err := r.post(ctx, hook, evt); err != nil {
				r.Metrics.Webhook("failed")
				log.Warn("delivery failed", zap.Int64("event_id", evt.ID), zap.String("type", evt.Type), zap.Error(err))
				return delivered
			}
			r.Metrics.Webhook("delivered")
			delivered++
		}
		if err := r.Repo.SetWebhookCursor(ctx, hook.URL, evt.ID, domain.FormatTime(r.now())); err != nil {
			log.Warn("store cursor failed", zap.Error(err))
			return delivered
		}
	}
	return delivered
}

// cursor resumes from the stored position; a new hook starts at the head.
func (r *Relay) cursor(ctx context.Context, hook config.WebhookConfig) (int64, error) {
	cur, err := r.Repo.WebhookCursor(ctx, hook.URL)
	if err == nil {
		return cur, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return 0, err
	}
	cur, err = r.Repo.LatestEventID(ctx, "")
	if err != nil {
		return 0, err
	}
	return cur, r.Repo.SetWebhookCursor(ctx, hook.URL, cur, domain.FormatTime(r.now()))
}

// Delivery is the JSON body posted to a hook.
type Delivery struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	PoolID     string          `json:"pool_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (r *Relay) post(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(Delivery{
		ID:         evt.ID,
		Type:       evt.Type,
		PoolID:     evt.PoolID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			client = &http.Client{Timeout: timeout, Transport: client.Transport}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bountyline-Event", evt.Type)
	req.Header.Set("X-Bountyline-Delivery", strconv.FormatInt(evt.ID, 10))
	if secret := strings.TrimSpace(hook.Secret); secret != "" {
		token, err := Sign(secret, evt, data, r.now())
		if err != nil {
			return err
		}
		req.Header.Set(SignatureHeader, token)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// DeliveryClaims bind a signature to one event and its exact body.
type DeliveryClaims struct {
	jwt.RegisteredClaims
	EventType  string `json:"event_type"`
	BodySHA256 string `json:"body_sha256"`
}

func Sign(secret string, evt domain.Event, body []byte, now time.Time) (string, error) {
	sum := sha256.Sum256(body)
	claims := DeliveryClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   strconv.FormatInt(evt.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		},
		EventType:  evt.Type,
		BodySHA256: hex.EncodeToString(sum[:]),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Verify checks a signature header against the received body.
func Verify(token, secret string, body []byte) (*DeliveryClaims, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	claims := &DeliveryClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid signature")
	}
	sum := sha256.Sum256(body)
	if claims.BodySHA256 != hex.EncodeToString(sum[:]) {
		return nil, errors.New("body does not match signature")
	}
	return claims, nil
}

type eventFilter struct {
	exact    map[string]struct{}
	prefixes []string
}

// newEventFilter accepts exact types and "prefix.*" patterns.
func newEventFilter(events []string) eventFilter {
	f := eventFilter{exact: map[string]struct{}{}}
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		switch {
		case key == "":
		case key == "*":
			f.prefixes = append(f.prefixes, "")
		case strings.HasSuffix(key, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(key, "*"))
		default:
			f.exact[key] = struct{}{}
		}
	}
	if len(f.exact) == 0 && len(f.prefixes) == 0 {
		return newEventFilter(DefaultEvents)
	}
	return f
}

func (f eventFilter) match(evt string) bool {
	if _, ok := f.exact[evt]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
