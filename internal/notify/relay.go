// Package notify delivers committed outbox events to configured webhooks.
// Delivery is at least once and in event order per webhook; a failing
// endpoint holds its cursor until it accepts the event.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/felixgeelhaar/fortify/retry"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/logging"
	"stageline/internal/repo"
)

var (
	// ErrRejected marks a 4xx answer; those are not retried.
	ErrRejected = errors.New("webhook rejected delivery")
	// ErrUnavailable marks transport failures and 5xx answers.
	ErrUnavailable = errors.New("webhook unavailable")
)

type Options struct {
	Interval         time.Duration
	Batch            int
	MaxAttempts      int
	RetryDelay       time.Duration
	Timeout          time.Duration
	BreakerThreshold int
	BreakerTimeout   time.Duration
	UserAgent        string
}

func DefaultOptions() Options {
	return Options{
		Interval:         2 * time.Second,
		Batch:            100,
		MaxAttempts:      3,
		RetryDelay:       500 * time.Millisecond,
		Timeout:          5 * time.Second,
		BreakerThreshold: 5,
		BreakerTimeout:   30 * time.Second,
		UserAgent:        "stageline-webhook/1.0",
	}
}

// Relay polls the events table and posts matching events to each webhook.
type Relay struct {
	repo     repo.Repo
	hooks    []config.Webhook
	opts     Options
	client   *http.Client
	retrier  retry.Retry[*http.Response]
	now      func() time.Time
	mu       sync.Mutex
	breakers map[string]circuitbreaker.CircuitBreaker[*http.Response]
}

// NewRelay builds a relay over the enabled webhooks in hooks. Zero option
// fields take their defaults.
func NewRelay(r repo.Repo, hooks []config.Webhook, opts Options) *Relay {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.Batch <= 0 {
		opts.Batch = def.Batch
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = def.BreakerThreshold
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = def.BreakerTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}
	var enabled []config.Webhook
	for _, h := range hooks {
		if !h.Disabled && strings.TrimSpace(h.URL) != "" {
			enabled = append(enabled, h)
		}
	}
	return &Relay{
		repo:   r,
		hooks:  enabled,
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		retrier: retry.New[*http.Response](retry.Config{
			MaxAttempts:        opts.MaxAttempts,
			InitialDelay:       opts.RetryDelay,
			BackoffPolicy:      retry.BackoffExponential,
			Multiplier:         2.0,
			NonRetryableErrors: []error{ErrRejected},
		}),
		now:      func() time.Time { return time.Now().UTC() },
		breakers: map[string]circuitbreaker.CircuitBreaker[*http.Response]{},
	}
}

// Enabled reports whether any webhook would receive deliveries.
func (r *Relay) Enabled() bool { return len(r.hooks) > 0 }

// Run dispatches on every interval until ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	if !r.Enabled() {
		return nil
	}
	log := logging.Component("webhooks")
	logging.Info().Add(log, logging.Count(len(r.hooks))).Msg("webhook relay started")
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			logging.Warn().Add(log, logging.ErrorField(err)).Msg("webhook dispatch failed")
		}
		select {
		case <-ctx.Done():
			logging.Info().Add(log).Msg("webhook relay stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers one batch to every webhook and returns the number of
// events posted.
func (r *Relay) DispatchOnce(ctx context.Context) (int, error) {
	var sent int
	var errs []error
	for _, hook := range r.hooks {
		n, err := r.dispatch(ctx, hook)
		sent += n
		if err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", hook.ID, err))
		}
	}
	return sent, errors.Join(errs...)
}

// cursor returns the last handled event id of hook. A webhook seen for the
// first time starts after the newest event.
func (r *Relay) cursor(ctx context.Context, hook config.Webhook) (int64, error) {
	cur, err := r.repo.WebhookCursor(ctx, hook.ID)
	if err == nil {
		return cur, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return 0, err
	}
	if cur, err = r.repo.LatestEventID(ctx); err != nil {
		return 0, err
	}
	return cur, r.repo.SetWebhookCursor(ctx, hook.ID, cur, r.now())
}

func (r *Relay) dispatch(ctx context.Context, hook config.Webhook) (int, error) {
	cur, err := r.cursor(ctx, hook)
	if err != nil {
		return 0, err
	}
	evts, err := r.repo.EventsAfter(ctx, cur, r.opts.Batch)
	if err != nil || len(evts) == 0 {
		return 0, err
	}
	wanted := make(map[string]bool, len(hook.Events))
	for _, t := range hook.Events {
		wanted[strings.TrimSpace(t)] = true
	}
	sent := 0
	last := cur
	for _, evt := range evts {
		if len(wanted) > 0 && !wanted[evt.Type] {
			last = evt.ID
			continue
		}
		if err := r.post(ctx, hook, evt); err != nil {
			logging.Warn().Add(logging.Component("webhooks"), logging.Webhook(hook.ID, evt.ID), logging.ErrorField(err)).Msg("webhook delivery failed")
			if last != cur {
				if serr := r.repo.SetWebhookCursor(ctx, hook.ID, last, r.now()); serr != nil {
					return sent, errors.Join(err, serr)
				}
			}
			return sent, err
		}
		sent++
		last = evt.ID
		if err := r.repo.SetWebhookCursor(ctx, hook.ID, last, r.now()); err != nil {
			return sent, err
		}
		logging.Debug().Add(logging.Component("webhooks"), logging.Webhook(hook.ID, evt.ID), logging.Str("type", evt.Type)).Msg("webhook delivered")
	}
	if last != cur {
		return sent, r.repo.SetWebhookCursor(ctx, hook.ID, last, r.now())
	}
	return sent, nil
}

// Delivery is the JSON body posted to a webhook.
type Delivery struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func deliveryFor(evt domain.Event) Delivery {
	payload := json.RawMessage(`{}`)
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return Delivery{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	}
}

// Sign returns the signature header value for body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (r *Relay) post(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	body, err := json.Marshal(deliveryFor(evt))
	if err != nil {
		return err
	}
	timeout := r.opts.Timeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	_, err = r.breaker(hook.ID).Execute(ctx, func(ctx context.Context) (*http.Response, error) {
		return r.retrier.Do(ctx, func(ctx context.Context) (*http.Response, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, hook.URL, bytes.NewReader(body))
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrRejected, err)
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("User-Agent", r.opts.UserAgent)
			req.Header.Set("X-Stageline-Event", evt.Type)
			req.Header.Set("X-Stageline-Delivery", strconv.FormatInt(evt.ID, 10))
			if hook.Secret != "" {
				req.Header.Set("X-Stageline-Signature", Sign(body, hook.Secret))
			}
			resp, err := r.client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			defer resp.Body.Close()
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			switch {
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				return resp, nil
			case resp.StatusCode >= 500:
				return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
			default:
				return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
			}
		})
	})
	return err
}

func (r *Relay) breaker(hookID string) circuitbreaker.CircuitBreaker[*http.Response] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[hookID]; ok {
		return b
	}
	threshold := uint32(r.opts.BreakerThreshold) // #nosec G115 -- positive after defaults
	b := circuitbreaker.New[*http.Response](circuitbreaker.Config{
		MaxRequests: 1,
		Interval:    r.opts.BreakerTimeout,
		Timeout:     r.opts.BreakerTimeout,
		ReadyToTrip: func(counts circuitbreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
	r.breakers[hookID] = b
	return b
}
