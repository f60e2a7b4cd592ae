// Package registration keeps this process registered as the inbound-message listener of
// the delivery service.
package registration

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/qmuntal/stateless"

	"github.com/comigor/wa-responder/internal/logger"
	"github.com/comigor/wa-responder/internal/metrics"
)

type State string
type Trigger string

const (
	StateUnregistered State = "Unregistered"
	StateRegistered   State = "Registered"

	TriggerRegistered   Trigger = "Registered"
	TriggerUnregistered Trigger = "Unregistered"
)

// Listener is the part of the delivery client the registrar drives.
type Listener interface {
	RegisterListener(ctx context.Context, callbackURL string) error
	UnregisterListener(ctx context.Context, callbackURL string) error
}

// Registrar tracks whether the callback URL is registered.
type Registrar struct {
	client      Listener
	callbackURL string
	retry       time.Duration

	mu  sync.Mutex // serializes firing
	fsm *stateless.StateMachine
}

// New creates a registrar that retries registration every retry interval.
func New(client Listener, callbackURL string, retry time.Duration) *Registrar {
	if retry <= 0 {
		retry = 10 * time.Second
	}
	fsm := stateless.NewStateMachine(StateUnregistered)
	fsm.Configure(StateUnregistered).
		Permit(TriggerRegistered, StateRegistered).
		Ignore(TriggerUnregistered)
	fsm.Configure(StateRegistered).
		Permit(TriggerUnregistered, StateUnregistered).
		Ignore(TriggerRegistered).
		OnEntry(func(_ context.Context, _ ...any) error {
			logger.L.Info("listener registered", "callback_url", callbackURL)
			return nil
		})

	return &Registrar{client: client, callbackURL: callbackURL, retry: retry, fsm: fsm}
}

// Registered reports whether the last register call succeeded and no unregister has
// happened since.
func (r *Registrar) Registered() bool {
	return r.fsm.MustState() == StateRegistered
}

// CallbackURL returns the advertised callback.
func (r *Registrar) CallbackURL() string { return r.callbackURL }

// Run registers the callback URL, retrying at a fixed interval until it succeeds or ctx
// is done. It returns nil once registered.
func (r *Registrar) Run(ctx context.Context) error {
	attempt := 0
	op := func() error {
		attempt++
		err := r.client.RegisterListener(ctx, r.callbackURL)
		if err != nil {
			metrics.RegistrationAttempts.WithLabelValues("register", "error").Inc()
			return err
		}
		metrics.RegistrationAttempts.WithLabelValues("register", "ok").Inc()
		return r.fire(ctx, TriggerRegistered)
	}
	notify := func(err error, wait time.Duration) {
		logger.L.Warn("listener registration failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(r.retry), ctx)
	return backoff.RetryNotify(op, b, notify)
}

// Unregister makes one best-effort unregister call when registered.
func (r *Registrar) Unregister(ctx context.Context) error {
	if !r.Registered() {
		return nil
	}
	if err := r.client.UnregisterListener(ctx, r.callbackURL); err != nil {
		metrics.RegistrationAttempts.WithLabelValues("unregister", "error").Inc()
		logger.L.Error("listener unregister failed", "callback_url", r.callbackURL, "error", err)
		return err
	}
	metrics.RegistrationAttempts.WithLabelValues("unregister", "ok").Inc()
	logger.L.Info("listener unregistered", "callback_url", r.callbackURL)
	return r.fire(ctx, TriggerUnregistered)
}

func (r *Registrar) fire(ctx context.Context, t Trigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fsm.FireCtx(ctx, t)
}
