// Package intake turns inbound chat events into logged conversation turns and replies.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"

	"github.com/comigor/wa-responder/internal/config"
	"github.com/comigor/wa-responder/internal/history"
	"github.com/comigor/wa-responder/internal/identifier"
	"github.com/comigor/wa-responder/internal/logger"
	"github.com/comigor/wa-responder/internal/metrics"
)

// FSM States
type State string

const (
	StateIdle           State = "Idle"
	StateReceived       State = "Received"
	StateNormalized     State = "Normalized"
	StateDeduped        State = "Deduped"
	StateLoggedIn       State = "LoggedIn"
	StateReplyDisabled  State = "ReplyDisabled" // terminal
	StateHistoryFetched State = "HistoryFetched"
	StateGenerated      State = "Generated"
	StateSent           State = "Sent"
	StateLoggedOut      State = "LoggedOut"  // terminal
	StateDropped        State = "Dropped"    // terminal
	StateSuppressed     State = "Suppressed" // terminal
	StateNoReply        State = "NoReply"    // terminal
)

// FSM Triggers
type Trigger string

const (
	TriggerReceive        Trigger = "Receive"
	TriggerDiscard        Trigger = "Discard"
	TriggerNormalized     Trigger = "Normalized"
	TriggerDuplicate      Trigger = "Duplicate"
	TriggerAccepted       Trigger = "Accepted"
	TriggerLogged         Trigger = "Logged"
	TriggerReplyDisabled  Trigger = "ReplyDisabled"
	TriggerHistoryFetched Trigger = "HistoryFetched"
	TriggerNoReply        Trigger = "NoReply"
	TriggerReplyReady     Trigger = "ReplyReady"
	TriggerSent           Trigger = "Sent"
	TriggerLoggedOut      Trigger = "LoggedOut"
)

// Options tune the pipeline.
type Options struct {
	TenantID      string
	ReplyEnabled  bool
	HistoryLimit  int
	ReplyTimeout  time.Duration
	OnFailure     string
	Apology       string
	LogDuplicates bool
}

// OptionsFromConfig builds Options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		TenantID:      cfg.Tenant.Default,
		ReplyEnabled:  cfg.Reply.Enabled,
		HistoryLimit:  cfg.Reply.HistoryLimit,
		ReplyTimeout:  cfg.Reply.Timeout,
		OnFailure:     cfg.Reply.OnFailure,
		Apology:       cfg.Reply.Apology,
		LogDuplicates: cfg.Intake.LogDuplicates,
	}
}

// Orchestrator runs the per-event pipeline.
type Orchestrator struct {
	store   Store
	dedup   Deduper
	replier Replier
	sender  Sender
	opts    Options

	replyEnabled atomic.Bool
	wg           sync.WaitGroup
}

func New(store Store, dedup Deduper, replier Replier, sender Sender, opts Options) *Orchestrator {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 6
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = 20 * time.Second
	}
	if opts.OnFailure == "" {
		opts.OnFailure = config.OnFailureApology
	}
	o := &Orchestrator{store: store, dedup: dedup, replier: replier, sender: sender, opts: opts}
	o.replyEnabled.Store(opts.ReplyEnabled)
	return o
}

// SetReplyEnabled toggles the auto-reply flag at runtime.
func (o *Orchestrator) SetReplyEnabled(on bool) { o.replyEnabled.Store(on) }

func (o *Orchestrator) ReplyEnabled() bool { return o.replyEnabled.Load() }

// Dispatch handles ev in its own goroutine, detached from the caller's context.
func (o *Orchestrator) Dispatch(ev Event) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				logger.L.Error("intake task panicked", "from", ev.From, "panic", p)
			}
		}()
		o.Handle(context.Background(), ev)
	}()
}

// Wait blocks until dispatched events finish or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run carries the data of one event through the machine.
type run struct {
	o     *Orchestrator
	ev    Event
	id    string
	log   *slog.Logger
	ident string
	// inboundID is the stored id of this event's inbound row, 0 if the append failed.
	inboundID int64
	turns     []history.Message
	reply string
	sent  bool
}

// Handle runs ev through the pipeline and returns the terminal state. It never fails:
// storage, generation and send errors are logged and absorbed.
func (o *Orchestrator) Handle(ctx context.Context, ev Event) Outcome {
	if ev.TenantID == "" {
		ev.TenantID = o.opts.TenantID
	}
	r := &run{o: o, ev: ev, id: uuid.NewString()}
	r.log = logger.L.With("event_id", r.id, "source", ev.Source)
	metrics.EventsReceived.WithLabelValues(sourceLabel(ev.Source)).Inc()

	fsm := r.machine()
	if err := fsm.FireCtx(ctx, TriggerReceive); err != nil {
		r.log.Error("intake state machine error", "state", fsm.MustState(), "error", err)
	}

	state, _ := fsm.MustState().(State)
	metrics.EventOutcomes.WithLabelValues(string(state)).Inc()
	r.log.Debug("event handled", "state", state, "identifier", r.ident)
	return Outcome{EventID: r.id, State: state, Identifier: r.ident, Reply: r.reply, Delivered: r.sent}
}

func sourceLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func (r *run) machine() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateIdle)

	fsm.Configure(StateIdle).
		Permit(TriggerReceive, StateReceived)

	// State: Received
	// Action: classify the event and normalize its origin.
	fsm.Configure(StateReceived).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if reason := r.discardReason(); reason != "" {
				r.log.Debug("event discarded", "reason", reason, "kind", r.ev.Kind, "from", r.ev.From)
				metrics.EventsDropped.WithLabelValues(reason).Inc()
				return fsm.FireCtx(ctx, TriggerDiscard)
			}
			ident, ok := identifier.Normalize(r.ev.From)
			if !ok {
				r.log.Info("event discarded, invalid identifier", "from", r.ev.From)
				metrics.EventsDropped.WithLabelValues("invalid_identifier").Inc()
				return fsm.FireCtx(ctx, TriggerDiscard)
			}
			r.ident = ident
			r.log = r.log.With("identifier", ident)
			return fsm.FireCtx(ctx, TriggerNormalized)
		}).
		Permit(TriggerDiscard, StateDropped).
		Permit(TriggerNormalized, StateNormalized)

	// State: Normalized
	// Action: duplicate check.
	fsm.Configure(StateNormalized).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if !r.o.dedup.Accept(ctx, r.ident, r.ev.MessageID, r.ev.Body) {
				return fsm.FireCtx(ctx, TriggerDuplicate)
			}
			return fsm.FireCtx(ctx, TriggerAccepted)
		}).
		Permit(TriggerDuplicate, StateSuppressed).
		Permit(TriggerAccepted, StateDeduped)

	fsm.Configure(StateSuppressed).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if r.o.opts.LogDuplicates {
				r.appendInbound(ctx)
			}
			return nil
		})

	// State: Deduped
	// Action: log the inbound turn; failures do not stop the pipeline.
	fsm.Configure(StateDeduped).
		OnEntry(func(ctx context.Context, _ ...any) error {
			r.appendInbound(ctx)
			return fsm.FireCtx(ctx, TriggerLogged)
		}).
		Permit(TriggerLogged, StateLoggedIn)

	// State: LoggedIn
	// Action: stop for media and when replies are off, else load recent history.
	fsm.Configure(StateLoggedIn).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if r.ev.Kind != KindChat {
				r.log.Info("media message logged, not answering", "kind", r.ev.Kind)
				return fsm.FireCtx(ctx, TriggerNoReply)
			}
			if !r.o.ReplyEnabled() {
				r.log.Info("auto-reply disabled, not answering")
				return fsm.FireCtx(ctx, TriggerReplyDisabled)
			}
			// One extra row covers the inbound turn logged in Deduped.
			turns, err := r.o.store.History(ctx, r.ev.TenantID, r.ident, r.o.opts.HistoryLimit+1)
			if err != nil {
				r.log.Warn("history unavailable, replying without context", "error", err)
				turns = nil
			}
			r.turns = r.priorTurns(turns)
			return fsm.FireCtx(ctx, TriggerHistoryFetched)
		}).
		Permit(TriggerNoReply, StateNoReply).
		Permit(TriggerReplyDisabled, StateReplyDisabled).
		Permit(TriggerHistoryFetched, StateHistoryFetched)

	// State: HistoryFetched
	// Action: produce the reply, applying the failure policy.
	fsm.Configure(StateHistoryFetched).
		OnEntry(func(ctx context.Context, _ ...any) error {
			r.reply = r.generate(ctx)
			if strings.TrimSpace(r.reply) == "" {
				r.reply = ""
				return fsm.FireCtx(ctx, TriggerNoReply)
			}
			return fsm.FireCtx(ctx, TriggerReplyReady)
		}).
		Permit(TriggerNoReply, StateNoReply).
		Permit(TriggerReplyReady, StateGenerated)

	// State: Generated
	// Action: send the reply to the canonical identifier.
	fsm.Configure(StateGenerated).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if err := r.o.sender.SendText(ctx, r.ident, r.reply); err != nil {
				r.log.Error("reply send failed", "error", err)
				metrics.RepliesSent.WithLabelValues("failed").Inc()
			} else {
				r.sent = true
				metrics.RepliesSent.WithLabelValues("sent").Inc()
				r.log.Info("reply sent", "reply", logger.Preview(r.reply))
			}
			return fsm.FireCtx(ctx, TriggerSent)
		}).
		Permit(TriggerSent, StateSent)

	// State: Sent
	// Action: log the attempted reply with its delivery status.
	fsm.Configure(StateSent).
		OnEntry(func(ctx context.Context, _ ...any) error {
			status := history.DeliverySent
			if !r.sent {
				status = history.DeliveryFailed
			}
			_, err := r.o.store.Append(ctx, history.Message{
				TenantID:       r.ev.TenantID,
				Identifier:     r.ident,
				Role:           history.RoleAssistant,
				Body:           r.reply,
				DeliveryStatus: status,
			})
			if err != nil {
				r.log.Error("failed to log outbound message", "error", err)
			}
			return fsm.FireCtx(ctx, TriggerLoggedOut)
		}).
		Permit(TriggerLoggedOut, StateLoggedOut)

	return fsm
}

func (r *run) discardReason() string {
	switch {
	case !Loggable(r.ev.Kind):
		return "unsupported_kind"
	case r.ev.FromMe:
		return "from_me"
	case r.ev.IsGroup || identifier.IsGroup(r.ev.From):
		return "group"
	}
	return ""
}

func (r *run) appendInbound(ctx context.Context) {
	r.log.Info("message received", "body", logger.Preview(r.ev.Body))
	msg, err := r.o.store.Append(ctx, history.Message{
		TenantID:   r.ev.TenantID,
		Identifier: r.ident,
		Role:       history.RoleUser,
		Body:       strings.TrimSpace(r.ev.Body),
	})
	if err != nil {
		r.log.Error("failed to log inbound message", "error", err)
		return
	}
	r.inboundID = msg.ID
}

// priorTurns drops the current inbound row from turns, since the replier receives that
// body separately, and keeps the newest HistoryLimit of the rest. Without a stored id a
// trailing user turn with the same body is taken to be the current one.
func (r *run) priorTurns(turns []history.Message) []history.Message {
	body := strings.TrimSpace(r.ev.Body)
	out := make([]history.Message, 0, len(turns))
	for i, m := range turns {
		if r.inboundID != 0 && m.ID == r.inboundID {
			continue
		}
		if r.inboundID == 0 && i == len(turns)-1 && m.Role == history.RoleUser && m.Body == body {
			continue
		}
		out = append(out, m)
	}
	if n := r.o.opts.HistoryLimit; len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

var errGenerationTimeout = errors.New("reply generation timed out")

// generate calls the replier under the reply timeout. Errors, timeouts and panics are
// converted to the fallback.
func (r *run) generate(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, r.o.opts.ReplyTimeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("reply generation panicked: %v", p)}
			}
		}()
		text, err := r.o.replier.Reply(ctx, strings.TrimSpace(r.ev.Body), r.turns)
		done <- result{text: text, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = errGenerationTimeout
	}
	if res.err == nil {
		return res.text
	}

	metrics.GenerationFailures.Inc()
	if r.o.opts.OnFailure == config.OnFailureSilent {
		r.log.Error("reply generation failed, staying silent", "error", res.err)
		return ""
	}
	r.log.Error("reply generation failed, sending apology", "error", res.err)
	return r.o.opts.Apology
}
