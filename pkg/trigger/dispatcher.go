// Package trigger reacts to the live span feed. Each trigger owns a CEL
// pattern over appended spans; a match invokes the bound agent, subject to
// per-(trigger, subject) cooldowns and a bounded retry policy. Agent
// failures are not swallowed: after the retry budget they become
// trigger.failure spans on the timeline.
package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/danvoulez/logline-motor/pkg/agent"
	"github.com/danvoulez/logline-motor/pkg/motorerr"
	"github.com/danvoulez/logline-motor/pkg/span"
	"github.com/danvoulez/logline-motor/pkg/timeline"
)

// Trigger binds a span pattern to an agent.
type Trigger struct {
	ID       string
	Pattern  string // CEL over `span`; empty matches nothing on the feed
	AgentRef string
	Cooldown time.Duration
}

// FailureSink receives the trigger.failure draft after the retry budget is
// exhausted. Wired to the admission gate so failures take the same path as
// every other span.
type FailureSink interface {
	Record(ctx context.Context, d span.Draft) error
}

// Options tune dispatcher retry and rate behavior. Zero values select the
// defaults.
type Options struct {
	MaxAttempts int           // default 3
	RetryBase   time.Duration // default 100ms, doubled per attempt
	AgentRate   rate.Limit    // default Inf
	AgentBurst  int           // default 1
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 100 * time.Millisecond
	}
	if o.AgentRate <= 0 {
		o.AgentRate = rate.Inf
	}
	if o.AgentBurst <= 0 {
		o.AgentBurst = 1
	}
	return o
}

type registeredTrigger struct {
	spec Trigger
	prg  cel.Program // nil when Pattern is empty
	ch   chan timeline.Delivery
}

// Dispatcher fans the live feed out to registered triggers. Register all
// triggers before Run; Run blocks until the context is canceled or the feed
// closes.
//
// Dispatcher also implements the admission gate's trigger emitter, so
// EmitTrigger verdicts fire directly without a pattern match.
type Dispatcher struct {
	store     timeline.Store
	agents    *agent.Registry
	cooldowns CooldownStore
	failures  FailureSink
	opts      Options

	env      *cel.Env
	limiter  *rate.Limiter
	firingMu keyedMutex
	logger   *slog.Logger

	mu       sync.RWMutex
	triggers map[string]*registeredTrigger

	wg sync.WaitGroup
}

// NewDispatcher wires a dispatcher. failures may be nil, in which case
// exhausted firings are only logged.
func NewDispatcher(store timeline.Store, agents *agent.Registry, cooldowns CooldownStore, failures FailureSink, opts Options) (*Dispatcher, error) {
	env, err := cel.NewEnv(cel.Variable("span", cel.DynType))
	if err != nil {
		return nil, motorerr.Wrap(motorerr.KindRuleEvaluation, "cel environment setup failed", err)
	}
	opts = opts.withDefaults()
	return &Dispatcher{
		store:     store,
		agents:    agents,
		cooldowns: cooldowns,
		failures:  failures,
		opts:      opts,
		env:       env,
		limiter:   rate.NewLimiter(opts.AgentRate, opts.AgentBurst),
		logger:    slog.Default().With("component", "dispatcher"),
		triggers:  make(map[string]*registeredTrigger),
	}, nil
}

// Register adds a trigger. The pattern is compiled eagerly so a broken
// trigger is rejected at registration, not at first match.
func (d *Dispatcher) Register(t Trigger) error {
	if t.ID == "" || t.AgentRef == "" {
		return motorerr.New(motorerr.KindValidation, "trigger needs id and agent_ref").With("trigger_id", t.ID)
	}
	rt := &registeredTrigger{spec: t, ch: make(chan timeline.Delivery, 64)}
	if t.Pattern != "" {
		ast, issues := d.env.Compile(t.Pattern)
		if issues != nil && issues.Err() != nil {
			return motorerr.Wrap(motorerr.KindValidation, "trigger pattern does not compile", issues.Err()).
				With("trigger_id", t.ID)
		}
		prg, err := d.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
		if err != nil {
			return motorerr.Wrap(motorerr.KindValidation, "trigger pattern program failed", err).
				With("trigger_id", t.ID)
		}
		rt.prg = prg
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.triggers[t.ID]; exists {
		return motorerr.New(motorerr.KindConflict, "trigger already registered").With("trigger_id", t.ID)
	}
	d.triggers[t.ID] = rt
	return nil
}

// Run consumes the live feed and blocks until ctx is canceled. Each trigger
// consumes its own queue so one slow agent never stalls the others.
func (d *Dispatcher) Run(ctx context.Context) error {
	sub, err := d.store.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	d.mu.RLock()
	for _, rt := range d.triggers {
		d.wg.Add(1)
		go d.consume(ctx, rt)
	}
	d.mu.RUnlock()

	defer func() {
		d.mu.RLock()
		for _, rt := range d.triggers {
			close(rt.ch)
		}
		d.mu.RUnlock()
		d.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-sub.C():
			if !ok {
				return nil
			}
			d.mu.RLock()
			for _, rt := range d.triggers {
				select {
				case rt.ch <- delivery:
				case <-ctx.Done():
					d.mu.RUnlock()
					return ctx.Err()
				}
			}
			d.mu.RUnlock()
		}
	}
}

// consume runs one trigger's feed queue: dedupe by Seq, match, fire.
func (d *Dispatcher) consume(ctx context.Context, rt *registeredTrigger) {
	defer d.wg.Done()
	var lastSeq uint64
	for delivery := range rt.ch {
		if delivery.Seq <= lastSeq && lastSeq != 0 {
			continue // redelivery
		}
		lastSeq = delivery.Seq

		if rt.prg == nil {
			continue
		}
		matched, err := d.match(rt, delivery.Span)
		if err != nil {
			d.logger.WarnContext(ctx, "trigger pattern evaluation failed",
				"trigger_id", rt.spec.ID, "span_id", delivery.Span.ID, "error", err)
			continue
		}
		if matched {
			d.fire(ctx, rt.spec, delivery.Span)
		}
	}
}

// Emit fires a trigger directly, bypassing pattern matching. Satisfies the
// admission gate's emitter interface for EmitTrigger verdicts.
func (d *Dispatcher) Emit(ctx context.Context, triggerID string, s span.Span) {
	d.mu.RLock()
	rt, ok := d.triggers[triggerID]
	d.mu.RUnlock()
	if !ok {
		d.logger.WarnContext(ctx, "emit for unknown trigger", "trigger_id", triggerID, "span_id", s.ID)
		return
	}
	d.fire(ctx, rt.spec, s)
}

func (d *Dispatcher) match(rt *registeredTrigger, s span.Span) (bool, error) {
	out, _, err := rt.prg.Eval(map[string]any{"span": feedInput(s)})
	if err != nil {
		return false, err
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, motorerr.Newf(motorerr.KindRuleEvaluation, "pattern result is %T, want bool", out.Value())
	}
	return matched, nil
}

// fire claims the cooldown, then invokes the agent with bounded retries.
// Firings for the same (trigger, subject) are serialized; the cooldown is
// claimed before the agent call so duplicates racing in never both fire.
func (d *Dispatcher) fire(ctx context.Context, t Trigger, s span.Span) {
	key := t.ID + ":" + s.ActorID
	d.firingMu.lock(key)
	defer d.firingMu.unlock(key)

	claimed, err := d.cooldowns.Claim(ctx, key, t.Cooldown)
	if err != nil {
		d.logger.ErrorContext(ctx, "cooldown claim failed", "trigger_id", t.ID, "span_id", s.ID, "error", err)
		return
	}
	if !claimed {
		d.logger.DebugContext(ctx, "trigger in cooldown", "trigger_id", t.ID, "subject", s.ActorID)
		return
	}

	capability, err := d.agents.Lookup(t.AgentRef)
	if err != nil {
		d.recordFailure(ctx, t, s, err, 0)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
		if _, lastErr = capability.Invoke(ctx, s); lastErr == nil {
			d.logger.InfoContext(ctx, "trigger fired",
				"trigger_id", t.ID, "agent_ref", t.AgentRef, "span_id", s.ID, "attempt", attempt)
			return
		}
		if attempt < d.opts.MaxAttempts {
			backoff := d.opts.RetryBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}
	d.recordFailure(ctx, t, s, lastErr, d.opts.MaxAttempts)
}

// recordFailure turns an exhausted firing into a timeline fact.
func (d *Dispatcher) recordFailure(ctx context.Context, t Trigger, s span.Span, cause error, attempts int) {
	d.logger.ErrorContext(ctx, "trigger failed",
		"trigger_id", t.ID, "agent_ref", t.AgentRef, "span_id", s.ID, "attempts", attempts, "error", cause)
	if d.failures == nil {
		return
	}

	p := span.NewPayload()
	p.Set("trigger_id", t.ID)
	p.Set("agent_ref", t.AgentRef)
	p.Set("source_span_id", s.ID)
	p.Set("attempts", attempts)
	p.Set("error", cause.Error())
	draft := span.Draft{
		ID:           uuid.NewString(),
		ActorID:      "trigger.dispatcher",
		Kind:         "trigger.failure",
		Payload:      p,
		ParentSpanID: s.ID,
		Timestamp:    s.Timestamp,
	}
	if err := d.failures.Record(ctx, draft); err != nil {
		d.logger.ErrorContext(ctx, "failure span not recorded", "trigger_id", t.ID, "error", err)
	}
}

// feedInput projects a stored span into the pattern evaluation shape.
func feedInput(s span.Span) map[string]any {
	return map[string]any{
		"id":                s.ID,
		"timeline_position": s.TimelinePosition,
		"actor_id":          s.ActorID,
		"kind":              s.Kind,
		"payload":           s.Payload.Map(),
		"parent_span_id":    s.ParentSpanID,
		"timestamp":         s.Timestamp.Unix(),
	}
}

// keyedMutex serializes work per string key. Entries are dropped once the
// last holder releases, so the map stays bounded by concurrent firings
// rather than subject cardinality.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	holders int
}

func (k *keyedMutex) lock(key string) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.holders++
	k.mu.Unlock()
	l.Lock()
}

func (k *keyedMutex) unlock(key string) {
	k.mu.Lock()
	l := k.locks[key]
	l.holders--
	if l.holders == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
	l.Unlock()
}
