package simulate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/danvoulez/logline-motor/pkg/contracts"
	"github.com/danvoulez/logline-motor/pkg/motorerr"
	"github.com/danvoulez/logline-motor/pkg/registry"
	"github.com/danvoulez/logline-motor/pkg/rules"
	"github.com/danvoulez/logline-motor/pkg/span"
)

// Config bounds a simulation run. All fields are explicit; there are no
// ambient defaults beyond the retry knobs.
type Config struct {
	PromoteThreshold float64
	RejectThreshold  float64
	MaxRounds        int
	RoundTimeout     time.Duration // zero = unbounded
	PutRetryBase     time.Duration // default 50ms
	PutMaxAttempts   int           // default 3
}

func (c Config) withDefaults() Config {
	if c.PutRetryBase <= 0 {
		c.PutRetryBase = 50 * time.Millisecond
	}
	if c.PutMaxAttempts <= 0 {
		c.PutMaxAttempts = 3
	}
	return c
}

// State is the per-run input: which contract scope governs the candidates,
// the entity metrics, and the candidate draft generator. Candidate must be
// deterministic in (entityID, roundNumber) so a crashed round recomputes to
// the same record.
type State struct {
	Scope     string
	AtVersion string
	Metrics   map[string]float64
	Candidate func(entityID string, roundNumber int) span.Draft
	EvalCtx   rules.EvalContext
}

// Scorer computes the round score and its metric breakdown from the verdict
// and state. It must be a pure function of its arguments.
type Scorer func(entityID string, roundNumber int, verdict contracts.Verdict, st State) (float64, map[string]float64)

// DefaultScorer averages the state metrics; a Reject verdict zeroes the
// score.
func DefaultScorer(_ string, _ int, verdict contracts.Verdict, st State) (float64, map[string]float64) {
	metrics := make(map[string]float64, len(st.Metrics)+1)
	var sum float64
	for name, v := range st.Metrics {
		metrics[name] = v
		sum += v
	}
	score := 0.0
	if len(st.Metrics) > 0 {
		score = sum / float64(len(st.Metrics))
	}
	if verdict.Type == contracts.VerdictReject {
		score = 0
	}
	metrics["score"] = score
	return score, metrics
}

// Engine runs rounds. Rounds per entity are sequential; entities are
// independent and may run in parallel.
type Engine struct {
	registry registry.Registry
	eval     *rules.Evaluator
	results  ResultStore
	scorer   Scorer
	cfg      Config
	logger   *slog.Logger
}

// NewEngine wires an engine. scorer may be nil to use DefaultScorer.
func NewEngine(reg registry.Registry, eval *rules.Evaluator, results ResultStore, scorer Scorer, cfg Config) *Engine {
	if scorer == nil {
		scorer = DefaultScorer
	}
	return &Engine{
		registry: reg,
		eval:     eval,
		results:  results,
		scorer:   scorer,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default().With("component", "simulate"),
	}
}

// RunRound computes and persists the entity's next round. The round number
// continues from the last persisted round, so re-invocation after a crash
// recomputes the same round and the idempotent Put keeps exactly one record.
func (e *Engine) RunRound(ctx context.Context, entityID string, st State) (Round, error) {
	prior, err := e.results.ListByEntity(ctx, entityID)
	if err != nil {
		return Round{}, err
	}
	n := 1
	if len(prior) > 0 {
		n = prior[len(prior)-1].RoundNumber + 1
	}

	r, err := e.computeRound(ctx, entityID, n, st)
	if err != nil {
		return Round{}, err
	}
	if n == e.cfg.MaxRounds && !r.Decision.Terminal() {
		r.Decision = DecisionReject
		r.Reason = ReasonMaxRounds
	}
	if err := e.putWithRetry(ctx, r); err != nil {
		return Round{}, err
	}
	e.logger.InfoContext(ctx, "round persisted",
		"entity_id", entityID, "round", n, "decision", r.Decision, "reason", r.Reason)
	return r, nil
}

// RunToCompletion runs rounds until a terminal decision or MaxRounds.
// Already-persisted rounds are honored, so a resumed run picks up where the
// previous one stopped. Cancellation is observed only between rounds.
func (e *Engine) RunToCompletion(ctx context.Context, entityID string, st State) ([]Round, error) {
	rounds, err := e.results.ListByEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if len(rounds) > 0 && rounds[len(rounds)-1].Decision.Terminal() {
		return rounds, nil
	}

	for len(rounds) < e.cfg.MaxRounds || e.cfg.MaxRounds <= 0 {
		if err := ctx.Err(); err != nil {
			return rounds, err
		}
		r, err := e.RunRound(ctx, entityID, st)
		if err != nil {
			return rounds, err
		}
		rounds = append(rounds, r)
		if r.Decision.Terminal() {
			return rounds, nil
		}
	}
	// Unreachable when MaxRounds > 0: the terminal round is forced Reject.
	return rounds, nil
}

// RunAll simulates entities in parallel. The first failing entity cancels
// the rest; per-entity round sequencing is unaffected.
func (e *Engine) RunAll(ctx context.Context, entityIDs []string, st State) (map[string][]Round, error) {
	var mu sync.Mutex
	out := make(map[string][]Round, len(entityIDs))

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range entityIDs {
		g.Go(func() error {
			rounds, err := e.RunToCompletion(gctx, id, st)
			if err != nil {
				return err
			}
			mu.Lock()
			out[id] = rounds
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// computeRound evaluates the candidate and classifies the outcome. Every
// failure mode inside the round resolves to a Reject decision; only
// infrastructure errors (snapshot resolution) and caller cancellation
// escape as errors, leaving no record behind.
func (e *Engine) computeRound(ctx context.Context, entityID string, n int, st State) (Round, error) {
	roundCtx := ctx
	if e.cfg.RoundTimeout > 0 {
		var cancel context.CancelFunc
		roundCtx, cancel = context.WithTimeout(ctx, e.cfg.RoundTimeout)
		defer cancel()
	}

	draft := st.Candidate(entityID, n)
	// The draft timestamp doubles as the round timestamp: deterministic
	// inputs give byte-identical recomputation after a crash.
	r := Round{EntityID: entityID, RoundNumber: n, Timestamp: draft.Timestamp}

	snap, err := e.registry.Resolve(roundCtx, st.Scope, st.AtVersion)
	if err != nil {
		if e.roundDeadlineExpired(ctx, roundCtx) {
			r.Decision = DecisionReject
			r.Reason = ReasonTimeout
			r.Metrics = map[string]float64{}
			return r, nil
		}
		return Round{}, err
	}

	verdict, err := e.eval.Evaluate(roundCtx, draft, snap, st.EvalCtx)
	if err != nil {
		if e.roundDeadlineExpired(ctx, roundCtx) {
			r.Decision = DecisionReject
			r.Reason = ReasonTimeout
			r.Metrics = map[string]float64{}
			return r, nil
		}
		if cerr := ctx.Err(); cerr != nil {
			// Caller cancellation interrupted the evaluation. Nothing is
			// persisted; the round recomputes identically on resume.
			return Round{}, cerr
		}
		r.Decision = DecisionReject
		r.Reason = ReasonRuleError + ": " + err.Error()
		r.Metrics = map[string]float64{}
		return r, nil
	}
	if e.roundDeadlineExpired(ctx, roundCtx) {
		r.Decision = DecisionReject
		r.Reason = ReasonTimeout
		r.Metrics = map[string]float64{}
		return r, nil
	}

	score, metrics := e.scorer(entityID, n, verdict, st)
	r.Metrics = metrics

	switch {
	case verdict.Type == contracts.VerdictReject:
		r.Decision = DecisionReject
		r.Reason = verdict.Reason
	case score >= e.cfg.PromoteThreshold:
		r.Decision = DecisionPromote
	case score <= e.cfg.RejectThreshold:
		r.Decision = DecisionReject
		r.Reason = "score below reject threshold"
	default:
		r.Decision = DecisionContinue
	}
	return r, nil
}

// roundDeadlineExpired reports whether the round's own deadline elapsed.
// A cancellation inherited from the caller is not a timeout: a started round
// finishes with its computed decision, and the caller's cancellation is
// observed between rounds.
func (e *Engine) roundDeadlineExpired(parent, roundCtx context.Context) bool {
	if e.cfg.RoundTimeout <= 0 {
		return false
	}
	return errors.Is(context.Cause(roundCtx), context.DeadlineExceeded) && parent.Err() == nil
}

// putWithRetry retries StorageUnavailable with bounded backoff before
// surfacing; the idempotent Put makes a later retry of the whole round safe.
func (e *Engine) putWithRetry(ctx context.Context, r Round) error {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.PutMaxAttempts; attempt++ {
		lastErr = e.results.Put(ctx, r)
		if lastErr == nil || !motorerr.IsKind(lastErr, motorerr.KindStorageUnavailable) {
			return lastErr
		}
		if attempt < e.cfg.PutMaxAttempts {
			backoff := e.cfg.PutRetryBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}
