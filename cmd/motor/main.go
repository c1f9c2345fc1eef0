// Command motor wires the span timeline, contract registry, rule evaluator,
// trigger dispatcher and simulation engine into one process.
package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/danvoulez/logline-motor/pkg/agent"
	"github.com/danvoulez/logline-motor/pkg/archive"
	"github.com/danvoulez/logline-motor/pkg/config"
	"github.com/danvoulez/logline-motor/pkg/contracts"
	"github.com/danvoulez/logline-motor/pkg/observability"
	"github.com/danvoulez/logline-motor/pkg/registry"
	"github.com/danvoulez/logline-motor/pkg/rules"
	"github.com/danvoulez/logline-motor/pkg/simulate"
	"github.com/danvoulez/logline-motor/pkg/simulate/store"
	"github.com/danvoulez/logline-motor/pkg/span"
	"github.com/danvoulez/logline-motor/pkg/timeline"
	"github.com/danvoulez/logline-motor/pkg/trigger"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return 2
	}
	setupLogging(cfg.LogLevel)

	switch args[1] {
	case "run", "serve":
		return runDispatcher(cfg, stderr)
	case "publish":
		return runPublish(cfg, args[2:], stdout, stderr)
	case "simulate":
		return runSimulate(cfg, args[2:], stdout, stderr)
	case "export":
		return runExport(cfg, args[2:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `Usage: motor <command>

Commands:
  run                      consume the timeline feed and dispatch triggers
  publish <contract.yaml>  publish a contract document
  simulate <entity>...     run entities to completion
  export <from> <to>       archive a timeline segment to S3`)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// motor groups the wired components.
type motor struct {
	cfg      *config.Config
	obs      *observability.Provider
	timeline timeline.Store
	registry registry.Registry
	eval     *rules.Evaluator
	admitter *rules.Admitter
	signer   *span.Signer
	agents   *agent.Registry
	results  simulate.ResultStore
	closers  []func() error
}

func buildMotor(ctx context.Context, cfg *config.Config) (*motor, error) {
	m := &motor{cfg: cfg}

	otlpEndpoint := os.Getenv("OTLP_ENDPOINT")
	obsCfg := observability.DefaultConfig()
	obsCfg.OTLPEndpoint = otlpEndpoint
	obsCfg.Enabled = otlpEndpoint != ""
	obsCfg.Insecure = os.Getenv("OTLP_INSECURE") == "true"
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return nil, err
	}
	m.obs = obs

	eval, err := rules.NewEvaluator()
	if err != nil {
		return nil, err
	}
	m.eval = eval

	if cfg.TimelinePath != "" {
		db, err := sql.Open("sqlite", cfg.TimelinePath)
		if err != nil {
			return nil, err
		}
		m.closers = append(m.closers, db.Close)
		ts, err := timeline.NewSQLiteStore(db)
		if err != nil {
			return nil, err
		}
		m.timeline = ts

		reg := registry.NewSQL(db, eval.Vetter())
		if err := reg.Init(ctx); err != nil {
			return nil, err
		}
		m.registry = reg
	} else {
		m.timeline = timeline.NewMemoryStore()
		m.registry = registry.NewMemory(eval.Vetter())
	}

	if cfg.ResultsDSN != "" {
		rs, err := store.OpenPostgres(ctx, cfg.ResultsDSN)
		if err != nil {
			return nil, err
		}
		m.closers = append(m.closers, rs.Close)
		m.results = rs
	} else {
		m.results = store.NewMemory()
	}

	if cfg.SigningKeySeed != "" {
		seed, err := hex.DecodeString(cfg.SigningKeySeed)
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("SIGNING_KEY_SEED must be %d hex-encoded bytes", ed25519.SeedSize)
		}
		m.signer = span.NewSignerFromKey(ed25519.NewKeyFromSeed(seed), "motor")
	}

	m.agents = agent.NewRegistry()
	m.admitter = rules.NewAdmitter(eval, m.timeline, m.signer, nil)
	return m, nil
}

func (m *motor) close() {
	for i := len(m.closers) - 1; i >= 0; i-- {
		_ = m.closers[i]()
	}
	_ = m.obs.Shutdown(context.Background())
}

// admissionSink routes trigger failure drafts through the admission gate.
type admissionSink struct {
	admitter *rules.Admitter
	registry registry.Registry
	scope    string
}

func (s *admissionSink) Record(ctx context.Context, d span.Draft) error {
	snap, err := s.registry.Resolve(ctx, s.scope, "")
	if err != nil {
		return err
	}
	_, _, err = s.admitter.Admit(ctx, d, snap, nil)
	return err
}

func runDispatcher(cfg *config.Config, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, err := buildMotor(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, "startup:", err)
		return 1
	}
	defer m.close()

	var cooldowns trigger.CooldownStore
	if cfg.RedisAddr != "" {
		rc := trigger.NewRedisCooldown(cfg.RedisAddr, "", 0)
		defer func() { _ = rc.Close() }()
		cooldowns = rc
	} else {
		cooldowns = trigger.NewMemoryCooldown()
	}

	sink := &admissionSink{admitter: m.admitter, registry: m.registry, scope: "system"}
	dispatcher, err := trigger.NewDispatcher(m.timeline, m.agents, cooldowns, sink, trigger.Options{})
	if err != nil {
		fmt.Fprintln(stderr, "dispatcher:", err)
		return 1
	}
	// EmitTrigger verdicts on the admission path fire through the dispatcher.
	m.admitter = rules.NewAdmitter(m.eval, m.timeline, m.signer, dispatcher)
	sink.admitter = m.admitter

	scenarios, err := config.LoadAllScenarios("scenarios")
	if err == nil {
		for _, sc := range scenarios {
			for _, t := range sc.Triggers {
				cooldown := t.Cooldown()
				if cooldown == 0 {
					cooldown = cfg.TriggerCooldownDefault
				}
				if err := dispatcher.Register(trigger.Trigger{
					ID:       t.ID,
					Pattern:  t.Pattern,
					AgentRef: t.AgentRef,
					Cooldown: cooldown,
				}); err != nil {
					fmt.Fprintln(stderr, "trigger:", err)
					return 1
				}
			}
		}
	}

	slog.Info("motor running", "timeline", cfg.TimelinePath, "redis", cfg.RedisAddr)
	if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintln(stderr, "dispatcher:", err)
		return 1
	}
	return 0
}

func runPublish(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: motor publish <contract.yaml>")
		return 2
	}
	ctx := context.Background()
	m, err := buildMotor(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, "startup:", err)
		return 1
	}
	defer m.close()

	doc, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintln(stderr, "read:", err)
		return 1
	}
	c, err := contracts.ParseDocument(doc)
	if err != nil {
		fmt.Fprintln(stderr, "parse:", err)
		return 1
	}
	published, err := m.registry.Publish(ctx, c)
	if err != nil {
		fmt.Fprintln(stderr, "publish:", err)
		return 1
	}
	fmt.Fprintf(stdout, "published %s@%s (scope %s)\n", published.ID, published.Version, published.Scope)
	return 0
}

func runSimulate(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: motor simulate <entity>...")
		return 2
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, err := buildMotor(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, "startup:", err)
		return 1
	}
	defer m.close()

	scope := "candidates"
	atVersion := ""
	if sc, err := config.LoadScenario("scenarios", "default"); err == nil {
		scope = sc.ContractScope
		atVersion = sc.AtVersion
		cfgCopy := sc.Apply(*cfg)
		cfg = &cfgCopy
	}

	engine := simulate.NewEngine(m.registry, m.eval, m.results, nil, simulate.Config{
		PromoteThreshold: cfg.PromoteThreshold,
		RejectThreshold:  cfg.RejectThreshold,
		MaxRounds:        cfg.MaxRounds,
		RoundTimeout:     cfg.RoundTimeout,
	})

	out, err := engine.RunAll(ctx, args, simulate.State{
		Scope:     scope,
		AtVersion: atVersion,
		Candidate: candidateDraft,
	})
	if err != nil {
		fmt.Fprintln(stderr, "simulate:", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintln(stderr, "encode:", err)
		return 1
	}
	return 0
}

// candidateDraft derives a deterministic candidate span for (entity, round).
// The fixed timestamp keeps crash recomputation byte-identical.
func candidateDraft(entityID string, round int) span.Draft {
	p := span.NewPayload()
	p.Set("entity", entityID)
	p.Set("round", round)
	return span.Draft{
		ID:        fmt.Sprintf("%s-round-%d", entityID, round),
		ActorID:   entityID,
		Kind:      "candidate.evaluated",
		Payload:   p,
		Timestamp: time.Unix(0, 0).UTC(),
	}
}

func runExport(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprintln(stderr, "Usage: motor export <from> <to>")
		return 2
	}
	var from, to uint64
	if _, err := fmt.Sscanf(args[0]+" "+args[1], "%d %d", &from, &to); err != nil {
		fmt.Fprintln(stderr, "range:", err)
		return 2
	}

	ctx := context.Background()
	m, err := buildMotor(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, "startup:", err)
		return 1
	}
	defer m.close()

	exporter, err := archive.NewS3Exporter(ctx, archive.S3Config{
		Bucket: cfg.ArchiveBucket,
		Region: cfg.ArchiveRegion,
		Prefix: "timeline/",
	})
	if err != nil {
		fmt.Fprintln(stderr, "archive:", err)
		return 1
	}
	hash, err := exporter.Export(ctx, m.timeline, timeline.Range{From: from, To: to})
	if err != nil {
		fmt.Fprintln(stderr, "export:", err)
		return 1
	}
	fmt.Fprintf(stdout, "archived segment [%d,%d) as %s\n", from, to, hash)
	return 0
}
