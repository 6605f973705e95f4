// Package verifier implements the three-tier verification pipeline of
// spec §4.6: Quick, Standard, and Thorough checks run against an
// executor.Output, producing a VerificationResult the Coordinator can use
// to decide whether a task's result is trustworthy.
//
// Grounded on the rule-evaluation shape of the teacher's
// internal/supervisor parser/decision pairing in the wider CLIAIMONITOR
// product: structured checks each contribute a sub-score, which are then
// combined and compared against a tier-specific pass threshold.
package verifier

import (
	"context"
	"log"

	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/config"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/executor"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/task"
)

// Tier is a verification depth (spec §4.6).
type Tier string

const (
	Quick    Tier = "quick"
	Standard Tier = "standard"
	Thorough Tier = "thorough"
)

// Check is one structured verification rule: it inspects the output and
// the originating task and returns a sub-score in [0,1] plus a short label
// for VerificationResult.Details.
type Check struct {
	Name string
	Run  func(snap task.Snapshot, out executor.Output) float64
}

// TextAnalyzer is the optional external goal-alignment scorer spec §9
// names. The core ships no implementation: it is a black-box collaborator,
// consistent with spec §1's scoping.
type TextAnalyzer interface {
	Score(ctx context.Context, snap task.Snapshot, out executor.Output) (float64, error)
}

// QuorumRunner lets Thorough-tier verification, when quorum_verify is set,
// request a second independent opinion from some other agent (spec §9,
// SUPPLEMENTED FEATURES "Verification quorum"). The core has no in-process
// agent-selection logic here: the caller supplies whatever it used to pick
// the original executing agent, typically by re-running the Matcher.
type QuorumRunner interface {
	Verify(ctx context.Context, snap task.Snapshot, out executor.Output) (VerificationResult, error)
}

// VerificationResult is the Verifier's output contract (spec §4.6).
type VerificationResult struct {
	Tier    Tier
	Score   float64
	Passed  bool
	Details map[string]float64
}

// Verifier runs the configured checks for a requested tier.
type Verifier struct {
	cfg          config.VerificationConfig
	quickChecks  []Check
	standard     []Check
	thorough     []Check
	textAnalyzer TextAnalyzer
	quorum       QuorumRunner
	logger       *log.Logger
}

// New creates a Verifier. textAnalyzer and quorum may be nil; when nil, the
// Thorough tier's goal-alignment and quorum contributions are simply
// skipped (spec §9 treats both as optional).
func New(cfg config.VerificationConfig, textAnalyzer TextAnalyzer, quorum QuorumRunner, logger *log.Logger) *Verifier {
	if logger == nil {
		logger = log.Default()
	}
	v := &Verifier{cfg: cfg, textAnalyzer: textAnalyzer, quorum: quorum, logger: logger}
	v.quickChecks = []Check{checkNonEmptyOutput}
	v.standard = append(append([]Check{}, v.quickChecks...), checkPayloadWellFormed)
	v.thorough = append(append([]Check{}, v.standard...), checkAttemptWithinBudget)
	return v
}

// Verify runs the requested tier's checks and decides pass/fail against the
// tier's configured threshold (spec §4.6). uniform_tier in config overrides
// the requested tier when set, for installations that want every task
// verified at the same depth regardless of caller intent.
func (v *Verifier) Verify(ctx context.Context, requested Tier, snap task.Snapshot, out executor.Output) VerificationResult {
	tier := requested
	if v.cfg.UniformTier != "" {
		tier = Tier(v.cfg.UniformTier)
	}

	var checks []Check
	var threshold float64
	switch tier {
	case Quick:
		checks = v.quickChecks
		threshold = 1 // Quick tier is a single 0/1 check; only a non-empty result passes.
	case Standard:
		checks = v.standard
		threshold = v.cfg.StandardPassThreshold
	case Thorough:
		checks = v.thorough
		threshold = v.cfg.ThoroughPassThreshold
	default:
		checks = v.standard
		threshold = v.cfg.StandardPassThreshold
		tier = Standard
	}

	details := make(map[string]float64, len(checks)+1)
	var sum float64
	count := 0
	for _, c := range checks {
		s := clamp01(c.Run(snap, out))
		details[c.Name] = s
		sum += s
		count++
	}

	if tier == Thorough && v.textAnalyzer != nil {
		if s, err := v.textAnalyzer.Score(ctx, snap, out); err == nil {
			s = clamp01(s)
			details["goal_alignment"] = s
			sum += s
			count++
		}
	}

	score := 0.0
	if count > 0 {
		score = sum / float64(count)
	}
	passed := score >= threshold

	if tier == Thorough && v.cfg.QuorumVerify && v.quorum != nil && passed {
		second, err := v.quorum.Verify(ctx, snap, out)
		if err != nil || !second.Passed {
			passed = false
			details["quorum_passed"] = 0
		} else {
			details["quorum_passed"] = 1
		}
	}

	return VerificationResult{Tier: tier, Score: score, Passed: passed, Details: details}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func checkNonEmptyOutput(_ task.Snapshot, out executor.Output) float64 {
	if len(out.Payload) == 0 {
		return 0
	}
	return 1
}

func checkPayloadWellFormed(_ task.Snapshot, out executor.Output) float64 {
	// A payload with no NUL bytes and at least one printable character is
	// treated as well-formed; the core has no domain-specific parser for
	// the opaque AgentWork output (spec §1 scoping).
	if len(out.Payload) == 0 {
		return 0
	}
	printable := 0
	for _, b := range out.Payload {
		if b == 0 {
			return 0
		}
		if b >= 0x20 && b < 0x7f {
			printable++
		}
	}
	if printable == 0 {
		return 0.5
	}
	return 1
}

func checkAttemptWithinBudget(snap task.Snapshot, _ executor.Output) float64 {
	if snap.Attempt <= snap.MaxRetries+1 {
		return 1
	}
	return 0.5
}
