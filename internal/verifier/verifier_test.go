package verifier

import (
	"context"
	"errors"
	"testing"

	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/config"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/executor"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/task"
)

func testCfg() config.VerificationConfig {
	return config.VerificationConfig{StandardPassThreshold: 0.6, ThoroughPassThreshold: 0.75}
}

func TestQuickTierPassesOnAnyNonEmptyOutput(t *testing.T) {
	v := New(testCfg(), nil, nil, nil)
	res := v.Verify(context.Background(), Quick, task.Snapshot{}, executor.Output{Payload: []byte("x")})
	if !res.Passed || res.Tier != Quick {
		t.Fatalf("expected Quick tier to pass on non-empty output, got %+v", res)
	}
}

func TestQuickTierFailsOnEmptyOutput(t *testing.T) {
	v := New(testCfg(), nil, nil, nil)
	res := v.Verify(context.Background(), Quick, task.Snapshot{}, executor.Output{})
	if res.Passed {
		t.Fatalf("expected Quick tier to fail on empty output")
	}
}

func TestStandardTierUsesConfiguredThreshold(t *testing.T) {
	v := New(testCfg(), nil, nil, nil)
	res := v.Verify(context.Background(), Standard, task.Snapshot{}, executor.Output{Payload: []byte("hello")})
	if !res.Passed {
		t.Fatalf("expected Standard tier to pass on a well-formed payload, got %+v", res)
	}
}

func TestUniformTierOverridesRequestedTier(t *testing.T) {
	cfg := testCfg()
	cfg.UniformTier = string(Quick)
	v := New(cfg, nil, nil, nil)
	res := v.Verify(context.Background(), Thorough, task.Snapshot{}, executor.Output{Payload: []byte("x")})
	if res.Tier != Quick {
		t.Fatalf("expected uniform_tier to override request, got %s", res.Tier)
	}
}

type fakeAnalyzer struct {
	score float64
	err   error
}

func (f fakeAnalyzer) Score(ctx context.Context, snap task.Snapshot, out executor.Output) (float64, error) {
	return f.score, f.err
}

func TestThoroughTierIncludesTextAnalyzerScore(t *testing.T) {
	v := New(testCfg(), fakeAnalyzer{score: 1}, nil, nil)
	res := v.Verify(context.Background(), Thorough, task.Snapshot{Attempt: 1}, executor.Output{Payload: []byte("hello")})
	if _, ok := res.Details["goal_alignment"]; !ok {
		t.Fatalf("expected goal_alignment in details, got %+v", res.Details)
	}
}

func TestThoroughTierIgnoresFailingTextAnalyzer(t *testing.T) {
	v := New(testCfg(), fakeAnalyzer{err: errors.New("boom")}, nil, nil)
	res := v.Verify(context.Background(), Thorough, task.Snapshot{Attempt: 1}, executor.Output{Payload: []byte("hello")})
	if _, ok := res.Details["goal_alignment"]; ok {
		t.Fatalf("expected goal_alignment to be skipped when the analyzer errors, got %+v", res.Details)
	}
}

type fakeQuorum struct {
	result VerificationResult
	err    error
}

func (f fakeQuorum) Verify(ctx context.Context, snap task.Snapshot, out executor.Output) (VerificationResult, error) {
	return f.result, f.err
}

func TestQuorumVerifyCanOverturnAPass(t *testing.T) {
	cfg := testCfg()
	cfg.QuorumVerify = true
	v := New(cfg, nil, fakeQuorum{result: VerificationResult{Passed: false}}, nil)
	res := v.Verify(context.Background(), Thorough, task.Snapshot{Attempt: 1}, executor.Output{Payload: []byte("hello")})
	if res.Passed {
		t.Fatalf("expected quorum disagreement to overturn the pass")
	}
	if res.Details["quorum_passed"] != 0 {
		t.Fatalf("expected quorum_passed=0 in details, got %v", res.Details["quorum_passed"])
	}
}

func TestQuorumVerifyNotConsultedWhenAlreadyFailed(t *testing.T) {
	cfg := testCfg()
	cfg.QuorumVerify = true
	v := New(cfg, nil, fakeQuorum{result: VerificationResult{Passed: true}}, nil)
	res := v.Verify(context.Background(), Thorough, task.Snapshot{}, executor.Output{})
	if res.Passed {
		t.Fatalf("expected a failing base score to stay failed regardless of quorum")
	}
	if _, ok := res.Details["quorum_passed"]; ok {
		t.Fatalf("quorum should not be consulted when the base verification already failed")
	}
}

func TestAttemptOverBudgetLowersThoroughScore(t *testing.T) {
	v := New(testCfg(), nil, nil, nil)
	within := v.Verify(context.Background(), Thorough, task.Snapshot{Attempt: 1, MaxRetries: 2}, executor.Output{Payload: []byte("hello")})
	over := v.Verify(context.Background(), Thorough, task.Snapshot{Attempt: 10, MaxRetries: 2}, executor.Output{Payload: []byte("hello")})
	if over.Score >= within.Score {
		t.Fatalf("expected an over-budget attempt to score lower: within=%v over=%v", within.Score, over.Score)
	}
}
