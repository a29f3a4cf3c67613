package session

import (
	"context"
	"testing"
	"time"

	"github.com/codex-core/session-engine/internal/protocol"
)

func strPtr(s string) *string { return &s }

func TestApplyConfigUpdateOverwritesOnlySetFields(t *testing.T) {
	s := New("t1", Configuration{Model: "m1", Cwd: "/work", ReasoningEffort: "low"}, Services{})
	s.ApplyConfigUpdate(ConfigurationUpdate{Model: strPtr("m2")})
	cfg := s.Config()
	if cfg.Model != "m2" {
		t.Fatalf("expected model updated, got %q", cfg.Model)
	}
	if cfg.Cwd != "/work" {
		t.Fatalf("expected cwd unchanged, got %q", cfg.Cwd)
	}
	if cfg.ReasoningEffort != "low" {
		t.Fatalf("expected effort unchanged, got %q", cfg.ReasoningEffort)
	}
}

func TestApplyConfigUpdateExplicitlyClearsEffort(t *testing.T) {
	s := New("t1", Configuration{ReasoningEffort: "high"}, Services{})
	var nilEffort *string
	s.ApplyConfigUpdate(ConfigurationUpdate{Effort: &nilEffort})
	if s.Config().ReasoningEffort != "" {
		t.Fatalf("expected effort cleared, got %q", s.Config().ReasoningEffort)
	}
}

func TestBeginTurnRejectsWhenAlreadyActive(t *testing.T) {
	s := New("t1", Configuration{}, Services{})
	if _, _, err := s.BeginTurn("sub1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := s.BeginTurn("sub2"); err == nil {
		t.Fatalf("expected an error when a turn is already active")
	}
	s.EndTurn()
	if _, _, err := s.BeginTurn("sub3"); err != nil {
		t.Fatalf("expected to begin a new turn after ending the previous one: %v", err)
	}
}

func TestUpdateRateLimitsPreservesCreditsOnNilUpdate(t *testing.T) {
	s := New("t1", Configuration{}, Services{})
	credits := 100.0
	plan := "pro"
	s.UpdateRateLimits(protocol.RateLimitSnapshot{Credits: &credits, PlanType: &plan, UsedFraction: 0.1})
	s.UpdateRateLimits(protocol.RateLimitSnapshot{UsedFraction: 0.5})

	got := s.RateLimits()
	if got == nil || got.Credits == nil || *got.Credits != 100.0 {
		t.Fatalf("expected credits preserved, got %+v", got)
	}
	if got.UsedFraction != 0.5 {
		t.Fatalf("expected used fraction updated, got %v", got.UsedFraction)
	}
}

func TestAwaitApprovalResolvesWithDecision(t *testing.T) {
	s := New("t1", Configuration{}, Services{})
	if _, _, err := s.BeginTurn("sub1"); err != nil {
		t.Fatalf("begin turn: %v", err)
	}

	done := make(chan protocol.ReviewDecision, 1)
	go func() {
		decision, err := s.RequestCommandApproval(context.Background(), "call1", []string{"rm", "-rf", "x"}, "/work", "escalate")
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		done <- decision
	}()

	// Give the goroutine a moment to register the pending approval.
	time.Sleep(10 * time.Millisecond)
	if err := s.ResolveApproval("call1", protocol.ReviewApproved); err != nil {
		t.Fatalf("resolve approval: %v", err)
	}

	select {
	case decision := <-done:
		if decision != protocol.ReviewApproved {
			t.Fatalf("expected ReviewApproved, got %v", decision)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for approval resolution")
	}
}

func TestAwaitApprovalFailsWithoutActiveTurn(t *testing.T) {
	s := New("t1", Configuration{}, Services{})
	_, err := s.RequestCommandApproval(context.Background(), "call1", []string{"ls"}, "/work", "")
	if err == nil {
		t.Fatal("expected an error when no turn is active")
	}
}

func TestResolveApprovalUnknownRequestErrors(t *testing.T) {
	s := New("t1", Configuration{}, Services{})
	if _, _, err := s.BeginTurn("sub1"); err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	if err := s.ResolveApproval("missing", protocol.ReviewApproved); err == nil {
		t.Fatal("expected an error for an unknown pending approval id")
	}
}

func TestBuildInitialContextIncludesEnvironment(t *testing.T) {
	items := BuildInitialContext("be concise", "fix the bug", "/bin/bash", "/work")
	if len(items) != 3 {
		t.Fatalf("expected developer+user+environment items, got %d", len(items))
	}
	last, ok := items[2].(protocol.ItemMessage)
	if !ok {
		t.Fatalf("expected last item to be a message, got %T", items[2])
	}
	if last.Content[0].Text == "" {
		t.Fatal("expected environment context text")
	}
}
