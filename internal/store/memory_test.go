package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oriys/nova/internal/domain"
)

func TestMemoryStoreFunctionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.SaveProject(ctx, &domain.Project{ID: "p1", Name: "acme"}); err != nil {
		t.Fatalf("SaveProject: %v", err)
	}
	if err := s.SaveFunction(ctx, &domain.Function{ID: "f1", ProjectID: "p1", Name: "hello"}); err != nil {
		t.Fatalf("SaveFunction: %v", err)
	}

	fn, err := s.GetFunctionByName(ctx, "p1", "hello")
	if err != nil {
		t.Fatalf("GetFunctionByName: %v", err)
	}
	if fn.ID != "f1" {
		t.Errorf("fn.ID = %q, want f1", fn.ID)
	}

	next, err := s.NextVersionNumber(ctx, "f1")
	if err != nil {
		t.Fatalf("NextVersionNumber: %v", err)
	}
	if next != 1 {
		t.Errorf("NextVersionNumber = %d, want 1", next)
	}

	if err := s.CreateFunctionVersion(ctx, &domain.FunctionVersion{
		ID: "v1", FunctionID: "f1", Version: 1, PackageHash: "abc",
	}); err != nil {
		t.Fatalf("CreateFunctionVersion: %v", err)
	}
	if err := s.SetActiveVersion(ctx, "f1", 1); err != nil {
		t.Fatalf("SetActiveVersion: %v", err)
	}

	active, err := s.GetActiveFunctionVersion(ctx, "f1")
	if err != nil {
		t.Fatalf("GetActiveFunctionVersion: %v", err)
	}
	if active.PackageHash != "abc" {
		t.Errorf("active.PackageHash = %q, want abc", active.PackageHash)
	}

	if _, err := s.GetFunction(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStorePruneExecutionLogs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	old := time.Now().Add(-48 * time.Hour)
	if err := s.SaveExecutionLog(ctx, &domain.ExecutionLog{ID: "l1", FunctionID: "f1", CreatedAt: old}); err != nil {
		t.Fatalf("SaveExecutionLog: %v", err)
	}
	if err := s.SaveExecutionLog(ctx, &domain.ExecutionLog{ID: "l2", FunctionID: "f1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("SaveExecutionLog: %v", err)
	}

	removed, err := s.PruneExecutionLogs(ctx, "f1", RetentionPolicy{MaxAge: 24 * time.Hour})
	if err != nil {
		t.Fatalf("PruneExecutionLogs: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	logs, err := s.ListExecutionLogs(ctx, ExecutionLogFilter{FunctionID: "f1"})
	if err != nil {
		t.Fatalf("ListExecutionLogs: %v", err)
	}
	if len(logs) != 1 || logs[0].ID != "l2" {
		t.Fatalf("unexpected logs: %+v", logs)
	}
}

func TestMemoryStoreNetworkPolicyOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.SaveNetworkPolicyRule(ctx, &domain.NetworkPolicyRule{ID: "r2", ProjectID: "p1", Priority: 20}); err != nil {
		t.Fatalf("SaveNetworkPolicyRule: %v", err)
	}
	if err := s.SaveNetworkPolicyRule(ctx, &domain.NetworkPolicyRule{ID: "r1", ProjectID: "p1", Priority: 10}); err != nil {
		t.Fatalf("SaveNetworkPolicyRule: %v", err)
	}

	rules, err := s.ListNetworkPolicyRules(ctx, "p1")
	if err != nil {
		t.Fatalf("ListNetworkPolicyRules: %v", err)
	}
	if len(rules) != 2 || rules[0].ID != "r1" || rules[1].ID != "r2" {
		t.Fatalf("unexpected rule order: %+v", rules)
	}
}
