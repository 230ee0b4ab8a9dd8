package networkpolicy

import (
	"net"
	"testing"

	"github.com/oriys/nova/internal/domain"
)

func TestEvaluatorDefaultDeny(t *testing.T) {
	e := NewEvaluator(nil, nil)
	target := ResolvedTarget{EgressTarget: EgressTarget{Host: "example.com", Port: 443}, IP: net.ParseIP("93.184.216.34")}

	if err := e.Allow(target); err == nil {
		t.Fatal("expected default-deny error when no rules exist")
	}
}

func TestEvaluatorProjectRuleBeatsGlobal(t *testing.T) {
	project := []*domain.NetworkPolicyRule{
		{ID: "p1", Action: domain.NetworkActionAllow, TargetType: domain.NetworkTargetDomain, TargetValue: "api.example.com", Priority: 10},
	}
	global := []*domain.NetworkPolicyRule{
		{ID: "g1", Action: domain.NetworkActionDeny, TargetType: domain.NetworkTargetDomain, TargetValue: "*", Priority: 1},
	}
	e := NewEvaluator(project, global)
	target := ResolvedTarget{EgressTarget: EgressTarget{Host: "api.example.com", Port: 443}, IP: net.ParseIP("1.2.3.4")}

	if err := e.Allow(target); err != nil {
		t.Errorf("expected project rule to allow, got %v", err)
	}
}

func TestEvaluatorWildcardSubdomain(t *testing.T) {
	global := []*domain.NetworkPolicyRule{
		{ID: "g1", Action: domain.NetworkActionAllow, TargetType: domain.NetworkTargetDomain, TargetValue: "*.example.com", Priority: 1},
	}
	e := NewEvaluator(nil, global)
	target := ResolvedTarget{EgressTarget: EgressTarget{Host: "a.b.example.com", Port: 443}, IP: net.ParseIP("1.2.3.4")}

	if err := e.Allow(target); err != nil {
		t.Errorf("expected multi-level wildcard to match, got %v", err)
	}
}

func TestEvaluatorPriorityOrderingWithinProject(t *testing.T) {
	project := []*domain.NetworkPolicyRule{
		{ID: "deny-all", Action: domain.NetworkActionDeny, TargetType: domain.NetworkTargetDomain, TargetValue: "*", Priority: 100},
		{ID: "allow-specific", Action: domain.NetworkActionAllow, TargetType: domain.NetworkTargetDomain, TargetValue: "api.example.com", Priority: 1},
	}
	e := NewEvaluator(project, nil)
	target := ResolvedTarget{EgressTarget: EgressTarget{Host: "api.example.com", Port: 443}, IP: net.ParseIP("1.2.3.4")}

	if err := e.Allow(target); err != nil {
		t.Errorf("expected lower-priority allow rule to win, got %v", err)
	}

	target2 := ResolvedTarget{EgressTarget: EgressTarget{Host: "other.example.com", Port: 443}, IP: net.ParseIP("1.2.3.5")}
	if err := e.Allow(target2); err == nil {
		t.Error("expected deny-all rule to catch non-matching host")
	}
}

func TestMatchesRuleCIDR(t *testing.T) {
	rule := &domain.NetworkPolicyRule{TargetType: domain.NetworkTargetCIDR, TargetValue: "10.0.0.0/8"}
	target := ResolvedTarget{EgressTarget: EgressTarget{Host: "10.1.2.3"}, IP: net.ParseIP("10.1.2.3")}
	if !matchesRule(rule, target) {
		t.Error("expected CIDR rule to match address within range")
	}
}

func TestIsPrivateIP(t *testing.T) {
	cases := map[string]bool{
		"10.0.0.1":    true,
		"192.168.1.1": true,
		"8.8.8.8":     false,
	}
	for ip, want := range cases {
		if got := IsPrivateIP(net.ParseIP(ip)); got != want {
			t.Errorf("IsPrivateIP(%s) = %v, want %v", ip, got, want)
		}
	}
}
