// Package networkpolicy is the egress evaluator (C5's collaborator): it
// decides whether a function's outbound connection attempt is allowed,
// applying default-deny and resolving a hostname exactly once so the
// evaluation and the actual dial can't be tricked into disagreeing about
// which address a name refers to.
package networkpolicy

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/oriys/nova/internal/domain"
)

// EgressTarget describes an outbound connection attempt from a function
// isolate.
type EgressTarget struct {
	Host string
	Port int
}

// ResolvedTarget pairs a target with the single IP it resolved to, computed
// once and reused for both evaluation and the dial so a DNS response can't
// change between the check and the connect (TOCTOU).
type ResolvedTarget struct {
	EgressTarget
	IP net.IP
}

// Evaluator evaluates a project's effective network policy: its own rules
// first, then global rules, both stable-sorted by ascending priority; the
// first match wins; no match denies.
type Evaluator struct {
	projectRules []*domain.NetworkPolicyRule
	globalRules  []*domain.NetworkPolicyRule
}

// NewEvaluator builds an Evaluator from a project's rules and the global
// rule set, sorting each by priority once up front.
func NewEvaluator(projectRules, globalRules []*domain.NetworkPolicyRule) *Evaluator {
	p := append([]*domain.NetworkPolicyRule(nil), projectRules...)
	g := append([]*domain.NetworkPolicyRule(nil), globalRules...)
	sort.SliceStable(p, func(i, j int) bool { return p[i].Priority < p[j].Priority })
	sort.SliceStable(g, func(i, j int) bool { return g[i].Priority < g[j].Priority })
	return &Evaluator{projectRules: p, globalRules: g}
}

// Resolve looks up target.Host once, producing a ResolvedTarget that both
// Allow and the caller's dial should use.
func Resolve(target EgressTarget) (ResolvedTarget, error) {
	if ip := net.ParseIP(target.Host); ip != nil {
		return ResolvedTarget{EgressTarget: target, IP: ip}, nil
	}
	ips, err := net.LookupIP(target.Host)
	if err != nil {
		return ResolvedTarget{}, fmt.Errorf("resolve host %s: %w", target.Host, err)
	}
	if len(ips) == 0 {
		return ResolvedTarget{}, fmt.Errorf("resolve host %s: no addresses", target.Host)
	}
	return ResolvedTarget{EgressTarget: target, IP: ips[0]}, nil
}

// Allow runs the 3-step algorithm: check project rules in priority order,
// then global rules in priority order, defaulting to deny if nothing
// matches.
func (e *Evaluator) Allow(target ResolvedTarget) error {
	if rule, ok := firstMatch(e.projectRules, target); ok {
		return actionToError(rule, target)
	}
	if rule, ok := firstMatch(e.globalRules, target); ok {
		return actionToError(rule, target)
	}
	return fmt.Errorf("egress denied by default: no policy rule matches %s:%d", target.Host, target.Port)
}

func actionToError(rule *domain.NetworkPolicyRule, target ResolvedTarget) error {
	if rule.Action == domain.NetworkActionAllow {
		return nil
	}
	return fmt.Errorf("egress denied by policy rule %s: %s:%d", rule.ID, target.Host, target.Port)
}

func firstMatch(rules []*domain.NetworkPolicyRule, target ResolvedTarget) (*domain.NetworkPolicyRule, bool) {
	for _, r := range rules {
		if matchesRule(r, target) {
			return r, true
		}
	}
	return nil, false
}

func matchesRule(rule *domain.NetworkPolicyRule, target ResolvedTarget) bool {
	switch rule.TargetType {
	case domain.NetworkTargetIP:
		ruleIP := net.ParseIP(rule.TargetValue)
		return ruleIP != nil && ruleIP.Equal(target.IP)
	case domain.NetworkTargetCIDR:
		_, cidr, err := net.ParseCIDR(rule.TargetValue)
		return err == nil && cidr.Contains(target.IP)
	case domain.NetworkTargetDomain:
		return matchesDomain(rule.TargetValue, target.Host)
	default:
		return false
	}
}

// matchesDomain supports exact match, "*" (match anything), and multi-level
// wildcard suffixes ("*.example.com" matches "api.example.com" and
// "a.b.example.com").
func matchesDomain(pattern, host string) bool {
	pattern = strings.TrimSpace(pattern)
	host = strings.ToLower(strings.TrimSpace(host))

	if pattern == "*" {
		return true
	}
	if strings.EqualFold(pattern, host) {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		suffix := strings.ToLower(pattern[1:]) // ".example.com"
		return strings.HasSuffix(host, suffix)
	}
	return false
}

// IsPrivateIP reports whether ip falls in an RFC 1918 (or loopback) range,
// used by callers that want to special-case intra-cluster traffic before
// consulting the rule set.
func IsPrivateIP(ip net.IP) bool {
	privateRanges := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
	}
	for _, cidr := range privateRanges {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
