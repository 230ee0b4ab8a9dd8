package domain

import "time"

// Project is the top-level ownership boundary: it owns Functions, a
// GatewayConfig, and any project-scoped NetworkPolicyRules.
type Project struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Active     bool      `json:"active"`
	KVQuota    int64     `json:"kv_quota_bytes"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
