package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// PermissionSet names a bundle of host capabilities granted to sandboxed code.
type PermissionSet string

// Permission sets, ordered from least to most privileged. The escalation
// graph between them is defined in pkg/capability.
const (
	PermissionMinimal     PermissionSet = "minimal"
	PermissionReadonly    PermissionSet = "readonly"
	PermissionFilesystem  PermissionSet = "filesystem"
	PermissionNetworkAPI  PermissionSet = "network-api"
	PermissionMCPStandard PermissionSet = "mcp-standard"
	PermissionTrusted     PermissionSet = "trusted"
)

// ValidPermissionSet reports whether p is a known permission set.
func ValidPermissionSet(p PermissionSet) bool {
	switch p {
	case PermissionMinimal, PermissionReadonly, PermissionFilesystem,
		PermissionNetworkAPI, PermissionMCPStandard, PermissionTrusted:
		return true
	}
	return false
}

// PermissionSource records how a capability's permission set was assigned.
type PermissionSource string

// Permission sources.
const (
	PermissionSourceManual   PermissionSource = "manual"
	PermissionSourceEmergent PermissionSource = "emergent"
)

// EmergentConfidenceThreshold is the minimum permission confidence at which
// an emergent permission set takes effect; below it the effective set is
// minimal.
const EmergentConfidenceThreshold = 0.7

// EffectivePermissionSet resolves the permission set that actually applies
// to a sandbox run. Manual assignments always win; emergent assignments
// require sufficient confidence.
func EffectivePermissionSet(stored PermissionSet, source PermissionSource, confidence float64) PermissionSet {
	if !ValidPermissionSet(stored) {
		return PermissionMinimal
	}
	switch source {
	case PermissionSourceManual:
		return stored
	case PermissionSourceEmergent:
		if confidence >= EmergentConfidenceThreshold {
			return stored
		}
		return PermissionMinimal
	default:
		return PermissionMinimal
	}
}

// CapabilityVisibility controls cross-scope resolution.
type CapabilityVisibility string

// Visibility values.
const (
	VisibilityPublic  CapabilityVisibility = "public"
	VisibilityPrivate CapabilityVisibility = "private"
)

// CapabilityRouting selects where a capability executes.
type CapabilityRouting string

// Routing values.
const (
	RoutingLocal  CapabilityRouting = "local"
	RoutingRemote CapabilityRouting = "remote"
)

// FQDN is the unique naming key of a capability within the registry:
// org.project.namespace.action.hash.
type FQDN struct {
	Org       string `json:"org" db:"org"`
	Project   string `json:"project" db:"project"`
	Namespace string `json:"namespace" db:"namespace"`
	Action    string `json:"action" db:"action"`
	Hash      string `json:"hash" db:"fqdn_hash"`
}

// String renders the dotted FQDN form.
func (f FQDN) String() string {
	return f.Org + "." + f.Project + "." + f.Namespace + "." + f.Action + "." + f.Hash
}

// DisplayName renders the short "namespace:action" form used in discovery
// results and sandbox capability tables.
func (f FQDN) DisplayName() string {
	return f.Namespace + ":" + f.Action
}

// FQDNHash derives the 4-char content hash component from a code snippet.
func FQDNHash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])[:4]
}

// Scope identifies the org/project pair a request operates in.
type Scope struct {
	Org     string `json:"org"`
	Project string `json:"project"`
}

// CapabilityRecord is a registered, FQDN-addressable capability.
type CapabilityRecord struct {
	ID                   string               `json:"id" db:"id"`
	FQDN                 FQDN                 `json:"fqdn"`
	WorkflowPatternID    string               `json:"workflow_pattern_id" db:"workflow_pattern_id"`
	Visibility           CapabilityVisibility `json:"visibility" db:"visibility"`
	Routing              CapabilityRouting    `json:"routing" db:"routing"`
	Version              int                  `json:"version" db:"version"`
	Verified             bool                 `json:"verified" db:"verified"`
	UsageCount           int64                `json:"usage_count" db:"usage_count"`
	SuccessCount         int64                `json:"success_count" db:"success_count"`
	TotalLatencyMs       int64                `json:"total_latency_ms" db:"total_latency_ms"`
	PermissionSet        PermissionSet        `json:"permission_set" db:"permission_set"`
	PermissionSource     PermissionSource     `json:"permission_source" db:"permission_source"`
	PermissionConfidence float64              `json:"permission_confidence" db:"permission_confidence"`
	CreatedAt            time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at" db:"updated_at"`
}

// SuccessRate returns the observed success ratio, or 0 when unused.
func (c *CapabilityRecord) SuccessRate() float64 {
	if c.UsageCount == 0 {
		return 0
	}
	return float64(c.SuccessCount) / float64(c.UsageCount)
}

// AvgLatencyMs returns the mean recorded call latency, or 0 when unused.
func (c *CapabilityRecord) AvgLatencyMs() float64 {
	if c.UsageCount == 0 {
		return 0
	}
	return float64(c.TotalLatencyMs) / float64(c.UsageCount)
}

// WorkflowPattern owns a capability's code snippet and intent embedding,
// keyed by the code hash so identical code is stored once.
type WorkflowPattern struct {
	ID        string    `json:"id" db:"id"`
	CodeHash  string    `json:"code_hash" db:"code_hash"`
	Code      string    `json:"code" db:"code"`
	Intent    string    `json:"intent" db:"intent"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// CodeHash derives the full content hash used to key workflow patterns.
func CodeHash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
