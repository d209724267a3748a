// Package models holds the shared domain types exchanged between gateway
// subsystems: graph nodes and edges, capability records, execution traces,
// workflow DAGs, and bus events.
package models

import (
	"fmt"
	"strings"
)

// NodeType classifies a graph node.
type NodeType string

// Node types.
const (
	NodeTypeTool       NodeType = "tool"
	NodeTypeCapability NodeType = "capability"
	NodeTypeOperation  NodeType = "operation"
)

// OperationCategory classifies a learned pure code operation.
type OperationCategory string

// Operation categories observed in execution traces.
const (
	OpCategoryArray   OperationCategory = "array"
	OpCategoryString  OperationCategory = "string"
	OpCategoryObject  OperationCategory = "object"
	OpCategoryMath    OperationCategory = "math"
	OpCategoryJSON    OperationCategory = "json"
	OpCategoryBinary  OperationCategory = "binary"
	OpCategoryLogical OperationCategory = "logical"
	OpCategoryBitwise OperationCategory = "bitwise"
)

// Node is a knowledge-graph entity. IDs take the form "serverId:toolName"
// for tools, "cap-<uuid>" for capabilities, and "code:<op>" for learned
// pure operations.
type Node struct {
	ID          string            `json:"id" db:"id"`
	Type        NodeType          `json:"type" db:"node_type"`
	Name        string            `json:"name" db:"name"`
	ServerID    string            `json:"server_id,omitempty" db:"server_id"`
	SuccessRate float64           `json:"success_rate" db:"success_rate"`
	Category    OperationCategory `json:"category,omitempty" db:"category"`
	Pure        bool              `json:"pure,omitempty" db:"pure"`
}

// ToolNodeID builds the canonical node id for a tool.
func ToolNodeID(serverID, toolName string) string {
	return serverID + ":" + toolName
}

// CapabilityNodeID builds the canonical node id for a capability.
func CapabilityNodeID(capabilityID string) string {
	if strings.HasPrefix(capabilityID, "cap-") {
		return capabilityID
	}
	return "cap-" + capabilityID
}

// OperationNodeID builds the canonical node id for a pure operation.
func OperationNodeID(op string) string {
	return "code:" + op
}

// EdgeType classifies a graph edge.
type EdgeType string

// Edge types.
const (
	EdgeTypeDependency EdgeType = "dependency"
	EdgeTypeSequence   EdgeType = "sequence"
	EdgeTypeContains   EdgeType = "contains"
	EdgeTypeSimilarity EdgeType = "similarity"
)

// EdgeSource records the provenance of an edge.
type EdgeSource string

// Edge sources. Inferred edges upgrade to observed at count >= 3.
const (
	EdgeSourceInferred EdgeSource = "inferred"
	EdgeSourceObserved EdgeSource = "observed"
	EdgeSourceDeclared EdgeSource = "declared"
)

// ObservedCountThreshold is the observation count at which an inferred edge
// upgrades to observed.
const ObservedCountThreshold = 3

// Edge is a typed, directed knowledge-graph edge.
// Confidence is always typeWeight(Type) * sourceModifier(Source).
type Edge struct {
	From       string     `json:"from" db:"from_node"`
	To         string     `json:"to" db:"to_node"`
	Type       EdgeType   `json:"edge_type" db:"edge_type"`
	Source     EdgeSource `json:"edge_source" db:"edge_source"`
	Count      uint       `json:"count" db:"observation_count"`
	Confidence float64    `json:"confidence" db:"confidence"`
}

// Key returns the (from,to) identity of the edge.
func (e Edge) Key() string {
	return e.From + "->" + e.To
}

// ValidEdgeType reports whether t is a known edge type.
func ValidEdgeType(t EdgeType) bool {
	switch t {
	case EdgeTypeDependency, EdgeTypeSequence, EdgeTypeContains, EdgeTypeSimilarity:
		return true
	}
	return false
}

// ValidEdgeSource reports whether s is a known edge source.
func ValidEdgeSource(s EdgeSource) bool {
	switch s {
	case EdgeSourceInferred, EdgeSourceObserved, EdgeSourceDeclared:
		return true
	}
	return false
}

// GraphSnapshot is the read-only projection served by the HTTP layer.
type GraphSnapshot struct {
	Nodes    []Node           `json:"nodes"`
	Edges    []Edge           `json:"edges"`
	Metadata SnapshotMetadata `json:"metadata"`
}

// SnapshotMetadata summarizes a graph snapshot.
type SnapshotMetadata struct {
	NodeCount    int    `json:"node_count"`
	EdgeCount    int    `json:"edge_count"`
	LastSyncedAt string `json:"last_synced_at,omitempty"`
}

// String implements fmt.Stringer for log output.
func (n Node) String() string {
	return fmt.Sprintf("%s(%s)", n.ID, n.Type)
}
