package graph

import "github.com/pml-dev/gateway/pkg/models"

// Edge type weights (ADR-041). The same formula backs persistence and query
// weighting: weight = typeWeight(edgeType) * sourceModifier(edgeSource).
//
// dependency and sequence come from the original calibration; contains and
// similarity are fixed here and must stay consistent across read/write:
// contains is a strong structural link (0.9), similarity a softer declared
// association (0.8).
const (
	weightDependency = 1.0
	weightSequence   = 0.5
	weightContains   = 0.9
	weightSimilarity = 0.8
)

// Edge source modifiers: inferred edges are discounted until observation
// upgrades them.
const (
	modifierInferred = 0.7
	modifierObserved = 1.0
	modifierDeclared = 1.0
)

// TypeWeight returns the multiplicative weight of an edge type.
func TypeWeight(t models.EdgeType) float64 {
	switch t {
	case models.EdgeTypeDependency:
		return weightDependency
	case models.EdgeTypeSequence:
		return weightSequence
	case models.EdgeTypeContains:
		return weightContains
	case models.EdgeTypeSimilarity:
		return weightSimilarity
	default:
		return 0
	}
}

// SourceModifier returns the provenance modifier of an edge source.
func SourceModifier(s models.EdgeSource) float64 {
	switch s {
	case models.EdgeSourceInferred:
		return modifierInferred
	case models.EdgeSourceObserved:
		return modifierObserved
	case models.EdgeSourceDeclared:
		return modifierDeclared
	default:
		return 0
	}
}

// GetEdgeWeight computes the confidence of an edge from its type and source.
func GetEdgeWeight(t models.EdgeType, s models.EdgeSource) float64 {
	return TypeWeight(t) * SourceModifier(s)
}
