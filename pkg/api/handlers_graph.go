package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pml-dev/gateway/pkg/models"
)

func splitAndTrim(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (s *Server) handleGraphSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.graph.Snapshot())
}

func (s *Server) handleGraphPath(c *gin.Context) {
	from := c.Query("from")
	to := c.Query("to")
	if from == "" || to == "" {
		respondError(c, models.NewError(models.KindValidation, "from and to are required"))
		return
	}
	path, err := s.graph.ShortestPath(from, to)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"from": from, "to": to, "path": path})
}

func (s *Server) handleGraphRelated(c *gin.Context) {
	toolID := c.Query("tool_id")
	if toolID == "" {
		respondError(c, models.NewError(models.KindValidation, "tool_id is required"))
		return
	}
	limit := 10
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(c, models.NewError(models.KindValidation, "invalid limit %q", raw))
			return
		}
		limit = n
	}
	related := s.graph.Related(toolID, limit)
	if related == nil {
		related = []models.Edge{}
	}
	c.JSON(http.StatusOK, gin.H{"tool_id": toolID, "related": related})
}

// handleHypergraph renders the community view: capability zones with their
// members, optionally including plain tool nodes, filtered by success rate.
func (s *Server) handleHypergraph(c *gin.Context) {
	includeTools := c.Query("include_tools") == "true"
	minSuccessRate := 0.0
	if raw := c.Query("min_success_rate"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			respondError(c, models.NewError(models.KindValidation,
				"min_success_rate %q out of range [0,1]", raw))
			return
		}
		minSuccessRate = v
	}

	snapshot := s.graph.Snapshot()
	communities := s.graph.Communities()

	nodeByID := make(map[string]models.Node, len(snapshot.Nodes))
	for _, n := range snapshot.Nodes {
		nodeByID[n.ID] = n
	}

	type zone struct {
		ID           int           `json:"id"`
		Capabilities []models.Node `json:"capabilities"`
		Tools        []models.Node `json:"tools,omitempty"`
	}
	zonesByID := make(map[int]*zone)
	for nodeID, community := range communities {
		node, ok := nodeByID[nodeID]
		if !ok || node.SuccessRate < minSuccessRate {
			continue
		}
		z, ok := zonesByID[community]
		if !ok {
			z = &zone{ID: community}
			zonesByID[community] = z
		}
		switch node.Type {
		case models.NodeTypeCapability:
			z.Capabilities = append(z.Capabilities, node)
		default:
			if includeTools {
				z.Tools = append(z.Tools, node)
			}
		}
	}

	zones := make([]*zone, 0, len(zonesByID))
	for _, z := range zonesByID {
		if len(z.Capabilities) > 0 || len(z.Tools) > 0 {
			zones = append(zones, z)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"zones":      zones,
		"node_count": snapshot.Metadata.NodeCount,
		"edge_count": snapshot.Metadata.EdgeCount,
	})
}
