package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pml-dev/gateway/pkg/capability"
	"github.com/pml-dev/gateway/pkg/models"
)

func (s *Server) handleListCapabilities(c *gin.Context) {
	opts := capability.ListOptions{Sort: c.Query("sort")}
	var err error
	if opts.Limit, err = intQuery(c, "limit", 50); err != nil {
		respondError(c, err)
		return
	}
	if opts.Offset, err = intQuery(c, "offset", 0); err != nil {
		respondError(c, err)
		return
	}
	if raw := c.Query("min_success_rate"); raw != "" {
		v, parseErr := strconv.ParseFloat(raw, 64)
		if parseErr != nil {
			respondError(c, models.NewError(models.KindValidation, "invalid min_success_rate %q", raw))
			return
		}
		opts.MinSuccessRate = v
	}

	scope := models.Scope{Org: c.Query("org"), Project: c.Query("project")}
	recs, total, err := s.caps.List(c.Request.Context(), scope, opts)
	if err != nil {
		respondError(c, err)
		return
	}
	if recs == nil {
		recs = []models.CapabilityRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"capabilities": recs, "total": total})
}

func (s *Server) handleDeleteCapability(c *gin.Context) {
	id, err := capabilityID(c)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := s.caps.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) handleGetDependencies(c *gin.Context) {
	id, err := capabilityID(c)
	if err != nil {
		respondError(c, err)
		return
	}
	direction := capability.Direction(c.DefaultQuery("direction", string(capability.DirectionBoth)))
	edges, err := s.deps.GetDependencies(c.Request.Context(), models.CapabilityNodeID(id), direction)
	if err != nil {
		respondError(c, err)
		return
	}
	if edges == nil {
		edges = []models.Edge{}
	}
	c.JSON(http.StatusOK, gin.H{"capability_id": id, "dependencies": edges})
}

type addDependencyRequest struct {
	To       string `json:"to"`
	EdgeType string `json:"edge_type"`
	Source   string `json:"source"`
}

func (s *Server) handleAddDependency(c *gin.Context) {
	id, err := capabilityID(c)
	if err != nil {
		respondError(c, err)
		return
	}
	var req addDependencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, models.NewError(models.KindValidation, "invalid request body"))
		return
	}
	if req.To == "" || req.EdgeType == "" {
		respondError(c, models.NewError(models.KindValidation, "to and edge_type are required"))
		return
	}
	source := models.EdgeSource(req.Source)
	if req.Source == "" {
		source = models.EdgeSourceDeclared
	}

	edge, err := s.deps.AddDependency(c.Request.Context(),
		models.CapabilityNodeID(id), req.To, models.EdgeType(req.EdgeType), source)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, edge)
}

func (s *Server) handleRemoveDependency(c *gin.Context) {
	id, err := capabilityID(c)
	if err != nil {
		respondError(c, err)
		return
	}
	depID := c.Param("depId")
	if depID == "" {
		respondError(c, models.NewError(models.KindValidation, "dependency id is required"))
		return
	}
	if err := s.deps.RemoveDependency(c.Request.Context(), models.CapabilityNodeID(id), depID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": depID})
}

// capabilityID validates the :id path parameter as a UUID.
func capabilityID(c *gin.Context) (string, error) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		return "", models.NewError(models.KindValidation, "invalid capability id %q", id)
	}
	return id, nil
}

func intQuery(c *gin.Context, key string, defaultVal int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, models.NewError(models.KindValidation, "invalid %s %q", key, raw)
	}
	return n, nil
}
