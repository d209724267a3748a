package api

import (
	"errors"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/pml-dev/gateway/pkg/models"
)

// respondError maps a gateway error onto the JSON error envelope. Internal
// errors are logged and masked.
func respondError(c *gin.Context, err error) {
	status := models.HTTPStatus(err)
	kind := models.KindOf(err)
	message := err.Error()
	var ge *models.GatewayError
	if errors.As(err, &ge) {
		message = ge.Message
	}
	if kind == models.KindInternal {
		slog.Error("Unexpected handler error", "path", c.FullPath(), "error", err)
		message = "internal server error"
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":   string(kind),
		"message": message,
	})
}
