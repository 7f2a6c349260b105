package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/celebrum-quant/internal/governance"
	"github.com/irfndi/celebrum-quant/internal/middleware"
	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/sirupsen/logrus"
)

// GovernanceReader returns the current health of a mode without advancing
// its lifecycle.
type GovernanceReader interface {
	Current(ctx context.Context, mode models.Mode) (governance.Report, error)
}

type GovernanceHandler struct {
	reader GovernanceReader
	logger *logrus.Logger
}

func NewGovernanceHandler(reader GovernanceReader, logger *logrus.Logger) *GovernanceHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &GovernanceHandler{reader: reader, logger: logger}
}

// GetMode serves GET /governance/:mode.
func (h *GovernanceHandler) GetMode(c *gin.Context) {
	mode, err := models.ParseMode(c.Param("mode"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	report, err := h.reader.Current(c.Request.Context(), mode)
	if err != nil {
		h.logger.WithFields(logrus.Fields{"mode": mode, "error": err.Error()}).Error("Failed to evaluate strategy health")
		middleware.RecordError(c, err, "strategy health evaluation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to evaluate strategy health"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// List serves GET /governance with one report per mode.
func (h *GovernanceHandler) List(c *gin.Context) {
	out := make(map[models.Mode]governance.Report, len(models.AllModes))
	for _, mode := range models.AllModes {
		report, err := h.reader.Current(c.Request.Context(), mode)
		if err != nil {
			h.logger.WithFields(logrus.Fields{"mode": mode, "error": err.Error()}).Error("Failed to evaluate strategy health")
			middleware.RecordError(c, err, "strategy health evaluation failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to evaluate strategy health"})
			return
		}
		out[mode] = report
	}
	c.JSON(http.StatusOK, out)
}
