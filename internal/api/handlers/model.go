package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/celebrum-quant/internal/learning"
	"github.com/irfndi/celebrum-quant/internal/middleware"
	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/irfndi/celebrum-quant/internal/outcomes"
	"github.com/sirupsen/logrus"
)

// ModelReader looks up the active model of a mode.
type ModelReader interface {
	ActiveModel(ctx context.Context, mode models.Mode) (*models.ModelMetrics, *models.ModelVersion, error)
}

type ModelHandler struct {
	reader ModelReader
	logger *logrus.Logger
}

type ActiveModelResponse struct {
	Metrics  *models.ModelMetrics `json:"metrics"`
	Version  *models.ModelVersion `json:"version"`
	Manifest *learning.Manifest   `json:"manifest,omitempty"`
}

func NewModelHandler(reader ModelReader, logger *logrus.Logger) *ModelHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ModelHandler{reader: reader, logger: logger}
}

// GetActive serves GET /models/:mode/active. The manifest is attached when
// it can be read from disk.
func (h *ModelHandler) GetActive(c *gin.Context) {
	mode, err := models.ParseMode(c.Param("mode"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	metrics, version, err := h.reader.ActiveModel(c.Request.Context(), mode)
	if errors.Is(err, outcomes.ErrNoActiveModel) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active model for " + string(mode)})
		return
	}
	if err != nil {
		h.logger.WithFields(logrus.Fields{"mode": mode, "error": err.Error()}).Error("Failed to load active model")
		middleware.RecordError(c, err, "active model lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load active model"})
		return
	}

	resp := ActiveModelResponse{Metrics: metrics, Version: version}
	if manifest, err := learning.LoadManifest(learning.ManifestPath(version.ArtifactPath)); err == nil {
		resp.Manifest = manifest
	} else {
		h.logger.WithFields(logrus.Fields{"model_id": version.ModelID, "error": err.Error()}).Debug("Manifest unavailable")
	}
	c.JSON(http.StatusOK, resp)
}
