package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/celebrum-quant/internal/governance"
	"github.com/irfndi/celebrum-quant/internal/learning"
	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/irfndi/celebrum-quant/internal/outcomes"
	"github.com/irfndi/celebrum-quant/internal/services"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockHealthChecker struct {
	mock.Mock
}

func (m *MockHealthChecker) HealthCheck(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type stubResources struct{}

func (stubResources) Snapshot(context.Context) services.ResourceSnapshot {
	return services.ResourceSnapshot{CPUCores: 8, CPUUsage: 12.5, Goroutines: 42}
}

type MockGovernanceReader struct {
	mock.Mock
}

func (m *MockGovernanceReader) Current(ctx context.Context, mode models.Mode) (governance.Report, error) {
	args := m.Called(ctx, mode)
	return args.Get(0).(governance.Report), args.Error(1)
}

type MockModelReader struct {
	mock.Mock
}

func (m *MockModelReader) ActiveModel(ctx context.Context, mode models.Mode) (*models.ModelMetrics, *models.ModelVersion, error) {
	args := m.Called(ctx, mode)
	metrics, _ := args.Get(0).(*models.ModelMetrics)
	version, _ := args.Get(1).(*models.ModelVersion)
	return metrics, version, args.Error(2)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func serve(router *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealthHandler_HealthCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name     string
		dbErr    error
		redisErr error
		code     int
		status   string
	}{
		{"all healthy", nil, nil, http.StatusOK, "healthy"},
		{"database down", errors.New("connection refused"), nil, http.StatusServiceUnavailable, "unhealthy"},
		{"redis down", nil, errors.New("timeout"), http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := new(MockHealthChecker)
			db.On("HealthCheck", mock.Anything).Return(tt.dbErr)
			redis := new(MockHealthChecker)
			redis.On("HealthCheck", mock.Anything).Return(tt.redisErr)

			router := gin.New()
			h := NewHealthHandler(db, redis, stubResources{}, "1.2.3")
			router.GET("/health", h.HealthCheck)

			w := serve(router, "/health")
			assert.Equal(t, tt.code, w.Code)

			var resp HealthResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, "1.2.3", resp.Version)
			require.NotNil(t, resp.Resources)
			assert.Equal(t, 8, resp.Resources.CPUCores)
			if tt.dbErr != nil {
				assert.Contains(t, resp.Services["database"], "connection refused")
			}
			db.AssertExpectations(t)
			redis.AssertExpectations(t)
		})
	}
}

func TestHealthHandler_NotConfigured(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	h := NewHealthHandler(nil, nil, nil, "")
	router.GET("/health", h.HealthCheck)
	router.GET("/live", h.LivenessCheck)

	w := serve(router, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "not configured")

	assert.Equal(t, http.StatusOK, serve(router, "/live").Code)
}

func TestGovernanceHandler_GetMode(t *testing.T) {
	gin.SetMode(gin.TestMode)

	reader := new(MockGovernanceReader)
	reader.On("Current", mock.Anything, models.ModeSafe).Return(governance.Report{
		Health: models.StrategyHealth{Mode: models.ModeSafe, Score: 84, Status: models.StatusActive},
		State:  governance.NewLifecycleState(models.ModeSafe),
	}, nil)
	reader.On("Current", mock.Anything, models.ModeAggressive).Return(governance.Report{}, errors.New("db down"))

	router := gin.New()
	h := NewGovernanceHandler(reader, quietLogger())
	router.GET("/governance", h.List)
	router.GET("/governance/:mode", h.GetMode)

	w := serve(router, "/governance/safe")
	require.Equal(t, http.StatusOK, w.Code)
	var report governance.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 84.0, report.Health.Score)
	assert.Equal(t, models.StatusActive, report.Health.Status)

	assert.Equal(t, http.StatusBadRequest, serve(router, "/governance/yolo").Code)
	assert.Equal(t, http.StatusInternalServerError, serve(router, "/governance/aggressive").Code)
	assert.Equal(t, http.StatusInternalServerError, serve(router, "/governance").Code)
}

func TestGovernanceHandler_List(t *testing.T) {
	gin.SetMode(gin.TestMode)

	reader := new(MockGovernanceReader)
	for _, mode := range models.AllModes {
		reader.On("Current", mock.Anything, mode).Return(governance.Report{
			Health: models.StrategyHealth{Mode: mode, Status: models.StatusWatch, InsufficientData: true},
		}, nil)
	}

	router := gin.New()
	router.GET("/governance", NewGovernanceHandler(reader, quietLogger()).List)

	w := serve(router, "/governance")
	require.Equal(t, http.StatusOK, w.Code)
	var out map[models.Mode]governance.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Len(t, out, len(models.AllModes))
	assert.True(t, out[models.ModeAggressive].Health.InsufficientData)
}

func TestModelHandler_GetActive(t *testing.T) {
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	artifact := filepath.Join(dir, "SAFE_20250401_120000_abcd1234.json")
	manifest := learning.Manifest{
		ModelID:  "SAFE_20250401_120000_abcd1234",
		Mode:     models.ModeSafe,
		Features: []string{"momentum_15m"},
		Metrics:  models.ModelMetrics{AUC: 0.71, PrecisionAt3: 0.6},
	}
	raw, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(learning.ManifestPath(artifact), raw, 0o644))

	reader := new(MockModelReader)
	reader.On("ActiveModel", mock.Anything, models.ModeSafe).Return(
		&models.ModelMetrics{ModelID: manifest.ModelID, Mode: models.ModeSafe, AUC: 0.71, CreatedAt: time.Now().UTC()},
		&models.ModelVersion{ModelID: manifest.ModelID, Mode: models.ModeSafe, ArtifactPath: artifact, IsActive: true},
		nil)
	reader.On("ActiveModel", mock.Anything, models.ModeAggressive).Return(nil, nil, outcomes.ErrNoActiveModel)

	router := gin.New()
	router.GET("/models/:mode/active", NewModelHandler(reader, quietLogger()).GetActive)

	w := serve(router, "/models/SAFE/active")
	require.Equal(t, http.StatusOK, w.Code)
	var resp ActiveModelResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, manifest.ModelID, resp.Version.ModelID)
	require.NotNil(t, resp.Manifest)
	assert.Equal(t, 0.6, resp.Manifest.Metrics.PrecisionAt3)

	assert.Equal(t, http.StatusNotFound, serve(router, "/models/aggressive/active").Code)
	assert.Equal(t, http.StatusBadRequest, serve(router, "/models/other/active").Code)
}

func TestModelHandler_StoreFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)

	reader := new(MockModelReader)
	reader.On("ActiveModel", mock.Anything, models.ModeSafe).Return(nil, nil, errors.New("db down"))

	router := gin.New()
	router.GET("/models/:mode/active", NewModelHandler(reader, quietLogger()).GetActive)

	assert.Equal(t, http.StatusInternalServerError, serve(router, "/models/safe/active").Code)
}
