package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/celebrum-quant/internal/api"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

type okChecker struct{}

func (okChecker) HealthCheck(context.Context) error { return nil }

func TestNewRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	router := newRouter(logger, api.Dependencies{DB: okChecker{}, Redis: okChecker{}, Version: "test"})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":"test"`)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/governance", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNewRouter_RecoversFromPanics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	router := newRouter(logger, api.Dependencies{})
	router.GET("/boom", func(*gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
