package main

import (
	"net/http"

	"github.com/M-Rafay/ocr-api/internal/logging"
	"github.com/M-Rafay/ocr-api/internal/metrics"
	"github.com/M-Rafay/ocr-api/internal/middleware"
	"github.com/M-Rafay/ocr-api/internal/tracing"
	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"
)

// Route patterns
const (
	routeHealth      = "/health"
	routeMetrics     = "/metrics"
	routeExtractText = "/extract-text"
	routeUploadPDF   = "/upload-pdf"
	routeHistory     = "/history/:user_id"
)

// newQuotaGate declares how each metered route identifies its caller
func newQuotaGate(counter middleware.UsageCounter, limit int, logger *logging.Logger) *middleware.QuotaGate {
	return middleware.NewQuotaGate(counter, limit, logger).
		Exempt(routeHealth, routeMetrics).
		Meter(http.MethodPost, routeExtractText, middleware.FromJSONBody("user_id")).
		Meter(http.MethodPost, routeUploadPDF, middleware.FromQueryOrForm("user_id")).
		Meter(http.MethodGet, routeHistory, middleware.FromPathParam("user_id"))
}

func setupRouter(api *API, gate *middleware.QuotaGate, logger *logging.Logger, tracer opentracing.Tracer) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())
	router.Use(middleware.Logger(logger))
	if tracer != nil {
		router.Use(tracing.Middleware(tracer))
	}
	router.Use(gate.Handler())

	router.GET(routeHealth, api.healthCheck)
	router.GET(routeMetrics, metrics.Handler())

	router.POST(routeExtractText, api.extractText)
	router.POST(routeUploadPDF, api.uploadPDF)
	router.GET(routeHistory, api.getHistory)

	return router
}
