package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler exposes the default registry on the API router
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
