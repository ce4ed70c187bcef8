package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/M-Rafay/ocr-api/internal/logging"
	"github.com/M-Rafay/ocr-api/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
)

// UserIDKey is the gin context key holding the admitted caller's id
const UserIDKey = "quota_user_id"

// UsageCounter reports how many metered calls a user made this month
type UsageCounter interface {
	CountThisMonth(ctx context.Context, userID string) (int, error)
}

// IdentityExtractor pulls the caller's user id out of a request.
// An empty result means the identity is unknown.
type IdentityExtractor func(c *gin.Context) string

// FromJSONBody reads a string field from a JSON body. The body is cached
// in the context, so handlers must bind it with ShouldBindBodyWith.
func FromJSONBody(field string) IdentityExtractor {
	return func(c *gin.Context) string {
		var body map[string]interface{}
		if err := c.ShouldBindBodyWith(&body, binding.JSON); err != nil {
			return ""
		}
		id, _ := body[field].(string)
		return strings.TrimSpace(id)
	}
}

// FromQueryOrForm reads a query parameter, falling back to a form field
func FromQueryOrForm(name string) IdentityExtractor {
	return func(c *gin.Context) string {
		if id := strings.TrimSpace(c.Query(name)); id != "" {
			return id
		}
		return strings.TrimSpace(c.PostForm(name))
	}
}

// FromPathParam reads a route parameter
func FromPathParam(name string) IdentityExtractor {
	return func(c *gin.Context) string {
		return strings.TrimSpace(c.Param(name))
	}
}

// QuotaGate admits or rejects requests against a fixed monthly limit.
//
// The count check and the usage write that happens later in the handler
// are not atomic: concurrent requests at the boundary can all observe
// limit-1 and all be admitted.
type QuotaGate struct {
	counter UsageCounter
	limit   int
	exempt  map[string]struct{}
	routes  map[string]IdentityExtractor
	logger  *logging.Logger
}

// NewQuotaGate creates a gate allowing limit calls per user per UTC month
func NewQuotaGate(counter UsageCounter, limit int, logger *logging.Logger) *QuotaGate {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &QuotaGate{
		counter: counter,
		limit:   limit,
		exempt:  make(map[string]struct{}),
		routes:  make(map[string]IdentityExtractor),
		logger:  logger,
	}
}

// Exempt admits the given request paths without consulting the ledger
func (g *QuotaGate) Exempt(paths ...string) *QuotaGate {
	for _, p := range paths {
		g.exempt[p] = struct{}{}
	}
	return g
}

// Meter registers the identity contract for a route pattern, e.g.
// Meter(http.MethodGet, "/history/:user_id", FromPathParam("user_id")).
func (g *QuotaGate) Meter(method, route string, extract IdentityExtractor) *QuotaGate {
	g.routes[method+" "+route] = extract
	return g
}

// Handler returns the gin middleware
func (g *QuotaGate) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := g.exempt[c.Request.URL.Path]; ok {
			metrics.RecordQuotaDecision(metrics.DecisionExempt)
			c.Next()
			return
		}

		route := c.FullPath()
		extract, ok := g.routes[c.Request.Method+" "+route]
		if !ok {
			c.Next()
			return
		}

		userID := extract(c)
		if userID == "" {
			metrics.RecordQuotaDecision(metrics.DecisionAnonymous)
			c.Next()
			return
		}

		used, err := g.counter.CountThisMonth(c.Request.Context(), userID)
		if err != nil {
			metrics.RecordQuotaDecision(metrics.DecisionError)
			g.logger.WithUserID(userID).ErrorWithErr("Quota check failed", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": "Failed to check quota"})
			return
		}

		if used >= g.limit {
			metrics.RecordQuotaDecision(metrics.DecisionRejected)
			g.logger.LogQuotaDecision(userID, route, metrics.DecisionRejected, used, g.limit)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"detail": fmt.Sprintf("Monthly quota exceeded (%d requests)", g.limit),
			})
			return
		}

		metrics.RecordQuotaDecision(metrics.DecisionAdmitted)
		g.logger.LogQuotaDecision(userID, route, metrics.DecisionAdmitted, used, g.limit)
		c.Set(UserIDKey, userID)
		c.Next()
	}
}

// GetUserID returns the identity admitted by the quota gate
func GetUserID(c *gin.Context) (string, bool) {
	userID, exists := c.Get(UserIDKey)
	if !exists {
		return "", false
	}
	id, ok := userID.(string)
	return id, ok
}
