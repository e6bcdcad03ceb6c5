package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"mapwall/internal/apperr"
	"mapwall/internal/ratelimit"
)

// Scope pairs a limiter with the request attribute it counts. An empty
// identity skips the scope.
type Scope struct {
	Limiter  *ratelimit.Limiter
	Identify func(c *gin.Context) string
}

func PerIP(l *ratelimit.Limiter) Scope {
	return Scope{Limiter: l, Identify: func(c *gin.Context) string { return c.ClientIP() }}
}

func PerUser(l *ratelimit.Limiter) Scope {
	return Scope{Limiter: l, Identify: Identity}
}

// RateLimit admits a request only when every scope allows it. Headers
// describe the tightest scope checked.
func RateLimit(scopes ...Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			tightest ratelimit.Result
			checked  bool
		)
		for _, scope := range scopes {
			identity := scope.Identify(c)
			if identity == "" || scope.Limiter == nil {
				continue
			}
			res := scope.Limiter.Check(c.Request.Context(), identity)
			if !checked || res.Remaining < tightest.Remaining || !res.Allowed {
				tightest = res
				checked = true
			}
			if !res.Allowed {
				writeLimitHeaders(c, res)
				retryAfter := int(time.Until(res.ResetAt).Round(time.Second).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				c.Header("Retry-After", strconv.Itoa(retryAfter))
				denied := &apperr.RateLimitedError{
					Scope:   scope.Limiter.Config().ScopePrefix,
					Limit:   res.Limit,
					ResetAt: res.ResetAt,
				}
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
					"error":   denied.Error(),
					"scope":   denied.Scope,
					"resetAt": denied.ResetAt.UTC(),
				})
				return
			}
		}
		if checked {
			writeLimitHeaders(c, tightest)
		}
		c.Next()
	}
}

func writeLimitHeaders(c *gin.Context, res ratelimit.Result) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}
