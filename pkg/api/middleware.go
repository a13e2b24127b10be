package api

import (
	"crypto/subtle"
	"errors"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/bayhq/bay/pkg/bayerr"
	"github.com/bayhq/bay/pkg/metrics"
)

const (
	ownerHeader  = "X-Bay-Owner"
	defaultOwner = "default"
)

// errorBody is the single error envelope every failure surfaces as.
type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// fail translates a kind-tagged error into its HTTP rendering.
func fail(c *gin.Context, err error) {
	kind := bayerr.KindOf(err)
	body := errorBody{Code: string(kind), Message: err.Error()}
	var be *bayerr.Error
	if errors.As(err, &be) {
		body.Message = be.Message
		body.Details = be.Details
	}
	c.AbortWithStatusJSON(bayerr.HTTPStatus(kind), body)
}

// auth enforces the bearer token. An empty configured key disables auth,
// which is only sensible for local development.
func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.APIKey == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			fail(c, bayerr.E(bayerr.KindUnauthorized, "missing bearer token"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.APIKey)) != 1 {
			fail(c, bayerr.E(bayerr.KindUnauthorized, "invalid bearer token"))
			return
		}
		c.Next()
	}
}

// owner resolves the caller principal for the request.
func owner(c *gin.Context) string {
	if o := c.GetHeader(ownerHeader); o != "" {
		return o
	}
	return defaultOwner
}

// observe records request metrics for every route.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := metrics.NewTimer()
		c.Next()
		method := c.Request.Method
		metrics.APIRequestsTotal.WithLabelValues(method, strconv.Itoa(c.Writer.Status())).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, method)
	}
}
