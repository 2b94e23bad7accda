package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stockfeed/stockfeed/pkg/telemetry"
)

var requestDuration = telemetry.NewHistogram("api.request_duration", "API handler latency")

// HandlerFunc handles one endpoint and returns the response body
type HandlerFunc func(c *gin.Context) (interface{}, error)

// created marks a result that should be answered with 201
type created struct {
	body interface{}
}

type errorResponse struct {
	Error *Error `json:"error"`
}

// handle adapts fn to gin, tracing the call and mapping errors to statuses
func (r *Router) handle(name string, fn HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		ctx, span := telemetry.StartSpan(c.Request.Context(), "api."+name)
		defer span.End()
		c.Request = c.Request.WithContext(ctx)
		defer func() {
			requestDuration.Observe(ctx, time.Since(started), "handler", name, "status", strconv.Itoa(c.Writer.Status()))
		}()

		result, err := fn(c)
		if err != nil {
			r.sendError(c, name, err)
			return
		}

		switch v := result.(type) {
		case created:
			c.JSON(http.StatusCreated, v.body)
		case nil:
			c.Status(http.StatusNoContent)
		default:
			c.JSON(http.StatusOK, v)
		}
	}
}

func (r *Router) sendError(c *gin.Context, name string, err error) {
	apiErr := toError(err)
	if apiErr.Code >= http.StatusInternalServerError {
		r.logger.Error("Request failed", zap.String("handler", name), zap.Error(err))
	} else {
		r.logger.Debug("Request rejected", zap.String("handler", name), zap.Int("status", apiErr.Code), zap.Error(err))
	}
	c.AbortWithStatusJSON(apiErr.Code, errorResponse{Error: apiErr})
}
