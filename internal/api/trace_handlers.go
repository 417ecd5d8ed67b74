package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/rawblock/trace-engine/internal/heuristics"
	"github.com/rawblock/trace-engine/pkg/models"
)

// traceRequest is the wire form of a trace request.
type traceRequest struct {
	Address string `json:"address" binding:"required,min=10,alphanum"`
	Chain   string `json:"chain" binding:"omitempty,chain"`
	Depth   *int   `json:"depth" binding:"omitempty,min=1,max=10"`
}

func (r traceRequest) toModel() models.TraceRequest {
	req := models.TraceRequest{Address: strings.TrimSpace(r.Address)}
	if chain, ok := models.ParseChain(r.Chain); ok {
		req.Chain = chain
	}
	if r.Depth != nil {
		req.Depth = *r.Depth
	}
	return req
}

// POST /api/v1/trace
// Runs (or serves from cache) the transfer trace of one address.
func (h *APIHandler) handleTrace(c *gin.Context) {
	var req traceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": validationDetails(err),
		})
		return
	}

	result, err := h.tracer.Trace(c.Request.Context(), req.toModel())
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		c.JSON(status, gin.H{"error": "Trace was cancelled before completion"})
		return
	}

	c.JSON(http.StatusOK, result)
}

// GET /api/v1/trace/history?limit=n
// Returns the most recent cached traces, newest first.
func (h *APIHandler) handleTraceHistory(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
		return
	}

	items := h.tracer.RecentResults(limit)
	if items == nil {
		items = []models.TraceResult{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// validationDetails flattens binding errors into one message per field.
func validationDetails(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	details := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field()[:1]) + fe.Field()[1:]
		switch fe.Tag() {
		case "required":
			details = append(details, field+" is required")
		case "min", "max":
			details = append(details, fmt.Sprintf("%s fails %s=%s", field, fe.Tag(), fe.Param()))
		case "alphanum":
			details = append(details, field+" must be alphanumeric")
		case "chain":
			details = append(details, fmt.Sprintf("%s must be one of %v", field, models.SupportedChains))
		case "role":
			details = append(details, fmt.Sprintf("%s must be one of %v", field, heuristics.KnownRoles))
		default:
			details = append(details, fmt.Sprintf("%s is invalid (%s)", field, fe.Tag()))
		}
	}
	return details
}
