package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/trace-engine/internal/heuristics"
)

// POST /api/v1/labels
// Tags an address with an operator role. Traces computed afterwards carry
// the matching risk level on nodes for that address.
func (h *APIHandler) handleTagAddress(c *gin.Context) {
	var req struct {
		Address  string `json:"address" binding:"required,min=10,alphanum"`
		Label    string `json:"label" binding:"required"`
		Role     string `json:"role" binding:"required,role"`
		Notes    string `json:"notes"`
		TaggedBy string `json:"taggedBy"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": validationDetails(err)})
		return
	}

	saved, err := h.labels.UpsertLabel(c.Request.Context(), heuristics.AddressLabel{
		Address:  strings.TrimSpace(req.Address),
		Role:     req.Role,
		Label:    req.Label,
		Notes:    req.Notes,
		TaggedBy: req.TaggedBy,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save label", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "tagged",
		"label":     saved,
		"riskLevel": saved.RiskLevel(),
	})
}

// GET /api/v1/labels/:address
func (h *APIHandler) handleGetLabel(c *gin.Context) {
	l, err := h.labels.GetLabel(c.Request.Context(), c.Param("address"))
	if errors.Is(err, heuristics.ErrLabelNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Label not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch label", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, l)
}

// DELETE /api/v1/labels/:address
func (h *APIHandler) handleDeleteLabel(c *gin.Context) {
	if err := h.labels.DeleteLabel(c.Request.Context(), c.Param("address")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete label", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "address": c.Param("address")})
}

// GET /api/v1/labels?page=&limit=
func (h *APIHandler) handleListLabels(c *gin.Context) {
	// Parse pagination parameters
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	labels, totalCount, err := h.labels.ListLabels(c.Request.Context(), page, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list labels", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":       labels,
		"totalCount": totalCount,
		"page":       page,
		"limit":      limit,
	})
}
