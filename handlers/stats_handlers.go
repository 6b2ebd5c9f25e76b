package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zehjotkah/rybbit-sub004/store"
)

// Aggregator is the query-engine surface used by the stats endpoints.
type Aggregator interface {
	AggregateByDimension(ctx context.Context, req store.AggregateRequest) (*store.AggregateResult, error)
	AggregatePerformance(ctx context.Context, req store.AggregateRequest) (*store.AggregateResult, error)
}

type StatsHandlers struct {
	Analytics Aggregator
}

func NewStatsHandlers(analytics Aggregator) *StatsHandlers {
	return &StatsHandlers{Analytics: analytics}
}

// dimensions valid for the generalized single-column endpoint, beyond the
// column-mapped and url-parameter ones validated by the store builders.
var syntheticDimensions = map[string]bool{
	"entry_page": true,
	"exit_page":  true,
	"event_name": true,
}

// parseAggregateRequest reads the shared query parameters: parameter,
// filters (JSON array of {parameter,type,value[]}), the time window, and
// pagination/sorting.
func parseAggregateRequest(c *gin.Context) (store.AggregateRequest, bool) {
	req := store.AggregateRequest{
		SiteID:    c.Param("site"),
		Dimension: c.Query("parameter"),
		SortBy:    c.Query("sortBy"),
		SortOrder: c.Query("sortOrder"),
		Window: store.TimeWindow{
			StartDate: c.Query("startDate"),
			EndDate:   c.Query("endDate"),
			TimeZone:  c.Query("timeZone"),
		},
	}

	if raw := c.Query("filters"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Filters); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid filters: must be a JSON array of {parameter, type, value}"})
			return req, false
		}
	}

	// Invalid or absent limit/page silently take the hard defaults.
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		req.Limit = v
	}
	if v, err := strconv.Atoi(c.Query("page")); err == nil && v > 0 {
		req.Page = v
	}
	if v, err := strconv.Atoi(c.Query("pastMinutesStart")); err == nil && v > 0 {
		req.Window.PastMinutesStart = v
	}
	if v, err := strconv.Atoi(c.Query("pastMinutesEnd")); err == nil && v > 0 {
		req.Window.PastMinutesEnd = v
	}
	return req, true
}

// GetSingleCol is GET /api/single-col/:site. One generalized dimensional
// aggregate: rows plus the unpaginated distinct count.
func (h *StatsHandlers) GetSingleCol(c *gin.Context) {
	req, ok := parseAggregateRequest(c)
	if !ok {
		return
	}
	if req.Dimension == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "parameter query parameter is required"})
		return
	}
	if !syntheticDimensions[req.Dimension] && !store.ValidDimension(req.Dimension) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Unsupported parameter"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	result, err := h.Analytics.AggregateByDimension(ctx, req)
	if err != nil {
		// The store logs the offending query; the client only sees a
		// generic failure.
		log.Printf("Error aggregating %s for site %s: %v", req.Dimension, req.SiteID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to retrieve statistics"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

// GetPerformanceByDimension is GET /api/performance/by-dimension/:site.
func (h *StatsHandlers) GetPerformanceByDimension(c *gin.Context) {
	req, ok := parseAggregateRequest(c)
	if !ok {
		return
	}
	if req.Dimension == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "parameter query parameter is required"})
		return
	}
	if !store.ValidDimension(req.Dimension) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Unsupported parameter"})
		return
	}
	h.servePerformance(c, req)
}

// GetPerformanceByPath is GET /api/performance/by-path/:site, a fixed-shape
// variant grouping web vitals by pathname.
func (h *StatsHandlers) GetPerformanceByPath(c *gin.Context) {
	req, ok := parseAggregateRequest(c)
	if !ok {
		return
	}
	req.Dimension = "pathname"
	h.servePerformance(c, req)
}

func (h *StatsHandlers) servePerformance(c *gin.Context, req store.AggregateRequest) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	result, err := h.Analytics.AggregatePerformance(ctx, req)
	if err != nil {
		log.Printf("Error aggregating performance %s for site %s: %v", req.Dimension, req.SiteID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to retrieve performance statistics"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}
