package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zehjotkah/rybbit-sub004/models"
)

// PercentileSet holds the fixed percentiles computed for each web vital.
type PercentileSet struct {
	P50 float64 `json:"p50"`
	P75 float64 `json:"p75"`
	P90 float64 `json:"p90"`
	P99 float64 `json:"p99"`
}

// PerformanceRow aggregates web-vital percentiles for one dimension value.
type PerformanceRow struct {
	Value      string        `json:"value"`
	EventCount uint64        `json:"event_count"`
	LCP        PercentileSet `json:"lcp"`
	CLS        PercentileSet `json:"cls"`
	INP        PercentileSet `json:"inp"`
	FCP        PercentileSet `json:"fcp"`
	TTFB       PercentileSet `json:"ttfb"`
}

var perfMetrics = []string{"lcp", "cls", "inp", "fcp", "ttfb"}

// performanceShapeSorts is built once: event_count, value, and every
// metric/percentile pair (e.g. "lcp_p75") mapped to an array element of the
// corresponding quantiles alias.
var performanceShapeSorts = func() map[string]string {
	sorts := map[string]string{
		"event_count": "event_count",
		"value":       "value",
	}
	percentiles := map[string]int{"p50": 1, "p75": 2, "p90": 3, "p99": 4}
	for _, m := range perfMetrics {
		for p, idx := range percentiles {
			sorts[fmt.Sprintf("%s_%s", m, p)] = fmt.Sprintf("%s_q[%d]", m, idx)
		}
	}
	return sorts
}()

// AggregatePerformance computes p50/p75/p90/p99 of each web vital grouped
// by the requested dimension. pathname is allowed here in its plain grouped
// form (no time-on-page machinery applies to performance events).
func (s *AnalyticsStore) AggregatePerformance(ctx context.Context, req AggregateRequest) (*AggregateResult, error) {
	now := time.Now()
	timeStmt, err := TimeStatement(req.Window, now)
	if err != nil {
		return nil, err
	}
	filterStmt, err := FilterStatement(req.Filters)
	if err != nil {
		return nil, err
	}
	expr, err := dimensionExpr(req.Dimension)
	if err != nil {
		return nil, err
	}

	where := combineStatements(
		fmt.Sprintf("site_id = %s", quoted(req.SiteID)),
		fmt.Sprintf("type = %s", quoted(models.EventTypePerformance)),
		timeStmt,
		filterStmt,
	)
	limit, offset := Paginate(req.Limit, req.Page)

	quantileCols := ""
	for _, m := range perfMetrics {
		quantileCols += fmt.Sprintf(",\n\t\t\tquantiles(0.5, 0.75, 0.9, 0.99)(%s) AS %s_q", m, m)
	}

	dataQuery := fmt.Sprintf(`
		SELECT %s AS value,
			count() AS event_count%s
		FROM events
		WHERE %s AND value != ''
		GROUP BY value
		ORDER BY %s
		LIMIT %d OFFSET %d
	`, expr, quantileCols, where, sortClause(performanceShapeSorts, req.SortBy, req.SortOrder, "event_count"), limit, offset)

	countQuery := fmt.Sprintf(`
		SELECT uniq(%s) FROM events WHERE %s AND %s != ''
	`, expr, where, expr)

	result := &AggregateResult{Rows: []any{}}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rows, err := s.DB.Conn.Query(gctx, dataQuery)
		if err != nil {
			log.Printf("Performance data query failed for site %s: %v\nquery: %s", req.SiteID, err, dataQuery)
			return fmt.Errorf("performance data query failed: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r PerformanceRow
			var lcp, cls, inp, fcp, ttfb []float64
			if err := rows.Scan(&r.Value, &r.EventCount, &lcp, &cls, &inp, &fcp, &ttfb); err != nil {
				return fmt.Errorf("failed to scan performance row: %w", err)
			}
			r.LCP = toPercentileSet(lcp)
			r.CLS = toPercentileSet(cls)
			r.INP = toPercentileSet(inp)
			r.FCP = toPercentileSet(fcp)
			r.TTFB = toPercentileSet(ttfb)
			result.Rows = append(result.Rows, r)
		}
		return rows.Err()
	})

	g.Go(func() error {
		if err := s.DB.Conn.QueryRow(gctx, countQuery).Scan(&result.TotalCount); err != nil {
			log.Printf("Performance count query failed for site %s: %v\nquery: %s", req.SiteID, err, countQuery)
			return fmt.Errorf("performance count query failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func toPercentileSet(q []float64) PercentileSet {
	if len(q) < 4 {
		return PercentileSet{}
	}
	return PercentileSet{P50: q[0], P75: q[1], P90: q[2], P99: q[3]}
}
