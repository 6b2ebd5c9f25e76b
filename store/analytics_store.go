package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zehjotkah/rybbit-sub004/database"
	"github.com/zehjotkah/rybbit-sub004/models"
)

// AnalyticsStore reads and writes the columnar event store.
type AnalyticsStore struct {
	DB *database.ClickHouseClient
}

func NewAnalyticsStore(chClient *database.ClickHouseClient) *AnalyticsStore {
	return &AnalyticsStore{DB: chClient}
}

// InsertEvents bulk-inserts a batch of enriched events. One call produces
// exactly one ClickHouse insert.
func (s *AnalyticsStore) InsertEvents(ctx context.Context, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := s.DB.Conn.PrepareBatch(ctx, `
		INSERT INTO events (
			event_id, site_id, session_id, user_id, type, timestamp, hostname,
			pathname, querystring, page_title, referrer, channel, event_name,
			properties, browser, browser_version, operating_system,
			operating_system_version, device_type, screen_width, screen_height,
			language, country, region, city, lcp, cls, inp, fcp, ttfb
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch insert: %w", err)
	}

	for _, e := range events {
		err := batch.Append(
			e.EventID,
			e.SiteID,
			e.SessionID,
			e.UserID,
			e.Type,
			e.Timestamp,
			e.Hostname,
			e.Pathname,
			e.Querystring,
			e.PageTitle,
			e.Referrer,
			e.Channel,
			e.EventName,
			e.Properties,
			e.Browser,
			e.BrowserVer,
			e.OS,
			e.OSVersion,
			e.DeviceType,
			uint16(e.ScreenWidth),
			uint16(e.ScreenHeight),
			e.Language,
			e.Country,
			e.Region,
			e.City,
			e.LCP,
			e.CLS,
			e.INP,
			e.FCP,
			e.TTFB,
		)
		if err != nil {
			log.Printf("Error appending event to batch (EventID: %s): %v", e.EventID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// MonthlyEventCounts returns per-site event counts for the current calendar
// month. Used to maintain the over-quota set.
func (s *AnalyticsStore) MonthlyEventCounts(ctx context.Context) (map[string]uint64, error) {
	rows, err := s.DB.Conn.Query(ctx, `
		SELECT site_id, count() AS events
		FROM events
		WHERE timestamp >= toStartOfMonth(now())
		GROUP BY site_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query monthly event counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]uint64)
	for rows.Next() {
		var siteID string
		var n uint64
		if err := rows.Scan(&siteID, &n); err != nil {
			return nil, fmt.Errorf("failed to scan monthly count row: %w", err)
		}
		counts[siteID] = n
	}
	return counts, rows.Err()
}

// Ping verifies the ClickHouse connection.
func (s *AnalyticsStore) Ping(ctx context.Context) error {
	return s.DB.Conn.Ping(ctx)
}

// AggregateRequest is a declarative dimensional-aggregate query.
type AggregateRequest struct {
	SiteID    string
	Dimension string
	Filters   []Filter
	Window    TimeWindow
	Limit     int
	Page      int
	SortBy    string
	SortOrder string
}

// AggregateResult pairs one page of rows with the unpaginated distinct-value
// count computed under the same predicate.
type AggregateResult struct {
	Rows       []any  `json:"data"`
	TotalCount uint64 `json:"totalCount"`
}

// DefaultLimit bounds an aggregate page when the caller does not say.
const DefaultLimit = 100

// Row shapes returned by AggregateByDimension, one per query shape.
type DimensionRow struct {
	Value          string  `json:"value"`
	UniqueSessions uint64  `json:"unique_sessions"`
	Count          uint64  `json:"count"`
	Percentage     float64 `json:"percentage"`
}

type EntryExitRow struct {
	Value          string  `json:"value"`
	UniqueSessions uint64  `json:"unique_sessions"`
	Count          uint64  `json:"count"`
	BounceRate     float64 `json:"bounce_rate"`
}

type PathnameRow struct {
	Value          string  `json:"value"`
	UniqueSessions uint64  `json:"unique_sessions"`
	Count          uint64  `json:"count"`
	AvgTimeOnPage  float64 `json:"avg_time_on_page"`
	BounceRate     float64 `json:"bounce_rate"`
}

type EventNameRow struct {
	Value          string `json:"value"`
	UniqueSessions uint64 `json:"unique_sessions"`
	Count          uint64 `json:"count"`
}

// sortColumns maps valid sortBy values to ORDER BY expressions per shape.
// An unknown sortBy silently falls back to the shape's default sort, so no
// unvalidated identifier ever reaches the query string.
var (
	defaultShapeSorts = map[string]string{
		"count":           "count",
		"unique_sessions": "unique_sessions",
		"percentage":      "percentage",
		"value":           "value",
	}
	entryExitShapeSorts = map[string]string{
		"count":           "count",
		"unique_sessions": "unique_sessions",
		"bounce_rate":     "bounce_rate",
		"value":           "value",
	}
	pathnameShapeSorts = map[string]string{
		"count":            "count",
		"unique_sessions":  "unique_sessions",
		"avg_time_on_page": "avg_time_on_page",
		"bounce_rate":      "bounce_rate",
		"value":            "value",
	}
	eventNameShapeSorts = map[string]string{
		"count":           "count",
		"unique_sessions": "unique_sessions",
		"value":           "value",
	}
)

// sortClause validates sortBy/sortOrder against a shape's allow-list.
func sortClause(allowed map[string]string, sortBy, sortOrder, fallback string) string {
	col, ok := allowed[sortBy]
	if !ok {
		col = fallback
	}
	order := "DESC"
	if sortOrder == "asc" {
		order = "ASC"
	}
	return fmt.Sprintf("%s %s", col, order)
}

// Paginate normalizes limit/page and computes the offset.
func Paginate(limit, page int) (int, int) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}

// dimensionExpr resolves an aggregation dimension to a column expression
// for the default query shape.
func dimensionExpr(dimension string) (string, error) {
	if expr, ok := filterColumns[dimension]; ok {
		return expr, nil
	}
	if urlParamFilters[dimension] {
		return fmt.Sprintf("extractURLParameter(querystring, '%s')", dimension), nil
	}
	return "", fmt.Errorf("unsupported dimension %q", dimension)
}

// ValidDimension reports whether a parameter can serve as a grouping
// dimension in the column-mapped query shapes.
func ValidDimension(dimension string) bool {
	_, err := dimensionExpr(dimension)
	return err == nil
}

// AggregateByDimension computes grouped aggregates for one dimension. The
// data query (paginated, ordered) and the count query (unbounded distinct
// count) run concurrently and share the same predicate, so totalCount is
// always consistent with the page contents.
func (s *AnalyticsStore) AggregateByDimension(ctx context.Context, req AggregateRequest) (*AggregateResult, error) {
	now := time.Now()
	timeStmt, err := TimeStatement(req.Window, now)
	if err != nil {
		return nil, err
	}
	filterStmt, err := FilterStatement(req.Filters)
	if err != nil {
		return nil, err
	}

	var dataQuery, countQuery string
	var scan func(rows rowScanner) (any, error)

	switch req.Dimension {
	case "entry_page", "exit_page":
		dataQuery, countQuery = s.entryExitQueries(req, timeStmt, filterStmt)
		scan = scanEntryExitRow
	case "pathname":
		dataQuery, countQuery = s.pathnameQueries(req, timeStmt, filterStmt)
		scan = scanPathnameRow
	case "page_title":
		dataQuery, countQuery = s.pageTitleQueries(req, timeStmt, filterStmt)
		scan = scanEntryExitRow
	case "event_name":
		dataQuery, countQuery = s.eventNameQueries(req, timeStmt, filterStmt)
		scan = scanEventNameRow
	default:
		dataQuery, countQuery, err = s.defaultQueries(req, timeStmt, filterStmt)
		if err != nil {
			return nil, err
		}
		scan = scanDimensionRow
	}

	result := &AggregateResult{Rows: []any{}}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rows, err := s.DB.Conn.Query(gctx, dataQuery)
		if err != nil {
			log.Printf("Aggregate data query failed for site %s: %v\nquery: %s", req.SiteID, err, dataQuery)
			return fmt.Errorf("aggregate data query failed: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			row, err := scan(rows)
			if err != nil {
				return fmt.Errorf("failed to scan aggregate row: %w", err)
			}
			result.Rows = append(result.Rows, row)
		}
		return rows.Err()
	})

	g.Go(func() error {
		if err := s.DB.Conn.QueryRow(gctx, countQuery).Scan(&result.TotalCount); err != nil {
			log.Printf("Aggregate count query failed for site %s: %v\nquery: %s", req.SiteID, err, countQuery)
			return fmt.Errorf("aggregate count query failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// rowScanner is the subset of clickhouse row iteration used by scan funcs.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDimensionRow(rows rowScanner) (any, error) {
	var r DimensionRow
	if err := rows.Scan(&r.Value, &r.UniqueSessions, &r.Count, &r.Percentage); err != nil {
		return nil, err
	}
	return r, nil
}

func scanEntryExitRow(rows rowScanner) (any, error) {
	var r EntryExitRow
	if err := rows.Scan(&r.Value, &r.UniqueSessions, &r.Count, &r.BounceRate); err != nil {
		return nil, err
	}
	return r, nil
}

func scanPathnameRow(rows rowScanner) (any, error) {
	var r PathnameRow
	if err := rows.Scan(&r.Value, &r.UniqueSessions, &r.Count, &r.AvgTimeOnPage, &r.BounceRate); err != nil {
		return nil, err
	}
	return r, nil
}

func scanEventNameRow(rows rowScanner) (any, error) {
	var r EventNameRow
	if err := rows.Scan(&r.Value, &r.UniqueSessions, &r.Count); err != nil {
		return nil, err
	}
	return r, nil
}

// pageviewPredicate is the shared WHERE body for pageview-based shapes.
func pageviewPredicate(siteID, timeStmt, filterStmt string) string {
	return combineStatements(
		fmt.Sprintf("site_id = %s", quoted(siteID)),
		fmt.Sprintf("type = %s", quoted(models.EventTypePageview)),
		timeStmt,
		filterStmt,
	)
}

func (s *AnalyticsStore) defaultQueries(req AggregateRequest, timeStmt, filterStmt string) (string, string, error) {
	expr, err := dimensionExpr(req.Dimension)
	if err != nil {
		return "", "", err
	}
	where := pageviewPredicate(req.SiteID, timeStmt, filterStmt)
	limit, offset := Paginate(req.Limit, req.Page)

	dataQuery := fmt.Sprintf(`
		SELECT %s AS value,
			uniq(session_id) AS unique_sessions,
			count() AS count,
			round(uniq(session_id) * 100.0 / sum(uniq(session_id)) OVER (), 2) AS percentage
		FROM events
		WHERE %s AND value != ''
		GROUP BY value
		ORDER BY %s
		LIMIT %d OFFSET %d
	`, expr, where, sortClause(defaultShapeSorts, req.SortBy, req.SortOrder, "count"), limit, offset)

	countQuery := fmt.Sprintf(`
		SELECT uniq(%s) FROM events WHERE %s AND %s != ''
	`, expr, where, expr)

	return dataQuery, countQuery, nil
}

// entryExitQueries compute per-session first/last pageviews via a
// row-numbering window partitioned by session, then join per-session
// pageview counts for the bounce rate (sessions with exactly one pageview).
func (s *AnalyticsStore) entryExitQueries(req AggregateRequest, timeStmt, filterStmt string) (string, string) {
	direction := "ASC"
	if req.Dimension == "exit_page" {
		direction = "DESC"
	}
	where := pageviewPredicate(req.SiteID, timeStmt, filterStmt)
	unfiltered := pageviewPredicate(req.SiteID, timeStmt, "")
	limit, offset := Paginate(req.Limit, req.Page)

	dataQuery := fmt.Sprintf(`
		WITH boundary_events AS (
			SELECT session_id, pathname,
				row_number() OVER (PARTITION BY session_id ORDER BY timestamp %s) AS row_num
			FROM events
			WHERE %s
		),
		session_counts AS (
			SELECT session_id, count() AS pageviews
			FROM events
			WHERE %s
			GROUP BY session_id
		)
		SELECT pathname AS value,
			uniq(session_id) AS unique_sessions,
			count() AS count,
			round(uniqIf(session_id, pageviews = 1) * 100.0 / uniq(session_id), 2) AS bounce_rate
		FROM boundary_events
		INNER JOIN session_counts USING (session_id)
		WHERE row_num = 1
		GROUP BY value
		ORDER BY %s
		LIMIT %d OFFSET %d
	`, direction, where, unfiltered, sortClause(entryExitShapeSorts, req.SortBy, req.SortOrder, "unique_sessions"), limit, offset)

	countQuery := fmt.Sprintf(`
		SELECT uniq(value) FROM (
			SELECT pathname AS value,
				row_number() OVER (PARTITION BY session_id ORDER BY timestamp %s) AS row_num
			FROM events
			WHERE %s
		) WHERE row_num = 1
	`, direction, where)

	return dataQuery, countQuery
}

// pathnameQueries compute per-event time-on-page as the delta to the next
// event in the same session (lead window), clamped to [0, 1800] seconds.
func (s *AnalyticsStore) pathnameQueries(req AggregateRequest, timeStmt, filterStmt string) (string, string) {
	where := pageviewPredicate(req.SiteID, timeStmt, filterStmt)
	unfiltered := pageviewPredicate(req.SiteID, timeStmt, "")
	limit, offset := Paginate(req.Limit, req.Page)

	dataQuery := fmt.Sprintf(`
		WITH page_events AS (
			SELECT session_id, pathname, timestamp,
				leadInFrame(timestamp) OVER (
					PARTITION BY session_id ORDER BY timestamp ASC
					ROWS BETWEEN CURRENT ROW AND UNBOUNDED FOLLOWING
				) AS next_ts
			FROM events
			WHERE %s
		),
		session_counts AS (
			SELECT session_id, count() AS pageviews
			FROM events
			WHERE %s
			GROUP BY session_id
		)
		SELECT pathname AS value,
			uniq(session_id) AS unique_sessions,
			count() AS count,
			round(avgIf(greatest(least(dateDiff('second', timestamp, next_ts), 1800), 0), next_ts > timestamp), 2) AS avg_time_on_page,
			round(uniqIf(session_id, pageviews = 1) * 100.0 / uniq(session_id), 2) AS bounce_rate
		FROM page_events
		INNER JOIN session_counts USING (session_id)
		GROUP BY value
		ORDER BY %s
		LIMIT %d OFFSET %d
	`, where, unfiltered, sortClause(pathnameShapeSorts, req.SortBy, req.SortOrder, "count"), limit, offset)

	countQuery := fmt.Sprintf(`
		SELECT uniq(pathname) FROM events WHERE %s
	`, where)

	return dataQuery, countQuery
}

// pageTitleQueries join per-session pageview counts to attach a bounce rate
// to each represented title.
func (s *AnalyticsStore) pageTitleQueries(req AggregateRequest, timeStmt, filterStmt string) (string, string) {
	where := pageviewPredicate(req.SiteID, timeStmt, filterStmt)
	unfiltered := pageviewPredicate(req.SiteID, timeStmt, "")
	limit, offset := Paginate(req.Limit, req.Page)

	dataQuery := fmt.Sprintf(`
		WITH session_counts AS (
			SELECT session_id, count() AS pageviews
			FROM events
			WHERE %s
			GROUP BY session_id
		)
		SELECT page_title AS value,
			uniq(session_id) AS unique_sessions,
			count() AS count,
			round(uniqIf(session_id, pageviews = 1) * 100.0 / uniq(session_id), 2) AS bounce_rate
		FROM events
		INNER JOIN session_counts USING (session_id)
		WHERE %s AND value != ''
		GROUP BY value
		ORDER BY %s
		LIMIT %d OFFSET %d
	`, unfiltered, where, sortClause(entryExitShapeSorts, req.SortBy, req.SortOrder, "count"), limit, offset)

	countQuery := fmt.Sprintf(`
		SELECT uniq(page_title) FROM events WHERE %s AND page_title != ''
	`, where)

	return dataQuery, countQuery
}

// eventNameQueries group custom events by name.
func (s *AnalyticsStore) eventNameQueries(req AggregateRequest, timeStmt, filterStmt string) (string, string) {
	where := combineStatements(
		fmt.Sprintf("site_id = %s", quoted(req.SiteID)),
		fmt.Sprintf("type = %s", quoted(models.EventTypeCustomEvent)),
		timeStmt,
		filterStmt,
	)
	limit, offset := Paginate(req.Limit, req.Page)

	dataQuery := fmt.Sprintf(`
		SELECT event_name AS value,
			uniq(session_id) AS unique_sessions,
			count() AS count
		FROM events
		WHERE %s AND value != ''
		GROUP BY value
		ORDER BY %s
		LIMIT %d OFFSET %d
	`, where, sortClause(eventNameShapeSorts, req.SortBy, req.SortOrder, "count"), limit, offset)

	countQuery := fmt.Sprintf(`
		SELECT uniq(event_name) FROM events WHERE %s AND event_name != ''
	`, where)

	return dataQuery, countQuery
}
