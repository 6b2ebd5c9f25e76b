package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPaginate(t *testing.T) {
	limit, offset := Paginate(0, 0)
	require.Equal(t, DefaultLimit, limit)
	require.Equal(t, 0, offset)

	limit, offset = Paginate(10, 3)
	require.Equal(t, 10, limit)
	require.Equal(t, 20, offset)

	limit, offset = Paginate(-5, -2)
	require.Equal(t, DefaultLimit, limit)
	require.Equal(t, 0, offset)
}

func TestSortClause(t *testing.T) {
	require.Equal(t, "count DESC", sortClause(defaultShapeSorts, "count", "desc", "count"))
	require.Equal(t, "unique_sessions ASC", sortClause(defaultShapeSorts, "unique_sessions", "asc", "count"))
	// Unknown sortBy silently falls back to the default column.
	require.Equal(t, "count DESC", sortClause(defaultShapeSorts, "count; DROP TABLE events", "desc", "count"))
	// Unknown sortOrder falls back to DESC.
	require.Equal(t, "count DESC", sortClause(defaultShapeSorts, "count", "sideways", "count"))
}

func TestValidDimension(t *testing.T) {
	for _, dim := range []string{"pathname", "country", "browser", "channel", "utm_source", "dimensions"} {
		require.True(t, ValidDimension(dim), dim)
	}
	for _, dim := range []string{"", "timestamp", "site_id; --", "entry_page"} {
		require.False(t, ValidDimension(dim), dim)
	}
}

func TestDefaultQueries(t *testing.T) {
	s := &AnalyticsStore{}
	req := AggregateRequest{
		SiteID:    "site-1",
		Dimension: "country",
		Limit:     25,
		Page:      2,
		SortBy:    "unique_sessions",
		SortOrder: "asc",
	}
	data, count, err := s.defaultQueries(req, "timestamp >= toDateTime('2024-06-01 00:00:00', 'UTC')", "(browser = 'Chrome')")
	require.NoError(t, err)

	require.Contains(t, data, "country AS value")
	require.Contains(t, data, "site_id = 'site-1'")
	require.Contains(t, data, "type = 'pageview'")
	require.Contains(t, data, "(browser = 'Chrome')")
	require.Contains(t, data, "GROUP BY value")
	require.Contains(t, data, "ORDER BY unique_sessions ASC")
	require.Contains(t, data, "LIMIT 25 OFFSET 25")
	require.Contains(t, data, "sum(uniq(session_id)) OVER ()")

	// The count query shares the exact same predicate.
	require.Contains(t, count, "uniq(country)")
	require.Contains(t, count, "site_id = 'site-1'")
	require.Contains(t, count, "(browser = 'Chrome')")
	require.NotContains(t, count, "LIMIT")
}

func TestDefaultQueriesRejectsUnknownDimension(t *testing.T) {
	s := &AnalyticsStore{}
	_, _, err := s.defaultQueries(AggregateRequest{SiteID: "1", Dimension: "timestamp"}, "", "")
	require.Error(t, err)
}

func TestDefaultQueriesEscapesSiteID(t *testing.T) {
	s := &AnalyticsStore{}
	data, _, err := s.defaultQueries(AggregateRequest{SiteID: `x'; DROP TABLE events; --`, Dimension: "country"}, "", "")
	require.NoError(t, err)
	outside, balanced := sqlOutsideLiterals(data)
	require.True(t, balanced)
	require.NotContains(t, outside, "DROP")
}

func TestEntryExitQueries(t *testing.T) {
	s := &AnalyticsStore{}
	req := AggregateRequest{SiteID: "1", Dimension: "entry_page"}

	data, count := s.entryExitQueries(req, "", "")
	require.Contains(t, data, "row_number() OVER (PARTITION BY session_id ORDER BY timestamp ASC)")
	require.Contains(t, data, "row_num = 1")
	require.Contains(t, data, "pageviews = 1")
	require.Contains(t, count, "row_num = 1")

	req.Dimension = "exit_page"
	data, _ = s.entryExitQueries(req, "", "")
	require.Contains(t, data, "ORDER BY timestamp DESC")
}

func TestPathnameQueries(t *testing.T) {
	s := &AnalyticsStore{}
	data, count := s.pathnameQueries(AggregateRequest{SiteID: "1", Dimension: "pathname"}, "", "")

	require.Contains(t, data, "leadInFrame(timestamp)")
	// Time-on-page is clamped to [0, 1800] seconds.
	require.Contains(t, data, "least(dateDiff('second', timestamp, next_ts), 1800)")
	require.Contains(t, data, "greatest(")
	require.Contains(t, data, "avg_time_on_page")
	require.Contains(t, count, "uniq(pathname)")
}

func TestEventNameQueries(t *testing.T) {
	s := &AnalyticsStore{}
	data, count := s.eventNameQueries(AggregateRequest{SiteID: "1", Dimension: "event_name"}, "", "")

	require.Contains(t, data, "type = 'custom_event'")
	require.Contains(t, data, "event_name AS value")
	require.Contains(t, count, "uniq(event_name)")
}

func TestPerformanceSortAllowList(t *testing.T) {
	// Every metric/percentile pair is sortable; nothing else is.
	require.Equal(t, "lcp_q[2] DESC", sortClause(performanceShapeSorts, "lcp_p75", "desc", "event_count"))
	require.Equal(t, "ttfb_q[4] ASC", sortClause(performanceShapeSorts, "ttfb_p99", "asc", "event_count"))
	require.Equal(t, "event_count DESC", sortClause(performanceShapeSorts, "lcp_p42", "desc", "event_count"))
}

func TestPageviewPredicate(t *testing.T) {
	where := pageviewPredicate("s1", "t >= x", "(a = 'b')")
	require.Equal(t, "site_id = 's1' AND type = 'pageview' AND t >= x AND (a = 'b')", where)

	where = pageviewPredicate("s1", "", "")
	require.Equal(t, "site_id = 's1' AND type = 'pageview'", where)
}

func TestQueriesShareOnePredicate(t *testing.T) {
	// Pagination-count consistency: both queries must embed the identical
	// filter/time predicate.
	s := &AnalyticsStore{}
	timeStmt := "timestamp >= toDateTime('2024-06-01 00:00:00', 'UTC')"
	filterStmt := "(country = 'DE')"
	data, count, err := s.defaultQueries(AggregateRequest{SiteID: "1", Dimension: "browser"}, timeStmt, filterStmt)
	require.NoError(t, err)
	for _, q := range []string{data, count} {
		require.Contains(t, q, timeStmt)
		require.Contains(t, q, filterStmt)
	}
	require.Equal(t, strings.Count(data, filterStmt), strings.Count(count, filterStmt))
}
