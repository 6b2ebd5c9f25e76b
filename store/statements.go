package store

import (
	"fmt"
	"strings"
	"time"
)

// TimeWindow selects the events a query covers. Either the absolute
// StartDate/EndDate/TimeZone triple is set (day granularity), or the
// relative PastMinutes pair. Relative windows are resolved to absolute UTC
// instants here, in-process, so the store never does date arithmetic per row.
type TimeWindow struct {
	StartDate        string `json:"startDate"` // YYYY-MM-DD
	EndDate          string `json:"endDate"`   // YYYY-MM-DD
	TimeZone         string `json:"timeZone"`
	PastMinutesStart int    `json:"pastMinutesStart"`
	PastMinutesEnd   int    `json:"pastMinutesEnd"`
}

// IsZero reports whether no time constraint was supplied.
func (w TimeWindow) IsZero() bool {
	return w.StartDate == "" && w.EndDate == "" && w.PastMinutesStart == 0 && w.PastMinutesEnd == 0
}

// Resolve converts the window to half-open UTC bounds [start, end). For
// absolute windows the upper bound is clamped to now when EndDate is the
// current day in the requested timezone, so a partial "today" never includes
// placeholder future time.
func (w TimeWindow) Resolve(now time.Time) (time.Time, time.Time, error) {
	if w.PastMinutesStart > 0 {
		if w.PastMinutesEnd < 0 || w.PastMinutesEnd >= w.PastMinutesStart {
			return time.Time{}, time.Time{}, fmt.Errorf("pastMinutesEnd must be in [0, pastMinutesStart)")
		}
		start := now.Add(-time.Duration(w.PastMinutesStart) * time.Minute).UTC()
		end := now.Add(-time.Duration(w.PastMinutesEnd) * time.Minute).UTC()
		return start, end, nil
	}

	tz := w.TimeZone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid timeZone %q: %w", tz, err)
	}

	startDay, err := time.ParseInLocation("2006-01-02", w.StartDate, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid startDate %q: %w", w.StartDate, err)
	}
	endDay, err := time.ParseInLocation("2006-01-02", w.EndDate, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid endDate %q: %w", w.EndDate, err)
	}

	var end time.Time
	today := now.In(loc)
	if endDay.Year() == today.Year() && endDay.YearDay() == today.YearDay() {
		end = now.UTC()
	} else {
		end = endDay.AddDate(0, 0, 1).UTC()
	}
	return startDay.UTC(), end, nil
}

// TimeStatement renders the window as a ClickHouse predicate on timestamp,
// or "" when no constraint applies.
func TimeStatement(w TimeWindow, now time.Time) (string, error) {
	if w.IsZero() {
		return "", nil
	}
	start, end, err := w.Resolve(now)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("timestamp >= toDateTime('%s', 'UTC') AND timestamp < toDateTime('%s', 'UTC')",
		start.Format("2006-01-02 15:04:05"), end.Format("2006-01-02 15:04:05")), nil
}

// Filter operators.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpNotContains = "not_contains"
)

// Filter narrows a query to events matching one dimension. Values are OR'd
// together; distinct filters are AND'd.
type Filter struct {
	Parameter string   `json:"parameter"`
	Type      string   `json:"type"`
	Value     []string `json:"value"`
}

// filterColumns maps logical filter parameters to physical column
// expressions. Only names in this table (or urlParamFilters) ever reach the
// generated SQL.
var filterColumns = map[string]string{
	"pathname":                 "pathname",
	"page_title":               "page_title",
	"hostname":                 "hostname",
	"country":                  "country",
	"region":                   "region",
	"city":                     "city",
	"browser":                  "browser",
	"browser_version":          "browser_version",
	"operating_system":         "operating_system",
	"operating_system_version": "operating_system_version",
	"device_type":              "device_type",
	"language":                 "language",
	"channel":                  "channel",
	"referrer":                 "referrer",
	"event_name":               "event_name",
	"dimensions":               "concat(toString(screen_width), 'x', toString(screen_height))",
}

// urlParamFilters are query-string parameters extracted at query time.
var urlParamFilters = map[string]bool{
	"utm_source":   true,
	"utm_medium":   true,
	"utm_campaign": true,
	"utm_term":     true,
	"utm_content":  true,
	"gclid":        true,
	"gad_source":   true,
	"ref":          true,
}

// Entry/exit pages are per-session properties, so filtering on them needs a
// correlated subquery over the session's pageviews.
const (
	entryPageExpr = "(SELECT argMin(e2.pathname, e2.timestamp) FROM events AS e2 WHERE e2.session_id = events.session_id AND e2.site_id = events.site_id AND e2.type = 'pageview')"
	exitPageExpr  = "(SELECT argMax(e2.pathname, e2.timestamp) FROM events AS e2 WHERE e2.session_id = events.session_id AND e2.site_id = events.site_id AND e2.type = 'pageview')"
)

// filterColumnExpr resolves a filter parameter to a column expression.
func filterColumnExpr(parameter string) (string, error) {
	if expr, ok := filterColumns[parameter]; ok {
		return expr, nil
	}
	if urlParamFilters[parameter] {
		return fmt.Sprintf("extractURLParameter(querystring, '%s')", parameter), nil
	}
	switch parameter {
	case "entry_page":
		return entryPageExpr, nil
	case "exit_page":
		return exitPageExpr, nil
	}
	return "", fmt.Errorf("unsupported filter parameter %q", parameter)
}

// escapeString routes every literal through one escaping function. All
// string interpolation into generated SQL must pass through here.
func escapeString(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return strings.ReplaceAll(v, `'`, `\'`)
}

// escapeLike additionally neutralizes LIKE wildcards inside the user value
// before the surrounding %...% markers are added.
func escapeLike(v string) string {
	v = escapeString(v)
	v = strings.ReplaceAll(v, `%`, `\%`)
	return strings.ReplaceAll(v, `_`, `\_`)
}

func quoted(v string) string {
	return "'" + escapeString(v) + "'"
}

// FilterStatement renders the filters as one ClickHouse predicate, or ""
// when there are none.
func FilterStatement(filters []Filter) (string, error) {
	if len(filters) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		if len(f.Value) == 0 {
			return "", fmt.Errorf("filter on %q has no values", f.Parameter)
		}
		expr, err := filterColumnExpr(f.Parameter)
		if err != nil {
			return "", err
		}
		clauses := make([]string, 0, len(f.Value))
		for _, v := range f.Value {
			switch f.Type {
			case OpEquals:
				clauses = append(clauses, fmt.Sprintf("%s = %s", expr, quoted(v)))
			case OpNotEquals:
				clauses = append(clauses, fmt.Sprintf("%s != %s", expr, quoted(v)))
			case OpContains:
				clauses = append(clauses, fmt.Sprintf("%s LIKE '%%%s%%'", expr, escapeLike(v)))
			case OpNotContains:
				clauses = append(clauses, fmt.Sprintf("%s NOT LIKE '%%%s%%'", expr, escapeLike(v)))
			default:
				return "", fmt.Errorf("unsupported filter operator %q", f.Type)
			}
		}
		parts = append(parts, "("+strings.Join(clauses, " OR ")+")")
	}
	return strings.Join(parts, " AND "), nil
}

// combineStatements joins non-empty predicates with AND.
func combineStatements(parts ...string) string {
	nonEmpty := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, " AND ")
}
