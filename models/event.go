package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types accepted by the ingestion endpoint. An "outbound" type exists
// on the client side but arrives as a custom_event variant in practice.
const (
	EventTypePageview    = "pageview"
	EventTypeCustomEvent = "custom_event"
	EventTypePerformance = "performance"
	EventTypeError       = "error"
	EventTypeOutbound    = "outbound"
)

// Field length caps enforced at validation time.
const (
	MaxHostnameLen     = 253
	MaxPathnameLen     = 2048
	MaxQuerystringLen  = 2048
	MaxPageTitleLen    = 512
	MaxReferrerLen     = 2048
	MaxEventNameLen    = 256
	MaxLanguageLen     = 35
	MaxPropertiesLen   = 8192
	MaxErrorMessageLen = 500
	MaxErrorStackLen   = 2000
)

// TrackPayload is the untyped body of POST /track, discriminated by Type.
type TrackPayload struct {
	Type         string `json:"type"`
	SiteID       string `json:"site_id"`
	Hostname     string `json:"hostname"`
	Pathname     string `json:"pathname"`
	Querystring  string `json:"querystring"`
	ScreenWidth  int    `json:"screenWidth"`
	ScreenHeight int    `json:"screenHeight"`
	Language     string `json:"language"`
	PageTitle    string `json:"page_title"`
	Referrer     string `json:"referrer"`
	EventName    string `json:"event_name"`
	Properties   string `json:"properties"`
	UserID       string `json:"user_id"`
	APIKey       string `json:"api_key"`
	IPAddress    string `json:"ip_address"`
	UserAgent    string `json:"user_agent"`

	// Web vitals, only meaningful for type "performance".
	LCP  *float64 `json:"lcp"`
	CLS  *float64 `json:"cls"`
	INP  *float64 `json:"inp"`
	FCP  *float64 `json:"fcp"`
	TTFB *float64 `json:"ttfb"`
}

// Validate checks the payload against the schema for its event type and
// returns field-level errors keyed by JSON field name.
func (p *TrackPayload) Validate() map[string]string {
	details := make(map[string]string)

	if p.SiteID == "" {
		details["site_id"] = "site_id is required"
	}

	switch p.Type {
	case EventTypePageview, EventTypeCustomEvent, EventTypePerformance, EventTypeError, EventTypeOutbound:
	case "":
		details["type"] = "type is required"
	default:
		details["type"] = fmt.Sprintf("unknown event type %q", p.Type)
	}

	checkLen := func(field, value string, max int) {
		if len(value) > max {
			details[field] = fmt.Sprintf("%s exceeds maximum length of %d", field, max)
		}
	}
	checkLen("hostname", p.Hostname, MaxHostnameLen)
	checkLen("pathname", p.Pathname, MaxPathnameLen)
	checkLen("querystring", p.Querystring, MaxQuerystringLen)
	checkLen("page_title", p.PageTitle, MaxPageTitleLen)
	checkLen("referrer", p.Referrer, MaxReferrerLen)
	checkLen("event_name", p.EventName, MaxEventNameLen)
	checkLen("language", p.Language, MaxLanguageLen)
	checkLen("properties", p.Properties, MaxPropertiesLen)

	if p.ScreenWidth < 0 || p.ScreenWidth > 32767 {
		details["screenWidth"] = "screenWidth out of range"
	}
	if p.ScreenHeight < 0 || p.ScreenHeight > 32767 {
		details["screenHeight"] = "screenHeight out of range"
	}

	switch p.Type {
	case EventTypeCustomEvent, EventTypeOutbound:
		if p.EventName == "" {
			details["event_name"] = "event_name is required for custom events"
		}
		if p.Properties != "" && !json.Valid([]byte(p.Properties)) {
			details["properties"] = "properties must be valid JSON"
		}
	case EventTypeError:
		if p.EventName == "" {
			details["event_name"] = "event_name is required for error events"
		}
		if _, ok := p.errorMessage(); !ok {
			details["properties"] = "properties must be a JSON object with a string message field"
		}
	}

	if len(details) == 0 {
		return nil
	}
	return details
}

func (p *TrackPayload) errorMessage() (string, bool) {
	var props map[string]json.RawMessage
	if err := json.Unmarshal([]byte(p.Properties), &props); err != nil {
		return "", false
	}
	var msg string
	if err := json.Unmarshal(props["message"], &msg); err != nil {
		return "", false
	}
	return msg, true
}

// TruncateErrorProperties caps the message and stack fields of an error
// payload's properties so oversized stack traces never reach storage.
func (p *TrackPayload) TruncateErrorProperties() {
	var props map[string]any
	if err := json.Unmarshal([]byte(p.Properties), &props); err != nil {
		return
	}
	if msg, ok := props["message"].(string); ok && len(msg) > MaxErrorMessageLen {
		props["message"] = msg[:MaxErrorMessageLen]
	}
	if stack, ok := props["stack"].(string); ok && len(stack) > MaxErrorStackLen {
		props["stack"] = stack[:MaxErrorStackLen]
	}
	if out, err := json.Marshal(props); err == nil {
		p.Properties = string(out)
	}
}

// Event is a fully enriched analytics event, ready for the columnar store.
// Country, region and city are filled at batch-flush time from the IP.
type Event struct {
	EventID      string    `json:"eventId"`
	SiteID       string    `json:"siteId"`
	SessionID    string    `json:"sessionId"`
	UserID       string    `json:"userId"`
	Type         string    `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	Hostname     string    `json:"hostname"`
	Pathname     string    `json:"pathname"`
	Querystring  string    `json:"querystring"`
	PageTitle    string    `json:"pageTitle"`
	Referrer     string    `json:"referrer"`
	Channel      string    `json:"channel"`
	EventName    string    `json:"eventName"`
	Properties   string    `json:"properties"`
	Browser      string    `json:"browser"`
	BrowserVer   string    `json:"browserVersion"`
	OS           string    `json:"operatingSystem"`
	OSVersion    string    `json:"operatingSystemVersion"`
	DeviceType   string    `json:"deviceType"`
	ScreenWidth  int       `json:"screenWidth"`
	ScreenHeight int       `json:"screenHeight"`
	Language     string    `json:"language"`
	IPAddress    string    `json:"-"`
	Country      string    `json:"country"`
	Region       string    `json:"region"`
	City         string    `json:"city"`

	LCP  *float64 `json:"lcp"`
	CLS  *float64 `json:"cls"`
	INP  *float64 `json:"inp"`
	FCP  *float64 `json:"fcp"`
	TTFB *float64 `json:"ttfb"`
}
