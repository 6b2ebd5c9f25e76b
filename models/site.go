package models

import "time"

// Site is a registered tracking site. APIKeyHash is a bcrypt hash of the
// site's ingestion key; the plaintext key is never stored.
type Site struct {
	ID           string    `json:"id"`
	Domain       string    `json:"domain"`
	APIKeyHash   []byte    `json:"-"`
	MonthlyLimit uint64    `json:"monthlyLimit"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DeviceSnapshot is the browser/device state captured when a session row is
// first created. Later events in the same session do not overwrite it.
type DeviceSnapshot struct {
	Browser    string
	OS         string
	DeviceType string
}

// ActiveSession mirrors a row of the active_sessions table. Rows are keyed
// by (user_id, site_id); there is at most one active row per visitor.
type ActiveSession struct {
	SessionID    string    `json:"sessionId"`
	UserID       string    `json:"userId"`
	SiteID       string    `json:"siteId"`
	Hostname     string    `json:"hostname"`
	EntryPage    string    `json:"entryPage"`
	StartTime    time.Time `json:"startTime"`
	LastActivity time.Time `json:"lastActivity"`
	Pageviews    int64     `json:"pageviews"`
	Browser      string    `json:"browser"`
	OS           string    `json:"operatingSystem"`
	DeviceType   string    `json:"deviceType"`
	Referrer     string    `json:"referrer"`
}
