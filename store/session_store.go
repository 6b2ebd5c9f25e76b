package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zehjotkah/rybbit-sub004/models"
)

// SessionStore stitches events into sessions. Rows in active_sessions are
// keyed by (user_id, site_id): at most one active row per visitor per site.
type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

// Resolve looks up or creates the visitor's active session and returns its
// session id. A new row gets a fresh UUID, the current pathname as entry
// page, and the device snapshot; an existing row keeps all of those and only
// bumps last_activity, incrementing the pageview counter when the event is a
// pageview. The whole read-then-write is a single upsert, so concurrent
// events from the same visitor (two tabs) resolve to one session at the
// store layer.
func (s *SessionStore) Resolve(ctx context.Context, userID, siteID string, ts time.Time, eventType, hostname, pathname, referrer string, snapshot models.DeviceSnapshot) (string, error) {
	pageviewDelta := 0
	if eventType == models.EventTypePageview {
		pageviewDelta = 1
	}

	query := `
		INSERT INTO active_sessions (
			session_id, user_id, site_id, hostname, entry_page, start_time,
			last_activity, pageviews, browser, operating_system, device_type, referrer
		)
		VALUES ($1, $2, $3, $4, $5, $6, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id, site_id) DO UPDATE SET
			last_activity = EXCLUDED.last_activity,
			pageviews = active_sessions.pageviews + $7
		RETURNING session_id;
	`

	var sessionID string
	err := s.db.QueryRowContext(ctx, query,
		uuid.New().String(),
		userID,
		siteID,
		hostname,
		pathname,
		ts,
		pageviewDelta,
		snapshot.Browser,
		snapshot.OS,
		snapshot.DeviceType,
		referrer,
	).Scan(&sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve session for visitor %s: %w", userID, err)
	}
	return sessionID, nil
}

// GetActiveSession reads a visitor's current session row.
func (s *SessionStore) GetActiveSession(ctx context.Context, userID, siteID string) (*models.ActiveSession, error) {
	sess := &models.ActiveSession{}
	query := `
		SELECT session_id, user_id, site_id, hostname, entry_page, start_time,
			last_activity, pageviews, browser, operating_system, device_type, referrer
		FROM active_sessions
		WHERE user_id = $1 AND site_id = $2;
	`
	err := s.db.QueryRowContext(ctx, query, userID, siteID).Scan(
		&sess.SessionID,
		&sess.UserID,
		&sess.SiteID,
		&sess.Hostname,
		&sess.EntryPage,
		&sess.StartTime,
		&sess.LastActivity,
		&sess.Pageviews,
		&sess.Browser,
		&sess.OS,
		&sess.DeviceType,
		&sess.Referrer,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("no active session for visitor %s", userID)
		}
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	return sess, nil
}

// PruneStale deletes session rows idle for longer than maxIdle. Session
// expiry is a housekeeping concern, not part of the resolve path; the
// inactivity threshold is an explicit parameter so operators can tune it.
func (s *SessionStore) PruneStale(ctx context.Context, maxIdle time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM active_sessions WHERE last_activity < $1;`,
		time.Now().Add(-maxIdle),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune stale sessions: %w", err)
	}
	return res.RowsAffected()
}
