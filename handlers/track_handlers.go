package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mileusna/useragent"

	"github.com/zehjotkah/rybbit-sub004/channel"
	"github.com/zehjotkah/rybbit-sub004/limit"
	"github.com/zehjotkah/rybbit-sub004/models"
	"github.com/zehjotkah/rybbit-sub004/utils"
)

// SiteCache is the site-registry view the gateway needs.
type SiteCache interface {
	GetSite(siteID string) (*models.Site, bool)
	IsOverLimit(siteID string) bool
	VerifyAPIKey(site *models.Site, key string) bool
}

// SessionResolver stitches an event into its visitor's session.
type SessionResolver interface {
	Resolve(ctx context.Context, userID, siteID string, ts time.Time, eventType, hostname, pathname, referrer string, snapshot models.DeviceSnapshot) (string, error)
}

// EventSink receives enriched events for batched writing.
type EventSink interface {
	Add(e models.Event)
}

type TrackHandlers struct {
	Sites    SiteCache
	Sessions SessionResolver
	Queue    EventSink
	// KeyLimits caps API-key traffic per site (20 requests/second/key).
	KeyLimits *limit.Limiters
	// DisableOriginCheck skips Origin validation for keyless requests.
	DisableOriginCheck bool
}

func NewTrackHandlers(sites SiteCache, sessions SessionResolver, q EventSink, keyLimits *limit.Limiters, disableOriginCheck bool) *TrackHandlers {
	if disableOriginCheck {
		log.Println("WARNING: Origin checking is disabled; keyless requests will not be validated against site domains.")
	}
	return &TrackHandlers{
		Sites:              sites,
		Sessions:           sessions,
		Queue:              q,
		KeyLimits:          keyLimits,
		DisableOriginCheck: disableOriginCheck,
	}
}

// TrackEvent is POST /track. Gates run in order: schema validation, API-key
// or Origin auth, bot filter, monthly quota; then the event is stitched into
// a session, classified, and enqueued. Bot and over-quota requests are
// soft-accepted: the client sees success but nothing is persisted.
func (h *TrackHandlers) TrackEvent(c *gin.Context) {
	var payload models.TrackPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request body"})
		return
	}

	if details := payload.Validate(); details != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Validation failed", "details": details})
		return
	}

	site, ok := h.Sites.GetSite(payload.SiteID)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "Unknown site"})
		return
	}

	// API key takes precedence over the Origin check and bypasses bot
	// filtering; server-side senders have no browser Origin to present.
	apiKeyAuthed := false
	if payload.APIKey != "" {
		if !h.Sites.VerifyAPIKey(site, payload.APIKey) {
			c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "Invalid API key"})
			return
		}
		if !h.KeyLimits.Allow(site.ID) {
			c.JSON(http.StatusTooManyRequests, gin.H{"success": false, "error": "Rate limit exceeded"})
			return
		}
		apiKeyAuthed = true
	} else if !h.DisableOriginCheck {
		origin := c.GetHeader("Origin")
		if !utils.OriginMatchesDomain(origin, site.Domain) {
			c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "Origin not allowed for this site"})
			return
		}
	}

	ipAddress := payload.IPAddress
	if ipAddress == "" {
		ipAddress = c.ClientIP()
	}
	uaString := payload.UserAgent
	if uaString == "" {
		uaString = c.Request.UserAgent()
	}
	ua := useragent.Parse(uaString)

	if !apiKeyAuthed && (ua.Bot || uaString == "") {
		// Soft-accept so detection logic is not revealed to the client.
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Event processed"})
		return
	}

	if h.Sites.IsOverLimit(site.ID) {
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Event processed"})
		return
	}

	if payload.Type == models.EventTypeError {
		payload.TruncateErrorProperties()
	}

	userID := payload.UserID
	if userID == "" {
		userID = visitorID(ipAddress, uaString, site.ID)
	}

	snapshot := models.DeviceSnapshot{
		Browser:    ua.Name,
		OS:         ua.OS,
		DeviceType: deviceType(ua, payload.ScreenWidth),
	}

	now := time.Now().UTC()
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	sessionID, err := h.Sessions.Resolve(ctx, userID, site.ID, now, payload.Type, payload.Hostname, payload.Pathname, payload.Referrer, snapshot)
	if err != nil {
		log.Printf("Error resolving session for site %s: %v", site.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to record event"})
		return
	}

	h.Queue.Add(models.Event{
		EventID:      uuid.New().String(),
		SiteID:       site.ID,
		SessionID:    sessionID,
		UserID:       userID,
		Type:         payload.Type,
		Timestamp:    now,
		Hostname:     payload.Hostname,
		Pathname:     payload.Pathname,
		Querystring:  payload.Querystring,
		PageTitle:    payload.PageTitle,
		Referrer:     payload.Referrer,
		Channel:      channel.Classify(payload.Referrer, payload.Querystring, payload.Hostname),
		EventName:    payload.EventName,
		Properties:   payload.Properties,
		Browser:      ua.Name,
		BrowserVer:   ua.Version,
		OS:           ua.OS,
		OSVersion:    ua.OSVersion,
		DeviceType:   snapshot.DeviceType,
		ScreenWidth:  payload.ScreenWidth,
		ScreenHeight: payload.ScreenHeight,
		Language:     payload.Language,
		IPAddress:    ipAddress,
		LCP:          payload.LCP,
		CLS:          payload.CLS,
		INP:          payload.INP,
		FCP:          payload.FCP,
		TTFB:         payload.TTFB,
	})

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// visitorID derives a stable visitor identifier when the client did not
// supply one.
func visitorID(ip, userAgent, siteID string) string {
	sum := sha256.Sum256([]byte(ip + "|" + userAgent + "|" + siteID))
	return hex.EncodeToString(sum[:16])
}

// deviceType prefers the user-agent verdict, falling back to screen-width
// buckets when the UA is inconclusive.
func deviceType(ua useragent.UserAgent, screenWidth int) string {
	switch {
	case ua.Mobile:
		return "Mobile"
	case ua.Tablet:
		return "Tablet"
	case ua.Desktop:
		return "Desktop"
	}
	switch {
	case screenWidth == 0:
		return ""
	case screenWidth < 576:
		return "Mobile"
	case screenWidth < 992:
		return "Tablet"
	case screenWidth < 1440:
		return "Laptop"
	default:
		return "Desktop"
	}
}
