package store

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/zehjotkah/rybbit-sub004/models"
)

// MonthlyCounter supplies per-site event counts for the current month.
// Implemented by AnalyticsStore against the event store.
type MonthlyCounter interface {
	MonthlyEventCounts(ctx context.Context) (map[string]uint64, error)
}

// SiteStore loads registered sites from Postgres and keeps an in-memory
// cache for the hot ingestion path, including the precomputed set of sites
// over their monthly event quota.
type SiteStore struct {
	db      *sql.DB
	counter MonthlyCounter

	mu        sync.RWMutex
	sites     map[string]*models.Site
	overLimit map[string]bool

	// verifiedKeys caches siteID -> plaintext key after one successful
	// bcrypt comparison, so the hash cost is paid once per process per key.
	verifiedKeys sync.Map

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewSiteStore(db *sql.DB, counter MonthlyCounter) *SiteStore {
	return &SiteStore{
		db:        db,
		counter:   counter,
		sites:     make(map[string]*models.Site),
		overLimit: make(map[string]bool),
		stop:      make(chan struct{}),
	}
}

// Start loads the cache and begins periodic refreshes.
func (s *SiteStore) Start(ctx context.Context, refreshInterval time.Duration) error {
	if err := s.Refresh(ctx); err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				rctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if err := s.Refresh(rctx); err != nil {
					log.Printf("Error refreshing site cache: %v", err)
				}
				cancel()
			}
		}
	}()
	return nil
}

// Stop halts the refresh loop.
func (s *SiteStore) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// Refresh reloads all sites from Postgres and recomputes the over-quota set
// from the event store's current-month counts.
func (s *SiteStore) Refresh(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT site_id, domain, api_key_hash, monthly_limit, created_at, updated_at
		FROM sites;
	`)
	if err != nil {
		return fmt.Errorf("failed to load sites: %w", err)
	}
	defer rows.Close()

	sites := make(map[string]*models.Site)
	for rows.Next() {
		site := &models.Site{}
		if err := rows.Scan(&site.ID, &site.Domain, &site.APIKeyHash, &site.MonthlyLimit, &site.CreatedAt, &site.UpdatedAt); err != nil {
			return fmt.Errorf("failed to scan site row: %w", err)
		}
		sites[site.ID] = site
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("row error loading sites: %w", err)
	}

	overLimit := make(map[string]bool)
	counts, err := s.counter.MonthlyEventCounts(ctx)
	if err != nil {
		// Keep serving the previous set rather than failing the refresh.
		log.Printf("Error computing monthly event counts, keeping previous over-limit set: %v", err)
		s.mu.RLock()
		for id := range s.overLimit {
			overLimit[id] = true
		}
		s.mu.RUnlock()
	} else {
		for id, site := range sites {
			if site.MonthlyLimit > 0 && counts[id] >= site.MonthlyLimit {
				overLimit[id] = true
			}
		}
	}

	s.mu.Lock()
	// Rotated or removed API keys must not keep authenticating from the
	// verified-key cache.
	for id, site := range sites {
		if prev, ok := s.sites[id]; ok && !bytes.Equal(prev.APIKeyHash, site.APIKeyHash) {
			s.verifiedKeys.Delete(id)
		}
	}
	for id := range s.sites {
		if _, ok := sites[id]; !ok {
			s.verifiedKeys.Delete(id)
		}
	}
	s.sites = sites
	s.overLimit = overLimit
	s.mu.Unlock()
	return nil
}

// GetSite returns a cached site by id.
func (s *SiteStore) GetSite(siteID string) (*models.Site, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.sites[siteID]
	return site, ok
}

// IsOverLimit reports whether the site has exhausted its monthly quota.
func (s *SiteStore) IsOverLimit(siteID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.overLimit[siteID]
}

// VerifyAPIKey checks a plaintext key against the site's stored bcrypt
// hash. Successful comparisons are cached per site.
func (s *SiteStore) VerifyAPIKey(site *models.Site, key string) bool {
	if len(site.APIKeyHash) == 0 || key == "" {
		return false
	}
	if cached, ok := s.verifiedKeys.Load(site.ID); ok && cached.(string) == key {
		return true
	}
	if err := bcrypt.CompareHashAndPassword(site.APIKeyHash, []byte(key)); err != nil {
		return false
	}
	s.verifiedKeys.Store(site.ID, key)
	return true
}

// Ping verifies the Postgres connection.
func (s *SiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
