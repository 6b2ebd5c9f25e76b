// Package geo resolves IP addresses to coarse locations using a local
// MaxMind GeoLite2/DB-IP city database.
package geo

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"

	"github.com/oschwald/geoip2-golang"
)

// Location is the subset of GeoIP city data stored on events.
type Location struct {
	Country string
	Region  string
	City    string
}

// DB wraps a mmdb reader. The zero value is unusable; construct with NewDB.
type DB struct {
	reader *geoip2.Reader
}

// NewDB opens the city database at GEOIP_DB_PATH (default
// "GeoLite2-City.mmdb"). A missing database is not fatal: geo enrichment is
// skipped and events carry empty location fields.
func NewDB() (*DB, error) {
	path := os.Getenv("GEOIP_DB_PATH")
	if path == "" {
		path = "GeoLite2-City.mmdb"
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database %s: %w", path, err)
	}
	log.Printf("GeoIP database loaded from %s", path)
	return &DB{reader: reader}, nil
}

var errNoReader = errors.New("geoip database not loaded")

// LookupBatch resolves a set of distinct IPs in one pass. Individual
// unresolvable IPs are omitted from the result; an error is returned only
// when the lookup cannot run at all.
func (db *DB) LookupBatch(ips []string) (map[string]Location, error) {
	if db == nil || db.reader == nil {
		return nil, errNoReader
	}
	out := make(map[string]Location, len(ips))
	for _, raw := range ips {
		ip := net.ParseIP(raw)
		if ip == nil {
			continue
		}
		city, err := db.reader.City(ip)
		if err != nil {
			continue
		}
		loc := Location{Country: city.Country.IsoCode}
		if len(city.Subdivisions) > 0 {
			loc.Region = city.Subdivisions[0].Names["en"]
		}
		loc.City = city.City.Names["en"]
		out[raw] = loc
	}
	return out, nil
}

// Close releases the underlying reader.
func (db *DB) Close() {
	if db != nil && db.reader != nil {
		db.reader.Close()
	}
}
