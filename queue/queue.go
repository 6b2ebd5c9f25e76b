// Package queue buffers enriched events in memory and flushes them to the
// columnar store in bulk. Delivery is at-most-once by design: a failed flush
// is logged and its batch dropped, trading durability for ingestion
// throughput. Callers have already received their success response by the
// time a flush runs, so there is nobody left to surface the error to.
package queue

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zehjotkah/rybbit-sub004/geo"
	"github.com/zehjotkah/rybbit-sub004/models"
)

// Inserter performs the bulk insert into the event store.
type Inserter interface {
	InsertEvents(ctx context.Context, events []models.Event) error
}

// GeoLookup resolves a set of distinct IPs in one call.
type GeoLookup interface {
	LookupBatch(ips []string) (map[string]geo.Location, error)
}

// Options tune the flush cycle. Zero fields take the documented defaults.
type Options struct {
	BatchSize     int           // max events per bulk insert (default 5000)
	FlushInterval time.Duration // tick period (default 10s)
	FlushTimeout  time.Duration // bound on one flush (default 30s)

	// After GeoFailureThreshold consecutive geo-lookup failures the circuit
	// opens and events ship without geo fields; one probe lookup is retried
	// every GeoRetryEvery flushes.
	GeoFailureThreshold int
	GeoRetryEvery       int
}

func (o *Options) withDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 5000
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 10 * time.Second
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 30 * time.Second
	}
	if o.GeoFailureThreshold <= 0 {
		o.GeoFailureThreshold = 5
	}
	if o.GeoRetryEvery <= 0 {
		o.GeoRetryEvery = 6
	}
}

// EventQueue is the process-wide event buffer: many concurrent producers
// call Add, one periodic consumer drains it. Constructed once at startup
// and injected into request handlers.
type EventQueue struct {
	opts     Options
	inserter Inserter
	geo      GeoLookup

	mu  sync.Mutex
	buf []models.Event

	// flushing guarantees a single in-flight flush; events arriving during
	// a flush stay buffered for the next tick.
	flushing atomic.Bool

	geoFailures  int
	geoSkipCount int

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a queue. geo may be nil, in which case events are stored
// without location fields.
func New(inserter Inserter, geo GeoLookup, opts Options) *EventQueue {
	opts.withDefaults()
	return &EventQueue{
		opts:     opts,
		inserter: inserter,
		geo:      geo,
		stop:     make(chan struct{}),
	}
}

// Add appends an event to the buffer. It never blocks on the store.
func (q *EventQueue) Add(e models.Event) {
	q.mu.Lock()
	q.buf = append(q.buf, e)
	q.mu.Unlock()
}

// Len reports the number of buffered events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Start launches the flush ticker.
func (q *EventQueue) Start() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.opts.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-q.stop:
				return
			case <-ticker.C:
				q.Flush()
			}
		}
	}()
	log.Printf("Event queue started (batch size %d, flush every %s)", q.opts.BatchSize, q.opts.FlushInterval)
}

// Stop halts the ticker and drains whatever is still buffered.
func (q *EventQueue) Stop() {
	close(q.stop)
	q.wg.Wait()
	for q.Len() > 0 {
		if !q.Flush() {
			// A concurrent flush is finishing up; give it a moment.
			time.Sleep(50 * time.Millisecond)
		}
	}
	log.Println("Event queue stopped.")
}

// Flush takes up to BatchSize oldest events and writes them out. Returns
// false when another flush is already running or the buffer was empty.
func (q *EventQueue) Flush() bool {
	if !q.flushing.CompareAndSwap(false, true) {
		return false
	}
	defer q.flushing.Store(false)

	q.mu.Lock()
	if len(q.buf) == 0 {
		q.mu.Unlock()
		return false
	}
	n := len(q.buf)
	if n > q.opts.BatchSize {
		n = q.opts.BatchSize
	}
	batch := make([]models.Event, n)
	copy(batch, q.buf[:n])
	q.buf = append(q.buf[:0:0], q.buf[n:]...)
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), q.opts.FlushTimeout)
	defer cancel()

	if !q.enrichGeo(batch) {
		// Geo lookup failed; batch dropped (logged in enrichGeo).
		return true
	}

	if err := q.inserter.InsertEvents(ctx, batch); err != nil {
		log.Printf("Error bulk-inserting %d events, batch dropped: %v", len(batch), err)
		return true
	}
	log.Printf("Flushed %d analytics events.", len(batch))
	return true
}

// enrichGeo fills country/region/city for the batch via one bulk lookup
// over the deduplicated IPs. Returns false when the batch must be dropped.
func (q *EventQueue) enrichGeo(batch []models.Event) bool {
	if q.geo == nil {
		return true
	}

	if q.geoFailures >= q.opts.GeoFailureThreshold {
		q.geoSkipCount++
		if q.geoSkipCount < q.opts.GeoRetryEvery {
			// Circuit open: ship without geo rather than dropping batches.
			return true
		}
		q.geoSkipCount = 0
	}

	seen := make(map[string]bool, len(batch))
	ips := make([]string, 0, len(batch))
	for i := range batch {
		if ip := batch[i].IPAddress; ip != "" && !seen[ip] {
			seen[ip] = true
			ips = append(ips, ip)
		}
	}
	if len(ips) == 0 {
		return true
	}

	locations, err := q.geo.LookupBatch(ips)
	if err != nil {
		q.geoFailures++
		log.Printf("Error in bulk geo lookup (%d consecutive), batch of %d dropped: %v", q.geoFailures, len(batch), err)
		return false
	}
	q.geoFailures = 0
	q.geoSkipCount = 0

	for i := range batch {
		if loc, ok := locations[batch[i].IPAddress]; ok {
			batch[i].Country = loc.Country
			batch[i].Region = loc.Region
			batch[i].City = loc.City
		}
	}
	return true
}
