package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zehjotkah/rybbit-sub004/geo"
	"github.com/zehjotkah/rybbit-sub004/models"
)

type stubInserter struct {
	mu      sync.Mutex
	batches [][]models.Event
	err     error
	block   chan struct{}
}

func (s *stubInserter) InsertEvents(ctx context.Context, events []models.Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	batch := make([]models.Event, len(events))
	copy(batch, events)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *stubInserter) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

type stubGeo struct {
	mu        sync.Mutex
	err       error
	calls     int
	locations map[string]geo.Location
}

func (s *stubGeo) LookupBatch(ips []string) (map[string]geo.Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.locations, nil
}

func makeEvents(n int) []models.Event {
	events := make([]models.Event, n)
	for i := range events {
		events[i] = models.Event{
			EventID: fmt.Sprintf("ev-%d", i),
			SiteID:  "site-1",
			Type:    models.EventTypePageview,
		}
	}
	return events
}

func TestFlushRespectsBatchSize(t *testing.T) {
	ins := &stubInserter{}
	q := New(ins, nil, Options{BatchSize: 10})

	for _, e := range makeEvents(25) {
		q.Add(e)
	}

	for q.Len() > 0 {
		require.True(t, q.Flush())
	}
	require.False(t, q.Flush()) // empty buffer

	require.Len(t, ins.batches, 3)
	require.Len(t, ins.batches[0], 10)
	require.Len(t, ins.batches[1], 10)
	require.Len(t, ins.batches[2], 5)
	require.Equal(t, 25, ins.total())
	// Oldest events go first.
	require.Equal(t, "ev-0", ins.batches[0][0].EventID)
	require.Equal(t, "ev-24", ins.batches[2][4].EventID)
}

func TestFlushSingleFlight(t *testing.T) {
	ins := &stubInserter{block: make(chan struct{})}
	q := New(ins, nil, Options{BatchSize: 10})
	q.Add(models.Event{EventID: "ev-0"})

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(started)
		q.Flush()
		close(done)
	}()
	<-started
	// Wait until the first flush is blocked inside the inserter.
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, time.Millisecond)

	q.Add(models.Event{EventID: "ev-1"})
	require.False(t, q.Flush())

	close(ins.block)
	<-done
	require.Equal(t, 1, ins.total())
	require.Equal(t, 1, q.Len()) // ev-1 waits for the next flush
}

func TestFlushDropsBatchOnInsertError(t *testing.T) {
	ins := &stubInserter{err: errors.New("connection refused")}
	q := New(ins, nil, Options{BatchSize: 10})
	q.Add(models.Event{EventID: "ev-0"})

	require.True(t, q.Flush())
	require.Equal(t, 0, q.Len()) // at-most-once: no requeue
	require.Equal(t, 0, ins.total())
}

func TestEnrichGeoAppliesLocations(t *testing.T) {
	ins := &stubInserter{}
	g := &stubGeo{locations: map[string]geo.Location{
		"203.0.113.5": {Country: "DE", Region: "Berlin", City: "Berlin"},
	}}
	q := New(ins, g, Options{})

	q.Add(models.Event{EventID: "ev-0", IPAddress: "203.0.113.5"})
	q.Add(models.Event{EventID: "ev-1", IPAddress: "203.0.113.5"})
	q.Add(models.Event{EventID: "ev-2"}) // no IP

	require.True(t, q.Flush())
	require.Equal(t, 1, g.calls) // deduplicated lookup
	require.Len(t, ins.batches, 1)
	require.Equal(t, "DE", ins.batches[0][0].Country)
	require.Equal(t, "Berlin", ins.batches[0][1].City)
	require.Equal(t, "", ins.batches[0][2].Country)
}

func TestGeoFailureDropsBatchThenCircuitOpens(t *testing.T) {
	ins := &stubInserter{}
	g := &stubGeo{err: errors.New("mmdb corrupt")}
	q := New(ins, g, Options{GeoFailureThreshold: 2, GeoRetryEvery: 3})

	// Failures below the threshold drop their batches.
	for i := 0; i < 2; i++ {
		q.Add(models.Event{EventID: "ev", IPAddress: "203.0.113.5"})
		require.True(t, q.Flush())
	}
	require.Equal(t, 0, ins.total())
	require.Equal(t, 2, g.calls)

	// Circuit open: events ship without geo and the reader is not touched.
	q.Add(models.Event{EventID: "ev-open", IPAddress: "203.0.113.5"})
	require.True(t, q.Flush())
	require.Equal(t, 1, ins.total())
	require.Equal(t, 2, g.calls)
	require.Equal(t, "", ins.batches[0][0].Country)

	// Every GeoRetryEvery-th flush probes the reader again.
	q.Add(models.Event{EventID: "ev-skip", IPAddress: "203.0.113.5"})
	require.True(t, q.Flush())
	require.Equal(t, 2, g.calls)

	q.Add(models.Event{EventID: "ev-probe", IPAddress: "203.0.113.5"})
	require.True(t, q.Flush())
	require.Equal(t, 3, g.calls) // probe ran (and dropped its batch)
	require.Equal(t, 2, ins.total())
}

func TestGeoRecoveryClosesCircuit(t *testing.T) {
	ins := &stubInserter{}
	g := &stubGeo{err: errors.New("mmdb corrupt")}
	q := New(ins, g, Options{GeoFailureThreshold: 1, GeoRetryEvery: 1})

	q.Add(models.Event{EventID: "ev-0", IPAddress: "203.0.113.5"})
	require.True(t, q.Flush()) // failure opens the circuit

	g.mu.Lock()
	g.err = nil
	g.locations = map[string]geo.Location{"203.0.113.5": {Country: "FR"}}
	g.mu.Unlock()

	// RetryEvery=1 means the next flush probes immediately and succeeds.
	q.Add(models.Event{EventID: "ev-1", IPAddress: "203.0.113.5"})
	require.True(t, q.Flush())
	require.Equal(t, 1, ins.total())
	require.Equal(t, "FR", ins.batches[0][0].Country)
}

func TestStopDrains(t *testing.T) {
	ins := &stubInserter{}
	q := New(ins, nil, Options{BatchSize: 7, FlushInterval: time.Hour})
	q.Start()

	for _, e := range makeEvents(20) {
		q.Add(e)
	}
	q.Stop()

	require.Equal(t, 0, q.Len())
	require.Equal(t, 20, ins.total())
	for _, b := range ins.batches {
		require.LessOrEqual(t, len(b), 7)
	}
}
