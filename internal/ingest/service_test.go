package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"payload-tracker/backend/internal/bus"
	"payload-tracker/backend/internal/payload/cache"
	payloaddomain "payload-tracker/backend/internal/payload/domain"
	rawdomain "payload-tracker/backend/internal/rawmsg/domain"
	"payload-tracker/backend/internal/tasks"
	teledomain "payload-tracker/backend/internal/telemetry/domain"
)

type memPayloadRepo struct {
	mu      sync.Mutex
	byIdent map[string]*payloaddomain.Payload
	calls   int
}

func (r *memPayloadRepo) GetOrCreateByIdentifier(ctx context.Context, identifier string) (*payloaddomain.Payload, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if p, ok := r.byIdent[identifier]; ok {
		return p, false, nil
	}
	p := &payloaddomain.Payload{ID: fmt.Sprintf("payload-%d", len(r.byIdent)+1), Name: identifier}
	r.byIdent[identifier] = p
	return p, true, nil
}

type memRawRepo struct {
	mu        sync.Mutex
	rows      map[string]*rawdomain.RawMessage
	insertErr error
}

func (r *memRawRepo) Insert(ctx context.Context, m *rawdomain.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	m2 := *m
	r.rows[m.ID] = &m2
	return nil
}

func (r *memRawRepo) LinkTelemetry(ctx context.Context, id, telemetryID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.rows[id]; ok {
		m.TelemetryID = telemetryID
	}
	return nil
}

func (r *memRawRepo) unlinked() []*rawdomain.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*rawdomain.RawMessage
	for _, m := range r.rows {
		if m.TelemetryID == "" {
			out = append(out, m)
		}
	}
	return out
}

type memTelemetryRepo struct {
	mu   sync.Mutex
	rows map[string]*teledomain.Telemetry
}

func (r *memTelemetryRepo) GetByID(ctx context.Context, id string) (*teledomain.Telemetry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (r *memTelemetryRepo) FindNearestInWindow(ctx context.Context, payloadID string, effective time.Time, window time.Duration) (*teledomain.Telemetry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *teledomain.Telemetry
	var bestDelta time.Duration
	for _, row := range r.rows {
		if row.PayloadID != payloadID {
			continue
		}
		delta := row.EventTime.Sub(effective)
		if delta < 0 {
			delta = -delta
		}
		if delta > window {
			continue
		}
		if best == nil || delta < bestDelta {
			best = row
			bestDelta = delta
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (r *memTelemetryRepo) Create(ctx context.Context, t *teledomain.Telemetry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.rows[t.ID] = &cp
	return nil
}

func (r *memTelemetryRepo) Update(ctx context.Context, t *teledomain.Telemetry) error {
	return r.Create(ctx, t)
}

func (r *memTelemetryRepo) LastConfirmedPoint(ctx context.Context, payloadID, excludeID string) (*teledomain.Point, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *teledomain.Telemetry
	for _, row := range r.rows {
		if row.PayloadID != payloadID || row.ID == excludeID || row.Confidence != teledomain.ConfidenceConfirmed {
			continue
		}
		if best == nil || row.EventTime.After(best.EventTime) {
			best = row
		}
	}
	if best == nil {
		return nil, nil
	}
	p := best.Snapshot()
	return &p, nil
}

type recordingPublisher struct {
	events chan *bus.ChangeEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event *bus.ChangeEvent) error {
	p.events <- event
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type recordingDispatcher struct {
	jobs chan tasks.Job
}

func (d *recordingDispatcher) Enqueue(ctx context.Context, job tasks.Job) error {
	d.jobs <- job
	return nil
}

func (d *recordingDispatcher) Close() error { return nil }

func newTestService(t *testing.T) (*Service, *memPayloadRepo, *memRawRepo, *memTelemetryRepo, *recordingPublisher, *recordingDispatcher) {
	t.Helper()
	payloads := &memPayloadRepo{byIdent: make(map[string]*payloaddomain.Payload)}
	raws := &memRawRepo{rows: make(map[string]*rawdomain.RawMessage)}
	telemetry := &memTelemetryRepo{rows: make(map[string]*teledomain.Telemetry)}
	pub := &recordingPublisher{events: make(chan *bus.ChangeEvent, 8)}
	disp := &recordingDispatcher{jobs: make(chan tasks.Job, 8)}

	resolver := NewResolver(payloads, cache.New(), 5*time.Second)
	guard := &Guard{MaxSpeedKMH: 1200, Corroboration: 2, AgreeRadiusKM: 5}
	svc := NewService(resolver, raws, telemetry, guard,
		[]string{"iridium", "aprs", "lora"}, pub, disp, time.Second)
	return svc, payloads, raws, telemetry, pub, disp
}

func waitEvent(t *testing.T, ch chan *bus.ChangeEvent) *bus.ChangeEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no change event published")
		return nil
	}
}

func waitJob(t *testing.T, ch chan tasks.Job) tasks.Job {
	t.Helper()
	select {
	case j := <-ch:
		return j
	case <-time.After(2 * time.Second):
		t.Fatal("no job dispatched")
		return tasks.Job{}
	}
}

func TestService_Ingest_NewPayloadAndRow(t *testing.T) {
	svc, _, raws, telemetry, pub, disp := newTestService(t)
	ctx := context.Background()

	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	res, err := svc.Ingest(ctx, Envelope{
		Body:           []byte(`{"callsign":"KD8ABC-11","lat":42.0,"lon":-83.0,"timestamp":"2026-03-01T11:59:58Z"}`),
		IngestMethod:   "http",
		TransmitMethod: "aprs",
		SourceLabel:    "station-1",
		ReceivedAt:     received,
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !res.Created {
		t.Error("first envelope should create a row")
	}
	if res.Telemetry.Confidence != teledomain.ConfidenceConfirmed {
		t.Errorf("confidence = %v", res.Telemetry.Confidence)
	}
	if got := res.Telemetry.EventTime; !got.Equal(time.Date(2026, 3, 1, 11, 59, 58, 0, time.UTC)) {
		t.Errorf("event time = %v, want declared time", got)
	}

	raws.mu.Lock()
	raw := raws.rows[res.RawMessageID]
	raws.mu.Unlock()
	if raw == nil || raw.TelemetryID != res.Telemetry.ID {
		t.Error("raw message not linked to the fused row")
	}

	telemetry.mu.Lock()
	stored := len(telemetry.rows)
	telemetry.mu.Unlock()
	if stored != 1 {
		t.Errorf("stored rows = %d, want 1", stored)
	}

	event := waitEvent(t, pub.events)
	if event.PayloadID != res.Telemetry.PayloadID || event.Point.Lat != 42.0 {
		t.Errorf("published event = %+v", event)
	}

	job := waitJob(t, disp.jobs)
	if job.Type != tasks.JobPredictPath || job.TelemetryID != res.Telemetry.ID {
		t.Errorf("dispatched job = %+v", job)
	}
}

func TestService_Ingest_CoalescesWithinWindow(t *testing.T) {
	svc, _, _, telemetry, pub, _ := newTestService(t)
	ctx := context.Background()

	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first, err := svc.Ingest(ctx, Envelope{
		Body:        []byte(`{"callsign":"KD8ABC-11","lat":42.0,"lon":-83.0,"timestamp":"2026-03-01T12:00:00Z"}`),
		SourceLabel: "X",
		ReceivedAt:  received,
	})
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	waitEvent(t, pub.events)

	// Second station's report of the same transmission, two seconds earlier.
	second, err := svc.Ingest(ctx, Envelope{
		Body:        []byte(`{"callsign":"KD8ABC-11","lat":42.001,"lon":-83.001,"timestamp":"2026-03-01T11:59:58Z"}`),
		SourceLabel: "Y",
		ReceivedAt:  received.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if second.Created {
		t.Error("second envelope should merge, not create")
	}
	if second.Telemetry.ID != first.Telemetry.ID {
		t.Error("envelopes fused into different rows")
	}
	if !second.Telemetry.EventTime.Equal(time.Date(2026, 3, 1, 11, 59, 58, 0, time.UTC)) {
		t.Errorf("event time = %v, want earliest", second.Telemetry.EventTime)
	}
	if len(second.Telemetry.Sources) != 2 {
		t.Errorf("sources = %d, want 2", len(second.Telemetry.Sources))
	}

	telemetry.mu.Lock()
	stored := len(telemetry.rows)
	telemetry.mu.Unlock()
	if stored != 1 {
		t.Errorf("stored rows = %d, want 1", stored)
	}

	// The merged row is republished so viewers converge.
	event := waitEvent(t, pub.events)
	if event.Point.Lat != 42.001 {
		t.Errorf("republished point lat = %v, want last received", event.Point.Lat)
	}
}

// boundaryTelemetryRepo holds every lookup that found a row until all expected
// lookups have completed, forcing concurrent merges to start from the same
// stale snapshot.
type boundaryTelemetryRepo struct {
	*memTelemetryRepo
	lookups sync.WaitGroup
}

func (r *boundaryTelemetryRepo) FindNearestInWindow(ctx context.Context, payloadID string, effective time.Time, window time.Duration) (*teledomain.Telemetry, error) {
	row, err := r.memTelemetryRepo.FindNearestInWindow(ctx, payloadID, effective, window)
	if row != nil {
		r.lookups.Done()
		r.lookups.Wait()
	}
	return row, err
}

func TestService_Ingest_ConcurrentMergesAcrossBucketBoundary(t *testing.T) {
	payloads := &memPayloadRepo{byIdent: make(map[string]*payloaddomain.Payload)}
	raws := &memRawRepo{rows: make(map[string]*rawdomain.RawMessage)}
	telemetry := &boundaryTelemetryRepo{memTelemetryRepo: &memTelemetryRepo{rows: make(map[string]*teledomain.Telemetry)}}
	telemetry.lookups.Add(2)

	resolver := NewResolver(payloads, cache.New(), 5*time.Second)
	guard := &Guard{MaxSpeedKMH: 1200, Corroboration: 2, AgreeRadiusKM: 5}
	svc := NewService(resolver, raws, telemetry, guard, nil, nil, nil, time.Second)
	ctx := context.Background()

	received := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)
	first, err := svc.Ingest(ctx, Envelope{
		Body:        []byte(`{"callsign":"KD8ABC-11","lat":42.0,"lon":-83.0,"timestamp":"2026-03-01T12:00:04Z"}`),
		SourceLabel: "X",
		ReceivedAt:  received,
	})
	if err != nil {
		t.Fatalf("seed Ingest: %v", err)
	}

	// 12:00:03 and 12:00:06 quantize into buckets on either side of the
	// 12:00:05 boundary, yet both are within the window of the seeded row.
	bodies := []Envelope{
		{
			Body:        []byte(`{"callsign":"KD8ABC-11","lat":42.001,"lon":-83.001,"timestamp":"2026-03-01T12:00:03Z"}`),
			SourceLabel: "Y",
			ReceivedAt:  received.Add(time.Second),
		},
		{
			Body:        []byte(`{"callsign":"KD8ABC-11","lat":42.002,"lon":-83.002,"timestamp":"2026-03-01T12:00:06Z"}`),
			SourceLabel: "Z",
			ReceivedAt:  received.Add(2 * time.Second),
		},
	}
	results := make([]*Result, len(bodies))
	errs := make([]error, len(bodies))
	var wg sync.WaitGroup
	for i, env := range bodies {
		wg.Add(1)
		go func(i int, env Envelope) {
			defer wg.Done()
			results[i], errs[i] = svc.Ingest(ctx, env)
		}(i, env)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("concurrent Ingest %d: %v", i, err)
		}
		if results[i].Created {
			t.Errorf("concurrent Ingest %d created a row, want merge", i)
		}
	}

	telemetry.mu.Lock()
	stored := len(telemetry.rows)
	row := telemetry.rows[first.Telemetry.ID]
	telemetry.mu.Unlock()
	if stored != 1 {
		t.Fatalf("stored rows = %d, want 1", stored)
	}
	if len(row.Sources) != 3 {
		t.Errorf("sources = %d, want 3 (a concurrent contribution was lost)", len(row.Sources))
	}
	if !row.EventTime.Equal(time.Date(2026, 3, 1, 12, 0, 3, 0, time.UTC)) {
		t.Errorf("event time = %v, want earliest contribution", row.EventTime)
	}
}

func TestService_Ingest_SeparateBucketsSeparateRows(t *testing.T) {
	svc, _, _, telemetry, _, _ := newTestService(t)
	ctx := context.Background()

	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, ts := range []string{"2026-03-01T12:00:00Z", "2026-03-01T12:01:00Z"} {
		_, err := svc.Ingest(ctx, Envelope{
			Body:        []byte(`{"callsign":"KD8ABC-11","lat":42.0,"lon":-83.0,"timestamp":"` + ts + `"}`),
			SourceLabel: "X",
			ReceivedAt:  received.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
	}

	telemetry.mu.Lock()
	stored := len(telemetry.rows)
	telemetry.mu.Unlock()
	if stored != 2 {
		t.Errorf("stored rows = %d, want 2", stored)
	}
}

func TestService_Ingest_ImplausibleJumpContained(t *testing.T) {
	svc, _, _, _, pub, _ := newTestService(t)
	ctx := context.Background()

	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := svc.Ingest(ctx, Envelope{
		Body:        []byte(`{"callsign":"KD8ABC-11","lat":42.0,"lon":-83.0,"timestamp":"2026-03-01T12:00:00Z"}`),
		SourceLabel: "X",
		ReceivedAt:  received,
	})
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	waitEvent(t, pub.events)

	// Five degrees of latitude one minute later.
	res, err := svc.Ingest(ctx, Envelope{
		Body:        []byte(`{"callsign":"KD8ABC-11","lat":47.0,"lon":-83.0,"timestamp":"2026-03-01T12:01:00Z"}`),
		SourceLabel: "X",
		ReceivedAt:  received.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if res.Telemetry.Confidence != teledomain.ConfidenceProvisional {
		t.Errorf("confidence = %v, want provisional", res.Telemetry.Confidence)
	}

	// The event still flows, labelled provisional, so clients can de-emphasize it.
	event := waitEvent(t, pub.events)
	if event.Confidence != teledomain.ConfidenceProvisional {
		t.Errorf("event confidence = %v", event.Confidence)
	}
}

func TestService_Ingest_ParseFailureRetainsRaw(t *testing.T) {
	svc, _, raws, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, Envelope{
		Body:       []byte(`{{{garbled`),
		ReceivedAt: time.Now().UTC(),
	})
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("want ParseError, got %v", err)
	}

	kept := raws.unlinked()
	if len(kept) != 1 {
		t.Fatalf("unlinked raw messages = %d, want 1", len(kept))
	}
	if kept[0].Raw != `{{{garbled` || kept[0].PayloadID != "" {
		t.Errorf("retained raw = %+v", kept[0])
	}
}

func TestService_Ingest_StoreUnavailable(t *testing.T) {
	svc, _, raws, _, _, _ := newTestService(t)
	ctx := context.Background()

	raws.insertErr = errors.New("connection refused")
	_, err := svc.Ingest(ctx, Envelope{
		Body:       []byte(`{"callsign":"KD8ABC-11","lat":42.0,"lon":-83.0}`),
		ReceivedAt: time.Now().UTC(),
	})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("want ErrStoreUnavailable, got %v", err)
	}
}

func TestService_Ingest_IdentifierCacheSkipsRepo(t *testing.T) {
	svc, payloads, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	body := []byte(`{"callsign":"KD8ABC-11","lat":42.0,"lon":-83.0}`)
	for i := 0; i < 3; i++ {
		if _, err := svc.Ingest(ctx, Envelope{Body: body, ReceivedAt: time.Now().UTC()}); err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
	}

	payloads.mu.Lock()
	calls := payloads.calls
	payloads.mu.Unlock()
	if calls != 1 {
		t.Errorf("payload repo calls = %d, want 1 (cached afterwards)", calls)
	}
}

func TestService_Ingest_IridiumDispatchesDopplerFix(t *testing.T) {
	svc, _, _, _, _, disp := newTestService(t)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, Envelope{
		Body:           []byte(`{"id":"imei:300234063904190","lat":42.0,"lon":-83.0}`),
		TransmitMethod: "iridium",
		SourceLabel:    "sbd-gateway",
		ReceivedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	types := map[string]bool{}
	types[waitJob(t, disp.jobs).Type] = true
	types[waitJob(t, disp.jobs).Type] = true
	if !types[tasks.JobPredictPath] || !types[tasks.JobDopplerFix] {
		t.Errorf("job types = %v, want predict-path and doppler-fix", types)
	}
}
