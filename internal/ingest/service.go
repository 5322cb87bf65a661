// Package ingest implements the fusion pipeline: normalize a raw envelope,
// resolve the payload it belongs to, merge it into the right telemetry row
// under the fusion bucket lock, screen the result for implausible motion, and
// fan the commit out to the bus and task queue.
package ingest

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"payload-tracker/backend/internal/bus"
	"payload-tracker/backend/internal/platform/keylock"
	"payload-tracker/backend/internal/platform/retry"
	rawdomain "payload-tracker/backend/internal/rawmsg/domain"
	"payload-tracker/backend/internal/tasks"
	teledomain "payload-tracker/backend/internal/telemetry/domain"
)

// RawMessageRepo is the minimal raw-message repository needed by the pipeline.
type RawMessageRepo interface {
	Insert(ctx context.Context, m *rawdomain.RawMessage) error
	LinkTelemetry(ctx context.Context, id, telemetryID string) error
}

// TelemetryRepo is the minimal telemetry repository needed by the pipeline.
type TelemetryRepo interface {
	GetByID(ctx context.Context, id string) (*teledomain.Telemetry, error)
	FindNearestInWindow(ctx context.Context, payloadID string, effective time.Time, window time.Duration) (*teledomain.Telemetry, error)
	Create(ctx context.Context, t *teledomain.Telemetry) error
	Update(ctx context.Context, t *teledomain.Telemetry) error
	LastConfirmedPoint(ctx context.Context, payloadID, excludeID string) (*teledomain.Point, error)
}

// Result is the outcome of one successful ingestion.
type Result struct {
	Telemetry    *teledomain.Telemetry
	RawMessageID string
	// Created reports whether the candidate started a new fusion bucket
	// rather than merging into an existing row.
	Created bool
}

// Service is the ingestion pipeline. One instance serves all inbound
// ingestion tasks; the keyed bucket lock is its only cross-task mutable state.
type Service struct {
	resolver  *Resolver
	raws      RawMessageRepo
	telemetry TelemetryRepo
	guard     *Guard
	rank      authorityRank
	locks     *keylock.KeyLock

	publisher   bus.Publisher
	dispatcher  tasks.Dispatcher
	retryBudget time.Duration
}

// NewService wires the pipeline. publisher and dispatcher may be nil (e.g. in
// tests or when the bus is not configured); publishing then becomes a no-op.
func NewService(resolver *Resolver, raws RawMessageRepo, telemetry TelemetryRepo, guard *Guard,
	sourceAuthority []string, publisher bus.Publisher, dispatcher tasks.Dispatcher, retryBudget time.Duration) *Service {
	return &Service{
		resolver:    resolver,
		raws:        raws,
		telemetry:   telemetry,
		guard:       guard,
		rank:        newAuthorityRank(sourceAuthority),
		locks:       keylock.New(),
		publisher:   publisher,
		dispatcher:  dispatcher,
		retryBudget: retryBudget,
	}
}

// Ingest runs one envelope through the full pipeline.
//
// Parse and identity failures are terminal per-message: the raw envelope is
// persisted unlinked for audit and the error returned. Store failures are
// wrapped in ErrStoreUnavailable so the transport adapter can redeliver. A
// publish or dispatch failure never fails ingestion; the store commit stands.
func (s *Service) Ingest(ctx context.Context, env Envelope) (*Result, error) {
	cand, err := Normalize(env)
	if err != nil {
		s.persistUnlinked(ctx, env)
		return nil, err
	}

	payloadID, err := s.resolver.ResolvePayload(ctx, cand.Identifier)
	if err != nil {
		return nil, err
	}

	raw := &rawdomain.RawMessage{
		ID:             uuid.NewString(),
		PayloadID:      payloadID,
		ReceivedAt:     env.ReceivedAt,
		DeclaredAt:     cand.DeclaredAt,
		IngestMethod:   env.IngestMethod,
		TransmitMethod: env.TransmitMethod,
		SourceLabel:    env.SourceLabel,
		Raw:            string(env.Body),
	}
	if err := s.raws.Insert(ctx, raw); err != nil {
		return nil, fmt.Errorf("%w: raw message insert: %v", ErrStoreUnavailable, err)
	}

	effective := cand.EffectiveTime(env.ReceivedAt)
	row, created, err := s.fuse(ctx, payloadID, cand, env, raw.ID, effective)
	if err != nil {
		return nil, err
	}

	if err := s.raws.LinkTelemetry(ctx, raw.ID, row.ID); err != nil {
		// The fused row stands; the back-reference is repairable from sources.
		log.Printf("ingest: linking raw message %s to telemetry %s failed: %v", raw.ID, row.ID, err)
	}

	s.publishAsync(row)
	s.dispatch(env, row)

	return &Result{Telemetry: row, RawMessageID: raw.ID, Created: created}, nil
}

// fuse merges the candidate into its resolved bucket. The bucket lock
// serializes row creation; merging into an existing row is additionally
// serialized on the row itself, because candidates within one window of each
// other can quantize into adjacent buckets and would otherwise read-modify-
// write the shared row under different bucket locks. Row locks are only ever
// taken while holding a bucket lock, and never the reverse.
func (s *Service) fuse(ctx context.Context, payloadID string, cand *Candidate, env Envelope, rawID string, effective time.Time) (*teledomain.Telemetry, bool, error) {
	key := s.resolver.BucketKey(payloadID, effective)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	found, err := s.telemetry.FindNearestInWindow(ctx, payloadID, effective, s.resolver.Window())
	if err != nil {
		return nil, false, fmt.Errorf("%w: bucket lookup: %v", ErrStoreUnavailable, err)
	}
	if found == nil {
		row, err := s.createRow(ctx, payloadID, cand, env, rawID, effective)
		return row, true, err
	}

	rowKey := "row:" + found.ID
	s.locks.Lock(rowKey)
	defer s.locks.Unlock(rowKey)

	// The lookup ran before the row lock was held, so its snapshot may be
	// stale; merge against the committed state.
	row, err := s.telemetry.GetByID(ctx, found.ID)
	if err != nil {
		return nil, false, fmt.Errorf("%w: row re-read: %v", ErrStoreUnavailable, err)
	}
	if row == nil {
		// Deleted between lookup and lock (payload merge GC); start fresh.
		row, err := s.createRow(ctx, payloadID, cand, env, rawID, effective)
		return row, true, err
	}

	applyCandidate(row, cand, env, rawID, time.Now().UTC(), s.rank)
	if err := s.assess(ctx, row, cand, effective); err != nil {
		return nil, false, err
	}
	if err := s.telemetry.Update(ctx, row); err != nil {
		return nil, false, fmt.Errorf("%w: telemetry commit: %v", ErrStoreUnavailable, err)
	}
	return row, false, nil
}

func (s *Service) createRow(ctx context.Context, payloadID string, cand *Candidate, env Envelope, rawID string, effective time.Time) (*teledomain.Telemetry, error) {
	row := newTelemetry(payloadID, cand, env, rawID, time.Now().UTC())
	if err := s.assess(ctx, row, cand, effective); err != nil {
		return nil, err
	}
	if err := s.telemetry.Create(ctx, row); err != nil {
		return nil, fmt.Errorf("%w: telemetry commit: %v", ErrStoreUnavailable, err)
	}
	return row, nil
}

func (s *Service) assess(ctx context.Context, row *teledomain.Telemetry, cand *Candidate, effective time.Time) error {
	prev, err := s.telemetry.LastConfirmedPoint(ctx, row.PayloadID, row.ID)
	if err != nil {
		return fmt.Errorf("%w: confirmed history lookup: %v", ErrStoreUnavailable, err)
	}
	row.Confidence = s.guard.Assess(row, cand, effective, prev)
	return nil
}

// persistUnlinked retains an unparseable envelope for audit. Best effort: an
// unparsed message that also cannot be stored is only logged.
func (s *Service) persistUnlinked(ctx context.Context, env Envelope) {
	raw := &rawdomain.RawMessage{
		ID:             uuid.NewString(),
		ReceivedAt:     env.ReceivedAt,
		IngestMethod:   env.IngestMethod,
		TransmitMethod: env.TransmitMethod,
		SourceLabel:    env.SourceLabel,
		Raw:            string(env.Body),
	}
	if err := s.raws.Insert(ctx, raw); err != nil {
		log.Printf("ingest: retaining unparsed envelope failed: %v", err)
	}
}

// publishAsync emits the change event in a goroutine with bounded backoff so
// the ingestion caller is never blocked and the commit is never reverted.
// Exhausted retries are logged as a terminal publish failure; downstream
// consumers are idempotent against the redelivery that follows recovery.
func (s *Service) publishAsync(row *teledomain.Telemetry) {
	if s.publisher == nil {
		return
	}
	event := &bus.ChangeEvent{
		PayloadID:  row.PayloadID,
		Point:      row.Snapshot(),
		EventTime:  row.EventTime,
		Confidence: row.Confidence,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.retryBudget+time.Second)
		defer cancel()
		err := retry.Do(ctx, s.retryBudget, func() error {
			return s.publisher.Publish(ctx, event)
		})
		if err != nil {
			log.Printf("ingest: publish for payload %s at %s failed after retries: %v",
				event.PayloadID, event.EventTime.Format(time.RFC3339), err)
		}
	}()
}

// dispatch hands derived-computation jobs to the external queue, best effort.
func (s *Service) dispatch(env Envelope, row *teledomain.Telemetry) {
	if s.dispatcher == nil {
		return
	}
	tasks.EnqueueAsync(s.dispatcher, tasks.Job{
		Type:        tasks.JobPredictPath,
		PayloadID:   row.PayloadID,
		TelemetryID: row.ID,
		EventTime:   row.EventTime,
	})
	if env.TransmitMethod == "iridium" {
		tasks.EnqueueAsync(s.dispatcher, tasks.Job{
			Type:        tasks.JobDopplerFix,
			PayloadID:   row.PayloadID,
			TelemetryID: row.ID,
			EventTime:   row.EventTime,
		})
	}
}
