// Package trust implements C7, the Trust Worker: an outbox-driven intake
// consumer that records qualifying report/label/interaction events, plus
// two independently scheduled scorers (report-based and
// communication-density) that aggregate those recorded interactions,
// maintain per-subject score rows, and mint signed attestation events
// bound by expiry. Grounded on the teacher's scheduler package for the
// timer/fire/reschedule shape; the score, job, and raw-interaction
// persistence live in internal/store/trust.go.
package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"

	"github.com/kukuri-dev/kukuri-node/internal/kipevent"
	"github.com/kukuri-dev/kukuri-node/internal/metrics"
	"github.com/kukuri-dev/kukuri-node/internal/outbox"
	"github.com/kukuri-dev/kukuri-node/internal/store"
)

// Job type identifiers (spec §3 TrustJob.job_type).
const (
	JobTypeReportBased          = "report_based"
	JobTypeCommunicationDensity = "communication_density"

	schemaAttestation = "kukuri-attest-v1"
	claimModeration   = "moderation.risk"
	claimReputation   = "reputation"
)

// Ingestor re-ingests a freshly built attestation event through the
// normal event pipeline, so it lands in StoredEvent/outbox/gossip like
// any other event.
type Ingestor interface {
	IngestEvent(raw json.RawMessage) error
}

// Config parameterizes both scorers (spec §4.7).
type Config struct {
	WindowDays int

	ReportWeight             float64
	LabelWeight              float64
	ReportScoreNormalization float64

	InteractionWeights              map[int]float64
	CommunicationScoreNormalization float64

	AttestationExpSeconds int64

	ReportInterval        time.Duration
	CommunicationInterval time.Duration

	// JobTimeoutSeconds bounds how long a trust_jobs row may stay
	// `running` before the reaper marks it `failed{timeout}` (spec §5).
	JobTimeoutSeconds int64

	// IntakePollInterval/IntakeBatchSize configure the outbox.Consumer
	// that feeds qualifying events into trust_raw_interactions.
	IntakePollInterval time.Duration
	IntakeBatchSize    int
}

func (c Config) withDefaults() Config {
	if c.WindowDays <= 0 {
		c.WindowDays = 30
	}
	if c.ReportWeight == 0 {
		c.ReportWeight = 1.0
	}
	if c.LabelWeight == 0 {
		c.LabelWeight = 1.0
	}
	if c.ReportScoreNormalization == 0 {
		c.ReportScoreNormalization = 10.0
	}
	if c.CommunicationScoreNormalization == 0 {
		c.CommunicationScoreNormalization = 10.0
	}
	if c.InteractionWeights == nil {
		c.InteractionWeights = map[int]float64{}
	}
	if c.AttestationExpSeconds <= 0 {
		c.AttestationExpSeconds = 7 * 24 * 3600
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = time.Hour
	}
	if c.CommunicationInterval <= 0 {
		c.CommunicationInterval = time.Hour
	}
	if c.JobTimeoutSeconds <= 0 {
		c.JobTimeoutSeconds = 15 * 60
	}
	if c.IntakePollInterval <= 0 {
		c.IntakePollInterval = 5 * time.Second
	}
	if c.IntakeBatchSize <= 0 {
		c.IntakeBatchSize = 200
	}
	return c
}

// attestationContent is the kind-39010 content body (spec §4.7).
type attestationContent struct {
	Schema  string  `json:"schema"`
	Subject string  `json:"subject"`
	Claim   string  `json:"claim"`
	Score   float64 `json:"score"`
}

// Worker runs both trust scorers on their own schedules.
type Worker struct {
	store   *store.Store
	log     *slog.Logger
	nodeSK  string
	nodePub string
	ingest  Ingestor
	cfg     Config

	mu      sync.Mutex
	timers  map[string]*time.Timer
	running bool
	wg      sync.WaitGroup
}

// New creates a Worker that signs attestation events with nodeSK.
func New(st *store.Store, log *slog.Logger, nodeSK string, ingest Ingestor, cfg Config) (*Worker, error) {
	pub, err := nostr.GetPublicKey(nodeSK)
	if err != nil {
		return nil, fmt.Errorf("trust: derive node pubkey: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		store:   st,
		log:     log,
		nodeSK:  nodeSK,
		nodePub: pub,
		ingest:  ingest,
		cfg:     cfg.withDefaults(),
		timers:  make(map[string]*time.Timer),
	}, nil
}

// Start ensures both job schedules exist and arms their timers.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	for _, jobType := range []string{JobTypeReportBased, JobTypeCommunicationDensity} {
		interval := w.intervalFor(jobType)
		_, next, _, found, err := w.store.GetJobSchedule(jobType)
		if err != nil {
			return err
		}
		if !found {
			next = time.Now()
			if err := w.store.PutJobSchedule(jobType, int64(interval/time.Second), next); err != nil {
				return err
			}
		}
		w.scheduleJob(ctx, jobType, next)
	}
	return nil
}

// Stop cancels every armed timer and waits for in-flight runs to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	for id, timer := range w.timers {
		timer.Stop()
		delete(w.timers, id)
	}
	w.mu.Unlock()

	w.wg.Wait()
}

// RunOnce executes jobType immediately, bypassing its schedule. Used by
// tests and manual CLI triggers.
func (w *Worker) RunOnce(ctx context.Context, jobType string) error {
	return w.runJob(ctx, jobType)
}

func (w *Worker) intervalFor(jobType string) time.Duration {
	switch jobType {
	case JobTypeReportBased:
		return w.cfg.ReportInterval
	case JobTypeCommunicationDensity:
		return w.cfg.CommunicationInterval
	default:
		return time.Hour
	}
}

func (w *Worker) scheduleJob(ctx context.Context, jobType string, at time.Time) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if timer, ok := w.timers[jobType]; ok {
		timer.Stop()
	}
	w.timers[jobType] = time.AfterFunc(delay, func() {
		w.onFire(ctx, jobType)
	})
}

func (w *Worker) onFire(ctx context.Context, jobType string) {
	w.wg.Add(1)
	defer w.wg.Done()

	w.mu.Lock()
	running := w.running
	delete(w.timers, jobType)
	w.mu.Unlock()
	if !running {
		return
	}

	if reaped, err := w.store.ReapStaleTrustJobs(jobType, w.cfg.JobTimeoutSeconds); err != nil {
		w.log.Error("trust: reap stale jobs failed", "job_type", jobType, "error", err)
	} else if reaped > 0 {
		w.log.Warn("trust: reaped stale running jobs", "job_type", jobType, "count", reaped)
	}

	if err := w.runJob(ctx, jobType); err != nil {
		w.log.Error("trust: job run failed", "job_type", jobType, "error", err)
	}

	// next_run_at advances by the configured interval regardless of outcome.
	interval := w.intervalFor(jobType)
	ranAt := time.Now()
	if err := w.store.AdvanceJobSchedule(jobType, ranAt, int64(interval/time.Second)); err != nil {
		w.log.Error("trust: advance schedule failed", "job_type", jobType, "error", err)
	}

	w.mu.Lock()
	stillRunning := w.running
	w.mu.Unlock()
	if stillRunning {
		w.scheduleJob(ctx, jobType, ranAt.Add(interval))
	}
}

func (w *Worker) runJob(ctx context.Context, jobType string) error {
	jobID := uuid.NewString()
	if err := w.store.CreateTrustJob(jobID, jobType); err != nil {
		return err
	}
	if err := w.store.StartTrustJob(jobID); err != nil {
		return err
	}

	start := time.Now()
	var scanned, updated, attestations int
	var runErr error
	switch jobType {
	case JobTypeReportBased:
		scanned, updated, attestations, runErr = w.runReportBased(ctx)
	case JobTypeCommunicationDensity:
		scanned, updated, attestations, runErr = w.runCommunicationDensity(ctx)
	default:
		runErr = fmt.Errorf("trust: unknown job type %q", jobType)
	}
	metrics.TrustJobDuration.WithLabelValues(jobType).Observe(time.Since(start).Seconds())

	status := "succeeded"
	errMsg := ""
	if runErr != nil {
		status = "failed"
		errMsg = runErr.Error()
	}
	metrics.TrustJobsTotal.WithLabelValues(jobType, status).Inc()

	if err := w.store.FinishTrustJob(jobID, status, scanned, updated, attestations, errMsg); err != nil {
		w.log.Error("trust: finish job failed", "job_id", jobID, "error", err)
	}
	return runErr
}

// Consumer returns the outbox.Consumer that feeds this worker's
// qualifying-event intake: report/label events and any kind configured
// in InteractionWeights, recorded into trust_raw_interactions under its
// own (consumer_id, last_seq) cursor (spec §4.6). The caller registers
// it with the same outbox.Dispatcher used for other downstream
// consumers.
func (w *Worker) Consumer() outbox.Consumer {
	return outbox.Consumer{
		Name:         "trust-worker",
		PollInterval: w.cfg.IntakePollInterval,
		BatchSize:    w.cfg.IntakeBatchSize,
		Handle:       w.consumeOutbox,
	}
}

func (w *Worker) consumeOutbox(entries []store.OutboxEntry) error {
	for _, e := range entries {
		if !w.intakeKind(e.Kind) {
			continue
		}
		stored, err := w.store.GetEvent(e.EventID)
		if err != nil {
			return err
		}
		if stored == nil {
			continue
		}

		tagName := "p"
		if e.Kind == kipevent.KindReport || e.Kind == kipevent.KindLabel {
			tagName = "target"
		}
		subject, ok := kipevent.FirstTagValue(&stored.Event, tagName)
		if !ok {
			continue
		}

		if err := w.store.RecordTrustRawInteraction(store.TrustRawInteraction{
			EventID:       e.EventID,
			Kind:          e.Kind,
			SubjectPubkey: subject,
			ActorPubkey:   stored.Event.PubKey,
			CreatedAt:     int64(stored.Event.CreatedAt),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) intakeKind(kind int) bool {
	if kind == kipevent.KindReport || kind == kipevent.KindLabel {
		return true
	}
	_, ok := w.cfg.InteractionWeights[kind]
	return ok
}

func (w *Worker) windowSince() int64 {
	return time.Now().AddDate(0, 0, -w.cfg.WindowDays).Unix()
}

// runReportBased scores every subject referenced by a kind-39005 report
// or kind-39006 label within the window (spec §4.7), aggregating over
// trust_raw_interactions rows recorded by this worker's outbox consumer
// rather than re-scanning the full events log.
func (w *Worker) runReportBased(ctx context.Context) (scanned, updated, attestations int, err error) {
	since := w.windowSince()
	rows, err := w.store.QueryTrustRawInteractions([]int{kipevent.KindReport, kipevent.KindLabel}, since)
	if err != nil {
		return 0, 0, 0, err
	}

	reportCounts := map[string]int{}
	labelCounts := map[string]int{}
	for _, r := range rows {
		scanned++
		switch r.Kind {
		case kipevent.KindReport:
			reportCounts[r.SubjectPubkey]++
		case kipevent.KindLabel:
			labelCounts[r.SubjectPubkey]++
		}
	}

	for _, subject := range unionKeys(reportCounts, labelCounts) {
		rc := reportCounts[subject]
		lc := labelCounts[subject]
		score := clamp((float64(rc)*w.cfg.ReportWeight+float64(lc)*w.cfg.LabelWeight)/w.cfg.ReportScoreNormalization, 0, 1)

		prev, err := w.store.GetReportScore(subject)
		if err != nil {
			return scanned, updated, attestations, err
		}
		if prev.Score == score && prev.ReportCount == rc && prev.LabelCount == lc {
			continue // no qualifying change: leave attestation_id unchanged
		}

		attID, err := w.buildAndIngestAttestation(subject, JobTypeReportBased, claimModeration, score)
		if err != nil {
			return scanned, updated, attestations, err
		}
		if err := w.store.UpsertReportScore(store.ReportScore{
			SubjectPubkey: subject,
			Score:         score,
			ReportCount:   rc,
			LabelCount:    lc,
			AttestationID: attID,
		}); err != nil {
			return scanned, updated, attestations, err
		}
		updated++
		attestations++
	}
	return scanned, updated, attestations, nil
}

// runCommunicationDensity scores every subject that is the p-tag target
// of a configured interaction kind within the window (spec §4.7),
// aggregating over trust_raw_interactions rows recorded by this
// worker's outbox consumer rather than re-scanning the full events log.
func (w *Worker) runCommunicationDensity(ctx context.Context) (scanned, updated, attestations int, err error) {
	if len(w.cfg.InteractionWeights) == 0 {
		return 0, 0, 0, nil
	}
	kinds := make([]int, 0, len(w.cfg.InteractionWeights))
	for k := range w.cfg.InteractionWeights {
		kinds = append(kinds, k)
	}

	since := w.windowSince()
	rows, err := w.store.QueryTrustRawInteractions(kinds, since)
	if err != nil {
		return 0, 0, 0, err
	}

	edgeWeight := map[string]map[string]float64{} // subject -> actor -> accumulated weight
	interactionCount := map[string]int{}

	for _, r := range rows {
		scanned++
		weight := w.cfg.InteractionWeights[r.Kind]
		if weight <= 0 {
			continue
		}
		if edgeWeight[r.SubjectPubkey] == nil {
			edgeWeight[r.SubjectPubkey] = map[string]float64{}
		}
		edgeWeight[r.SubjectPubkey][r.ActorPubkey] += weight
		interactionCount[r.SubjectPubkey]++
	}

	for subject, actors := range edgeWeight {
		var weightedEdgeSum float64
		peers := 0
		for _, aw := range actors {
			if aw > 0 {
				weightedEdgeSum += aw
				peers++
			}
		}
		score := clamp(weightedEdgeSum/w.cfg.CommunicationScoreNormalization, 0, 1)

		prev, err := w.store.GetCommunicationScore(subject)
		if err != nil {
			return scanned, updated, attestations, err
		}
		if prev.Score == score && prev.InteractionCount == interactionCount[subject] && prev.PeerCount == peers {
			continue
		}

		attID, err := w.buildAndIngestAttestation(subject, JobTypeCommunicationDensity, claimReputation, score)
		if err != nil {
			return scanned, updated, attestations, err
		}
		if err := w.store.UpsertCommunicationScore(store.CommunicationScore{
			SubjectPubkey:    subject,
			Score:            score,
			InteractionCount: interactionCount[subject],
			PeerCount:        peers,
			AttestationID:    attID,
		}); err != nil {
			return scanned, updated, attestations, err
		}
		updated++
		attestations++
	}
	return scanned, updated, attestations, nil
}

func (w *Worker) buildAndIngestAttestation(subject, jobType, claim string, score float64) (string, error) {
	now := time.Now()
	content, err := json.Marshal(attestationContent{
		Schema:  schemaAttestation,
		Subject: subject,
		Claim:   claim,
		Score:   score,
	})
	if err != nil {
		return "", fmt.Errorf("marshal attestation content: %w", err)
	}

	exp := now.Unix() + w.cfg.AttestationExpSeconds
	evt := &nostr.Event{
		PubKey:    w.nodePub,
		CreatedAt: nostr.Timestamp(now.Unix()),
		Kind:      kipevent.KindAttestation,
		Tags: nostr.Tags{
			{"k", kipevent.Namespace},
			{"ver", kipevent.Version},
			{"sub", "pubkey", subject},
			{"claim", claim},
			{"exp", fmt.Sprintf("%d", exp)},
		},
		Content: string(content),
	}
	if err := evt.Sign(w.nodeSK); err != nil {
		return "", fmt.Errorf("sign attestation: %w", err)
	}

	raw, err := json.Marshal(evt)
	if err != nil {
		return "", fmt.Errorf("marshal attestation event: %w", err)
	}
	if w.ingest != nil {
		if err := w.ingest.IngestEvent(raw); err != nil {
			return "", fmt.Errorf("re-ingest attestation: %w", err)
		}
	}

	expPtr := exp
	if err := w.store.RecordAttestation(evt.ID, subject, jobType, claim, now, &expPtr); err != nil {
		return "", fmt.Errorf("record attestation: %w", err)
	}
	return evt.ID, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func unionKeys(maps ...map[string]int) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, m := range maps {
		for k := range m {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
	}
	return out
}
