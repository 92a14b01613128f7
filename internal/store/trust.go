package store

import (
	"database/sql"
	"errors"
	"time"
)

// ReportScore mirrors the report-based TrustScore row (spec §3).
type ReportScore struct {
	SubjectPubkey string
	Score         float64
	ReportCount   int
	LabelCount    int
	AttestationID string
	UpdatedAt     time.Time
}

// CommunicationScore mirrors the communication-density TrustScore row.
type CommunicationScore struct {
	SubjectPubkey    string
	Score            float64
	InteractionCount int
	PeerCount        int
	AttestationID    string
	UpdatedAt        time.Time
}

// UpsertReportScore writes the current report-based score for a subject.
func (s *Store) UpsertReportScore(r ReportScore) error {
	_, err := s.db.Exec(`
		INSERT INTO trust_report_scores (subject_pubkey, score, report_count, label_count, attestation_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(subject_pubkey) DO UPDATE SET score=excluded.score, report_count=excluded.report_count,
			label_count=excluded.label_count, attestation_id=excluded.attestation_id, updated_at=excluded.updated_at
	`, r.SubjectPubkey, r.Score, r.ReportCount, r.LabelCount, nullableString(r.AttestationID), time.Now().Unix())
	return err
}

// GetReportScore returns the report-based score row for subject, or the
// zero-value row (score 0) if it does not exist yet.
func (s *Store) GetReportScore(subject string) (ReportScore, error) {
	row := s.db.QueryRow(`
		SELECT subject_pubkey, score, report_count, label_count, attestation_id, updated_at
		FROM trust_report_scores WHERE subject_pubkey = ?
	`, subject)
	var r ReportScore
	var attID sql.NullString
	var updatedAt int64
	err := row.Scan(&r.SubjectPubkey, &r.Score, &r.ReportCount, &r.LabelCount, &attID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ReportScore{SubjectPubkey: subject}, nil
	}
	if err != nil {
		return ReportScore{}, err
	}
	if attID.Valid {
		r.AttestationID = attID.String
	}
	r.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return r, nil
}

// UpsertCommunicationScore writes the current communication-density score
// for a subject.
func (s *Store) UpsertCommunicationScore(c CommunicationScore) error {
	_, err := s.db.Exec(`
		INSERT INTO trust_communication_scores (subject_pubkey, score, interaction_count, peer_count, attestation_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(subject_pubkey) DO UPDATE SET score=excluded.score, interaction_count=excluded.interaction_count,
			peer_count=excluded.peer_count, attestation_id=excluded.attestation_id, updated_at=excluded.updated_at
	`, c.SubjectPubkey, c.Score, c.InteractionCount, c.PeerCount, nullableString(c.AttestationID), time.Now().Unix())
	return err
}

// GetCommunicationScore returns the communication-density score row for
// subject, or a zero-value row if it does not exist yet.
func (s *Store) GetCommunicationScore(subject string) (CommunicationScore, error) {
	row := s.db.QueryRow(`
		SELECT subject_pubkey, score, interaction_count, peer_count, attestation_id, updated_at
		FROM trust_communication_scores WHERE subject_pubkey = ?
	`, subject)
	var c CommunicationScore
	var attID sql.NullString
	var updatedAt int64
	err := row.Scan(&c.SubjectPubkey, &c.Score, &c.InteractionCount, &c.PeerCount, &attID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CommunicationScore{SubjectPubkey: subject}, nil
	}
	if err != nil {
		return CommunicationScore{}, err
	}
	if attID.Valid {
		c.AttestationID = attID.String
	}
	c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return c, nil
}

// RecordAttestation stores the signed attestation event id linked to a
// subject/job type, for the TrustScore row's attestation_id back-reference.
func (s *Store) RecordAttestation(eventID, subjectPubkey, jobType, claim string, createdAt time.Time, expiresAt *int64) error {
	_, err := s.db.Exec(`
		INSERT INTO trust_attestations (event_id, subject_pubkey, job_type, claim, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, eventID, subjectPubkey, jobType, claim, createdAt.Unix(), expiresAt)
	return err
}

// TrustRawInteraction is one qualifying report/label/interaction event
// surfaced by the trust worker's outbox consumer, persisted so the
// periodic scorers can aggregate over a small pre-filtered table instead
// of re-scanning the full events log (spec §4.6: "trust worker ... keeps
// its own (consumer_id, last_seq) cursor").
type TrustRawInteraction struct {
	EventID       string
	Kind          int
	SubjectPubkey string
	ActorPubkey   string
	CreatedAt     int64
}

// RecordTrustRawInteraction persists one qualifying event. Deduplicated
// by event_id so redelivery of an outbox batch (no exactly-once promise,
// spec §4.6) is a no-op.
func (s *Store) RecordTrustRawInteraction(r TrustRawInteraction) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO trust_raw_interactions (event_id, kind, subject_pubkey, actor_pubkey, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.EventID, r.Kind, r.SubjectPubkey, r.ActorPubkey, r.CreatedAt)
	return err
}

// QueryTrustRawInteractions returns every recorded interaction of one of
// kinds with created_at >= since, for a periodic scorer to aggregate.
func (s *Store) QueryTrustRawInteractions(kinds []int, since int64) ([]TrustRawInteraction, error) {
	if len(kinds) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(kinds)+1)
	args = append(args, since)
	for _, k := range kinds {
		args = append(args, k)
	}
	rows, err := s.db.Query(`
		SELECT event_id, kind, subject_pubkey, actor_pubkey, created_at
		FROM trust_raw_interactions WHERE created_at >= ? AND `+inClause("kind", len(kinds)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TrustRawInteraction
	for rows.Next() {
		var r TrustRawInteraction
		if err := rows.Scan(&r.EventID, &r.Kind, &r.SubjectPubkey, &r.ActorPubkey, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TrustJob mirrors spec §3's TrustJob row.
type TrustJob struct {
	JobID            string
	JobType          string
	Status           string
	ScannedCount     int
	UpdatedCount     int
	AttestationCount int
	ErrorMessage     string
	StartedAt        *time.Time
	FinishedAt       *time.Time
}

// CreateTrustJob inserts a queued job row.
func (s *Store) CreateTrustJob(jobID, jobType string) error {
	_, err := s.db.Exec(`
		INSERT INTO trust_jobs (job_id, job_type, status) VALUES (?, ?, 'queued')
	`, jobID, jobType)
	return err
}

// StartTrustJob transitions a queued job to running and stamps started_at.
func (s *Store) StartTrustJob(jobID string) error {
	_, err := s.db.Exec(`
		UPDATE trust_jobs SET status = 'running', started_at = ? WHERE job_id = ? AND status = 'queued'
	`, time.Now().Unix(), jobID)
	return err
}

// FinishTrustJob records terminal counters and status for jobID.
func (s *Store) FinishTrustJob(jobID, status string, scanned, updated, attestations int, errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE trust_jobs SET status = ?, scanned_count = ?, updated_count = ?, attestation_count = ?,
			error_message = ?, finished_at = ? WHERE job_id = ?
	`, status, scanned, updated, attestations, nullableString(errMsg), time.Now().Unix(), jobID)
	return err
}

// ReapStaleTrustJobs marks every `running` trust_jobs row of jobType
// whose started_at is older than timeoutSeconds as `failed{timeout}`
// (spec §5). Returns the number of rows reaped.
func (s *Store) ReapStaleTrustJobs(jobType string, timeoutSeconds int64) (int64, error) {
	cutoff := time.Now().Unix() - timeoutSeconds
	res, err := s.db.Exec(`
		UPDATE trust_jobs SET status = 'failed', error_message = 'failed{timeout}', finished_at = ?
		WHERE job_type = ? AND status = 'running' AND started_at < ?
	`, time.Now().Unix(), jobType, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetJobSchedule returns the schedule row for jobType, or found=false with
// zero values if absent.
func (s *Store) GetJobSchedule(jobType string) (intervalSeconds int64, nextRunAt time.Time, lastRunAt *time.Time, found bool, err error) {
	var interval, next int64
	var last sql.NullInt64
	rowErr := s.db.QueryRow(`
		SELECT interval_seconds, next_run_at, last_run_at FROM trust_job_schedules WHERE job_type = ?
	`, jobType).Scan(&interval, &next, &last)
	if errors.Is(rowErr, sql.ErrNoRows) {
		return 0, time.Time{}, nil, false, nil
	}
	if rowErr != nil {
		return 0, time.Time{}, nil, false, rowErr
	}
	var lastPtr *time.Time
	if last.Valid {
		t := time.Unix(last.Int64, 0).UTC()
		lastPtr = &t
	}
	return interval, time.Unix(next, 0).UTC(), lastPtr, true, nil
}

// PutJobSchedule upserts the schedule row for jobType.
func (s *Store) PutJobSchedule(jobType string, intervalSeconds int64, nextRunAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO trust_job_schedules (job_type, interval_seconds, next_run_at) VALUES (?, ?, ?)
		ON CONFLICT(job_type) DO UPDATE SET interval_seconds = excluded.interval_seconds, next_run_at = excluded.next_run_at
	`, jobType, intervalSeconds, nextRunAt.Unix())
	return err
}

// AdvanceJobSchedule records a completed run and computes the next
// next_run_at from intervalSeconds.
func (s *Store) AdvanceJobSchedule(jobType string, ranAt time.Time, intervalSeconds int64) error {
	next := ranAt.Add(time.Duration(intervalSeconds) * time.Second)
	_, err := s.db.Exec(`
		UPDATE trust_job_schedules SET last_run_at = ?, next_run_at = ? WHERE job_type = ?
	`, ranAt.Unix(), next.Unix(), jobType)
	return err
}
