package db

import (
	"context"
	"fmt"

	"github.com/xtrntr/brokercall/internal/models"
)

// CreateCall inserts a new call session
func (db *DB) CreateCall(ctx context.Context, call *models.CallSession) error {
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO calls (id, provider_call_id, user_id, phone_number, direction, status)
		 VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6)
		 RETURNING started_at`,
		call.ID, call.ProviderCallID, call.UserID, call.PhoneNumber, call.Direction, call.Status).
		Scan(&call.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}
	return nil
}

// GetCall retrieves a call session by id
func (db *DB) GetCall(ctx context.Context, id string) (*models.CallSession, error) {
	return db.scanCall(ctx,
		`SELECT id, COALESCE(provider_call_id, ''), user_id, phone_number, direction, status,
		        COALESCE(failure_reason, ''), COALESCE(recording_url, ''), started_at, ended_at, duration_seconds
		 FROM calls WHERE id = $1`, id)
}

// GetCallByProviderID retrieves a call session by the provider's call id
func (db *DB) GetCallByProviderID(ctx context.Context, providerCallID string) (*models.CallSession, error) {
	return db.scanCall(ctx,
		`SELECT id, COALESCE(provider_call_id, ''), user_id, phone_number, direction, status,
		        COALESCE(failure_reason, ''), COALESCE(recording_url, ''), started_at, ended_at, duration_seconds
		 FROM calls WHERE provider_call_id = $1`, providerCallID)
}

func (db *DB) scanCall(ctx context.Context, query string, arg interface{}) (*models.CallSession, error) {
	call := &models.CallSession{}
	err := db.Pool.QueryRow(ctx, query, arg).Scan(
		&call.ID, &call.ProviderCallID, &call.UserID, &call.PhoneNumber, &call.Direction, &call.Status,
		&call.FailureReason, &call.RecordingURL, &call.StartedAt, &call.EndedAt, &call.DurationSeconds)
	if err != nil {
		return nil, fmt.Errorf("failed to get call: %w", err)
	}
	return call, nil
}

// UpdateCall persists mutable call session fields
func (db *DB) UpdateCall(ctx context.Context, call *models.CallSession) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE calls
		 SET provider_call_id = NULLIF($2, ''), status = $3, failure_reason = NULLIF($4, ''),
		     recording_url = NULLIF($5, ''), ended_at = $6, duration_seconds = $7
		 WHERE id = $1`,
		call.ID, call.ProviderCallID, call.Status, call.FailureReason,
		call.RecordingURL, call.EndedAt, call.DurationSeconds)
	if err != nil {
		return fmt.Errorf("failed to update call: %w", err)
	}
	return nil
}

// AppendTranscript appends an entry to a call's conversation log, assigning
// the next sequence number within the call.
func (db *DB) AppendTranscript(ctx context.Context, entry *models.TranscriptEntry) error {
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO transcript_entries (call_id, seq, speaker, content)
		 SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3
		 FROM transcript_entries WHERE call_id = $1
		 RETURNING seq, spoken_at`,
		entry.CallID, entry.Speaker, entry.Content).Scan(&entry.Seq, &entry.SpokenAt)
	if err != nil {
		return fmt.Errorf("failed to append transcript entry: %w", err)
	}
	return nil
}

// GetTranscript retrieves a call's conversation log in order
func (db *DB) GetTranscript(ctx context.Context, callID string) ([]models.TranscriptEntry, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT call_id, seq, speaker, content, spoken_at FROM transcript_entries WHERE call_id = $1 ORDER BY seq",
		callID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transcript: %w", err)
	}
	defer rows.Close()

	var entries []models.TranscriptEntry
	for rows.Next() {
		var e models.TranscriptEntry
		if err := rows.Scan(&e.CallID, &e.Seq, &e.Speaker, &e.Content, &e.SpokenAt); err != nil {
			return nil, fmt.Errorf("failed to scan transcript entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CreateSchedule inserts a new call schedule
func (db *DB) CreateSchedule(ctx context.Context, sched *models.CallSchedule) error {
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO call_schedules (user_id, phone_number, call_time, call_type, status)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		sched.UserID, sched.PhoneNumber, sched.CallTime, sched.CallType, sched.Status).
		Scan(&sched.ID, &sched.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	return nil
}

// GetUserSchedules retrieves all schedules for a user
func (db *DB) GetUserSchedules(ctx context.Context, userID int) ([]models.CallSchedule, error) {
	return db.querySchedules(ctx,
		"SELECT id, user_id, phone_number, call_time, call_type, status, created_at FROM call_schedules WHERE user_id = $1 ORDER BY id",
		userID)
}

// ListActiveSchedules retrieves every schedule still in the scheduled state
func (db *DB) ListActiveSchedules(ctx context.Context) ([]models.CallSchedule, error) {
	return db.querySchedules(ctx,
		"SELECT id, user_id, phone_number, call_time, call_type, status, created_at FROM call_schedules WHERE status = $1 ORDER BY id",
		models.ScheduleActive)
}

func (db *DB) querySchedules(ctx context.Context, query string, args ...interface{}) ([]models.CallSchedule, error) {
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get schedules: %w", err)
	}
	defer rows.Close()

	var schedules []models.CallSchedule
	for rows.Next() {
		var s models.CallSchedule
		if err := rows.Scan(&s.ID, &s.UserID, &s.PhoneNumber, &s.CallTime, &s.CallType, &s.Status, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// CancelSchedule cancels a schedule if it belongs to the user and is still
// active. Sessions already spawned from it are unaffected.
func (db *DB) CancelSchedule(ctx context.Context, scheduleID, userID int) error {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE call_schedules SET status = $1 WHERE id = $2 AND user_id = $3 AND status = $4",
		models.ScheduleCancelled, scheduleID, userID, models.ScheduleActive)
	if err != nil {
		return fmt.Errorf("failed to cancel schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule not found, not owned by user, or already cancelled")
	}
	return nil
}
