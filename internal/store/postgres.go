package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"voice-intent-pipeline/internal/models"
)

// ErrLeaseHeld means another worker holds an unexpired lease on the session.
var ErrLeaseHeld = errors.New("session lease held")

// ErrLeaseLost means a lease-guarded write found the caller no longer owns
// the lease (expired and taken over).
var ErrLeaseLost = errors.New("session lease lost")

// ErrNotFound is returned for missing rows.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateAudioMessage inserts an accepted clip record.
func (s *Store) CreateAudioMessage(ctx context.Context, m models.AudioMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audio_messages (id, channel, user_id, content_ref, format, size_bytes, duration_sec, language_hint, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, m.ID, m.Channel, m.UserID, m.ContentRef, m.Format, m.SizeBytes, m.DurationSec, m.LanguageHint, m.ReceivedAt)
	if err != nil {
		return fmt.Errorf("insert audio message: %w", err)
	}
	return nil
}

// GetAudioMessage fetches a clip record by id.
func (s *Store) GetAudioMessage(ctx context.Context, id string) (models.AudioMessage, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, channel, user_id, content_ref, format, size_bytes, duration_sec, language_hint, received_at
		FROM audio_messages WHERE id = $1
	`, id)
	var m models.AudioMessage
	err := row.Scan(&m.ID, &m.Channel, &m.UserID, &m.ContentRef, &m.Format, &m.SizeBytes, &m.DurationSec, &m.LanguageHint, &m.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AudioMessage{}, fmt.Errorf("audio message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.AudioMessage{}, fmt.Errorf("scan audio message: %w", err)
	}
	return m, nil
}

// DeleteAudioMessage removes the clip record once its task is terminal. The
// blob itself is deleted by the worker via the blob store.
func (s *Store) DeleteAudioMessage(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM audio_messages WHERE id = $1`, id)
	return err
}

// CreateTask inserts the task row for one audio message.
func (s *Store) CreateTask(ctx context.Context, t models.Task) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (correlation_id, audio_message_id, user_id, channel, status, attempts, max_attempts, enqueued_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, t.CorrelationID, t.AudioMessageID, t.UserID, t.Channel, t.Status, t.Attempts, t.MaxAttempts, t.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask fetches a task by correlation id.
func (s *Store) GetTask(ctx context.Context, correlationID string) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT correlation_id, audio_message_id, user_id, channel, status, attempts, max_attempts, last_error, enqueued_at, updated_at
		FROM tasks WHERE correlation_id = $1
	`, correlationID)
	var t models.Task
	var lastErr pgtype.Text
	err := row.Scan(&t.CorrelationID, &t.AudioMessageID, &t.UserID, &t.Channel, &t.Status, &t.Attempts, &t.MaxAttempts, &lastErr, &t.EnqueuedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %s: %w", correlationID, ErrNotFound)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.LastError = textPtr(lastErr)
	return t, nil
}

// UpdateTaskStatus sets status, attempts, and last_error atomically.
func (s *Store) UpdateTaskStatus(ctx context.Context, correlationID, status string, attempts int, lastError *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, attempts = $3, last_error = $4, updated_at = NOW()
		WHERE correlation_id = $1
	`, correlationID, status, attempts, lastError)
	return err
}

// MarkSuperseded fails a queued task that was displaced by a newer clip and
// returns its audio message id so the caller can clean up the clip. Returns ""
// when the task was no longer queued.
func (s *Store) MarkSuperseded(ctx context.Context, correlationID string) (string, error) {
	reason := "superseded by newer audio message"
	row := s.pool.QueryRow(ctx, `
		UPDATE tasks SET status = $2, last_error = $3, updated_at = NOW()
		WHERE correlation_id = $1 AND status = $4
		RETURNING audio_message_id
	`, correlationID, models.StatusFailed, reason, models.StatusQueued)
	var audioID string
	err := row.Scan(&audioID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("mark superseded: %w", err)
	}
	return audioID, nil
}

// ResetToQueued puts a task whose worker died mid-flight back into the queued
// status so the next dequeue retries it instead of dropping it.
func (s *Store) ResetToQueued(ctx context.Context, correlationID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, updated_at = NOW()
		WHERE correlation_id = $1 AND status = $3
	`, correlationID, models.StatusQueued, models.StatusInProgress)
	return err
}

// GetOrCreateSession returns the user's live session, creating an idle one on
// first contact.
func (s *Store) GetOrCreateSession(ctx context.Context, userID, language string) (models.Session, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (user_id, state, entities, missing_entities, language, updated_at)
		VALUES ($1, $2, '{}', '[]', $3, NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, userID, models.StateIdle, language)
	if err != nil {
		return models.Session{}, fmt.Errorf("ensure session: %w", err)
	}
	return s.GetSession(ctx, userID)
}

// GetSession fetches the session row.
func (s *Store) GetSession(ctx context.Context, userID string) (models.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, state, COALESCE(pending_intent, ''), entities, missing_entities, language, updated_at, lease_owner, lease_expires_at
		FROM sessions WHERE user_id = $1
	`, userID)
	var sess models.Session
	var entitiesJSON, missingJSON []byte
	var owner pgtype.Text
	var expires pgtype.Timestamptz
	err := row.Scan(&sess.UserID, &sess.State, &sess.PendingIntent, &entitiesJSON, &missingJSON, &sess.Language, &sess.UpdatedAt, &owner, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Session{}, fmt.Errorf("session %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("scan session: %w", err)
	}
	if err := json.Unmarshal(entitiesJSON, &sess.Entities); err != nil {
		return models.Session{}, fmt.Errorf("unmarshal entities: %w", err)
	}
	if err := json.Unmarshal(missingJSON, &sess.MissingEntities); err != nil {
		return models.Session{}, fmt.Errorf("unmarshal missing entities: %w", err)
	}
	sess.LeaseOwner = textPtr(owner)
	if expires.Valid {
		t := expires.Time
		sess.LeaseExpiresAt = &t
	}
	return sess, nil
}

// AcquireLease takes the session lease for owner if it is free or expired.
// Per-user serialization of the whole pipeline hangs off this one conditional
// write.
func (s *Store) AcquireLease(ctx context.Context, userID, owner string, ttl time.Duration) error {
	expires := time.Now().UTC().Add(ttl)
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET lease_owner = $2, lease_expires_at = $3
		WHERE user_id = $1
		  AND (lease_owner IS NULL OR lease_owner = $2 OR lease_expires_at < NOW())
	`, userID, owner, expires)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// TouchLease extends the caller's lease.
func (s *Store) TouchLease(ctx context.Context, userID, owner string, ttl time.Duration) error {
	expires := time.Now().UTC().Add(ttl)
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET lease_expires_at = $3
		WHERE user_id = $1 AND lease_owner = $2 AND lease_expires_at >= NOW()
	`, userID, owner, expires)
	if err != nil {
		return fmt.Errorf("touch lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReleaseLease frees the lease if owner still holds it.
func (s *Store) ReleaseLease(ctx context.Context, userID, owner string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET lease_owner = NULL, lease_expires_at = NULL
		WHERE user_id = $1 AND lease_owner = $2
	`, userID, owner)
	return err
}

// SaveSessionState writes conversation state under the lease guard. A write
// that finds the lease gone returns ErrLeaseLost and must not be retried.
func (s *Store) SaveSessionState(ctx context.Context, sess models.Session, owner string) error {
	entitiesJSON, err := json.Marshal(orEmptyMap(sess.Entities))
	if err != nil {
		return fmt.Errorf("marshal entities: %w", err)
	}
	missingJSON, err := json.Marshal(orEmptySlice(sess.MissingEntities))
	if err != nil {
		return fmt.Errorf("marshal missing entities: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET state = $2, pending_intent = NULLIF($3, ''), entities = $4, missing_entities = $5, language = $6, updated_at = NOW()
		WHERE user_id = $1 AND lease_owner = $7 AND lease_expires_at >= NOW()
	`, sess.UserID, sess.State, sess.PendingIntent, entitiesJSON, missingJSON, sess.Language, owner)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// AppendTurn writes the append-only audit record for one processed clip.
func (s *Store) AppendTurn(ctx context.Context, turn models.ConversationTurn) error {
	entitiesJSON, err := json.Marshal(orEmptyMap(turn.Entities))
	if err != nil {
		return fmt.Errorf("marshal turn entities: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversation_turns (user_id, turn_index, transcript, intent, entities, response_text, recorded_at)
		VALUES ($1,
			(SELECT COALESCE(MAX(turn_index) + 1, 0) FROM conversation_turns WHERE user_id = $1),
			$2, $3, $4, $5, NOW())
	`, turn.UserID, turn.Transcript, turn.Intent, entitiesJSON, turn.ResponseText)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// RecentTurns returns the newest audit records for a user.
func (s *Store) RecentTurns(ctx context.Context, userID string, limit int) ([]models.ConversationTurn, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, turn_index, transcript, COALESCE(intent, ''), entities, response_text, recorded_at
		FROM conversation_turns WHERE user_id = $1
		ORDER BY turn_index DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []models.ConversationTurn
	for rows.Next() {
		var t models.ConversationTurn
		var entitiesJSON []byte
		if err := rows.Scan(&t.UserID, &t.TurnIndex, &t.Transcript, &t.Intent, &entitiesJSON, &t.ResponseText, &t.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if err := json.Unmarshal(entitiesJSON, &t.Entities); err != nil {
			return nil, fmt.Errorf("unmarshal turn entities: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecordDelivery claims the single delivery slot for a correlation id. The
// first caller gets true; every later caller gets false and must not emit
// anything.
func (s *Store) RecordDelivery(ctx context.Context, d models.Delivery) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO deliveries (correlation_id, channel, user_id, text, audio_ref, delivered_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NOW())
		ON CONFLICT (correlation_id) DO NOTHING
	`, d.CorrelationID, d.Channel, d.UserID, d.Text, d.AudioRef)
	if err != nil {
		return false, fmt.Errorf("record delivery: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetDelivery fetches the response recorded for a correlation id.
func (s *Store) GetDelivery(ctx context.Context, correlationID string) (models.Delivery, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT correlation_id, channel, user_id, text, COALESCE(audio_ref, '')
		FROM deliveries WHERE correlation_id = $1
	`, correlationID)
	var d models.Delivery
	err := row.Scan(&d.CorrelationID, &d.Channel, &d.UserID, &d.Text, &d.AudioRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Delivery{}, fmt.Errorf("delivery %s: %w", correlationID, ErrNotFound)
	}
	if err != nil {
		return models.Delivery{}, fmt.Errorf("scan delivery: %w", err)
	}
	return d, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
