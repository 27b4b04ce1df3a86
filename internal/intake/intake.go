// Package intake validates submitted audio and hands it to the queue. It is
// the synchronous half of the pipeline: everything after Accept returns runs
// in a worker.
package intake

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"voice-intent-pipeline/internal/blobstore"
	"voice-intent-pipeline/internal/config"
	"voice-intent-pipeline/internal/models"
	"voice-intent-pipeline/internal/telemetry"
)

// ValidationError is rejected input, surfaced synchronously to the channel.
// No blob, row, or queue entry exists when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TaskStore is the slice of the Postgres store intake needs.
type TaskStore interface {
	CreateAudioMessage(ctx context.Context, m models.AudioMessage) error
	CreateTask(ctx context.Context, t models.Task) error
	MarkSuperseded(ctx context.Context, correlationID string) (string, error)
	GetAudioMessage(ctx context.Context, id string) (models.AudioMessage, error)
	DeleteAudioMessage(ctx context.Context, id string) error
}

// TaskQueue is the slice of the Redis queue intake needs.
type TaskQueue interface {
	Enqueue(ctx context.Context, taskID, userID string) error
	SupersedePending(ctx context.Context, userID string) (string, error)
}

// Submission is one raw clip from a channel handler.
type Submission struct {
	Channel      string
	UserID       string
	Audio        []byte
	MIME         string
	DurationSec  float64
	LanguageHint string
}

// Service validates, persists, and enqueues clips.
type Service struct {
	cfg    config.Config
	blobs  blobstore.Store
	store  TaskStore
	queue  TaskQueue
	logger *zap.Logger
}

func New(cfg config.Config, blobs blobstore.Store, st TaskStore, q TaskQueue, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{cfg: cfg, blobs: blobs, store: st, queue: q, logger: logger}
}

// Accept validates the clip, stores it, creates the task, and enqueues it.
// It never executes the pipeline itself; the returned task is in status
// queued and a worker will produce the one response for its correlation id.
func (s *Service) Accept(ctx context.Context, sub Submission) (models.Task, error) {
	format, err := s.validate(sub)
	if err != nil {
		telemetry.IntakeRejected.Inc()
		return models.Task{}, err
	}

	now := time.Now().UTC()
	audioID := uuid.New().String()
	contentRef := fmt.Sprintf("audio/%s.%s", audioID, format)

	if err := s.blobs.Put(ctx, contentRef, sub.Audio, sub.MIME); err != nil {
		return models.Task{}, fmt.Errorf("store audio blob: %w", err)
	}

	msg := models.AudioMessage{
		ID:           audioID,
		Channel:      sub.Channel,
		UserID:       sub.UserID,
		ContentRef:   contentRef,
		Format:       format,
		SizeBytes:    int64(len(sub.Audio)),
		DurationSec:  sub.DurationSec,
		LanguageHint: sub.LanguageHint,
		ReceivedAt:   now,
	}
	if err := s.store.CreateAudioMessage(ctx, msg); err != nil {
		return models.Task{}, err
	}

	task := models.Task{
		CorrelationID:  uuid.New().String(),
		AudioMessageID: audioID,
		UserID:         sub.UserID,
		Channel:        sub.Channel,
		Status:         models.StatusQueued,
		MaxAttempts:    s.cfg.MaxAttempts,
		EnqueuedAt:     now,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return models.Task{}, err
	}

	// A still-queued older clip from the same user is stale: the newest
	// utterance carries the user's current intent.
	if old, err := s.queue.SupersedePending(ctx, sub.UserID); err != nil {
		s.logger.Warn("supersede pending task", zap.String("user_id", sub.UserID), zap.Error(err))
	} else if old != "" {
		oldAudioID, err := s.store.MarkSuperseded(ctx, old)
		if err != nil {
			s.logger.Warn("mark superseded", zap.String("correlation_id", old), zap.Error(err))
		} else if oldAudioID != "" {
			// A superseded task never reaches a worker, so its clip is
			// cleaned up here.
			s.cleanupAudio(ctx, oldAudioID)
		}
		telemetry.TasksSuperseded.Inc()
	}

	if err := s.queue.Enqueue(ctx, task.CorrelationID, sub.UserID); err != nil {
		return models.Task{}, fmt.Errorf("enqueue: %w", err)
	}
	telemetry.IntakeAccepted.Inc()
	s.logger.Info("audio accepted",
		zap.String("correlation_id", task.CorrelationID),
		zap.String("channel", sub.Channel),
		zap.String("user_id", sub.UserID),
		zap.String("format", format),
		zap.Int("bytes", len(sub.Audio)))
	return task, nil
}

// cleanupAudio removes a superseded clip's blob and row.
func (s *Service) cleanupAudio(ctx context.Context, audioID string) {
	am, err := s.store.GetAudioMessage(ctx, audioID)
	if err != nil {
		return
	}
	if err := s.blobs.Delete(ctx, am.ContentRef); err != nil {
		s.logger.Warn("delete superseded blob", zap.String("content_ref", am.ContentRef), zap.Error(err))
		return
	}
	if err := s.store.DeleteAudioMessage(ctx, am.ID); err != nil {
		s.logger.Warn("delete superseded audio row", zap.String("audio_message_id", am.ID), zap.Error(err))
	}
}

func (s *Service) validate(sub Submission) (string, error) {
	if sub.UserID == "" {
		return "", &ValidationError{Field: "user_id", Reason: "required"}
	}
	switch sub.Channel {
	case models.ChannelChat, models.ChannelMiniApp:
	default:
		return "", &ValidationError{Field: "channel", Reason: fmt.Sprintf("unknown channel %q", sub.Channel)}
	}
	if len(sub.Audio) == 0 {
		return "", &ValidationError{Field: "audio", Reason: "empty"}
	}
	if int64(len(sub.Audio)) > s.cfg.MaxAudioBytes {
		return "", &ValidationError{Field: "audio", Reason: fmt.Sprintf("larger than %d bytes", s.cfg.MaxAudioBytes)}
	}
	format := sniffFormat(sub.Audio)
	if format == "" {
		return "", &ValidationError{Field: "audio", Reason: "unrecognized container format"}
	}
	if sub.DurationSec > 0 {
		d := time.Duration(sub.DurationSec * float64(time.Second))
		if d < s.cfg.MinAudioDuration {
			return "", &ValidationError{Field: "duration", Reason: "too short"}
		}
		if d > s.cfg.MaxAudioDuration {
			return "", &ValidationError{Field: "duration", Reason: "too long"}
		}
	}
	return format, nil
}

// sniffFormat identifies the audio container by magic bytes. Declared MIME is
// advisory only; channels routinely get it wrong.
func sniffFormat(data []byte) string {
	if len(data) < 12 {
		return ""
	}
	switch {
	case bytes.HasPrefix(data, []byte("OggS")):
		return "ogg"
	case bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return "wav"
	case bytes.HasPrefix(data, []byte("ID3")):
		return "mp3"
	case data[0] == 0xFF && (data[1]&0xE0) == 0xE0:
		return "mp3"
	case bytes.Equal(data[4:8], []byte("ftyp")):
		return "m4a"
	case bytes.HasPrefix(data, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return "webm"
	}
	return ""
}
