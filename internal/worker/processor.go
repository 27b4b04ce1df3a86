package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"voice-intent-pipeline/internal/blobstore"
	"voice-intent-pipeline/internal/config"
	"voice-intent-pipeline/internal/executor"
	"voice-intent-pipeline/internal/models"
	"voice-intent-pipeline/internal/nlu"
	"voice-intent-pipeline/internal/provider"
	"voice-intent-pipeline/internal/session"
	"voice-intent-pipeline/internal/store"
	"voice-intent-pipeline/internal/telemetry"
)

// TaskStore is the slice of the Postgres store the processor needs.
type TaskStore interface {
	GetTask(ctx context.Context, correlationID string) (models.Task, error)
	UpdateTaskStatus(ctx context.Context, correlationID, status string, attempts int, lastError *string) error
	ResetToQueued(ctx context.Context, correlationID string) error
	GetAudioMessage(ctx context.Context, id string) (models.AudioMessage, error)
	DeleteAudioMessage(ctx context.Context, id string) error
	GetOrCreateSession(ctx context.Context, userID, language string) (models.Session, error)
	AcquireLease(ctx context.Context, userID, owner string, ttl time.Duration) error
	TouchLease(ctx context.Context, userID, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, userID, owner string) error
	SaveSessionState(ctx context.Context, sess models.Session, owner string) error
	AppendTurn(ctx context.Context, turn models.ConversationTurn) error
}

// TaskQueue is the slice of the Redis queue the processor needs.
type TaskQueue interface {
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
	DequeueWithLease(ctx context.Context) (string, error)
	ClearPending(ctx context.Context, userID, taskID string) error
	ExtendLease(ctx context.Context, taskID string, extension time.Duration) error
	Ack(ctx context.Context, taskID string) error
	Schedule(ctx context.Context, taskID, userID string, runAt time.Time) error
	DLQPush(ctx context.Context, taskID string) error
}

// ResponseGateway is the single-writer delivery surface.
type ResponseGateway interface {
	Deliver(ctx context.Context, d models.Delivery) (bool, error)
}

// Processor drives the worker execution loop. Each dequeued task runs the
// full turn pipeline under the user's session lease; the queue provides
// at-least-once delivery and the delivery gateway reduces that to exactly one
// response.
type Processor struct {
	cfg        config.Config
	queue      TaskQueue
	store      TaskStore
	blobs      blobstore.Store
	router     *provider.Router
	recognizer nlu.Recognizer
	machine    *session.Machine
	exec       executor.Executor
	gateway    ResponseGateway
	workerID   string
	logger     *zap.Logger
}

func NewProcessor(
	cfg config.Config,
	q TaskQueue,
	st TaskStore,
	blobs blobstore.Store,
	router *provider.Router,
	recognizer nlu.Recognizer,
	machine *session.Machine,
	exec executor.Executor,
	gateway ResponseGateway,
	workerID string,
	logger *zap.Logger,
) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		cfg:        cfg,
		queue:      q,
		store:      st,
		blobs:      blobs,
		router:     router,
		recognizer: recognizer,
		machine:    machine,
		exec:       exec,
		gateway:    gateway,
		workerID:   workerID,
		logger:     logger,
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = p.queue.PromoteScheduled(ctx, time.Now(), 100)
		p.reclaimExpired(ctx)
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		taskID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || taskID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}

		task, err := p.store.GetTask(ctx, taskID)
		if err != nil {
			// Row gone or superseded before we saw it; drop the queue entry.
			_ = p.queue.Ack(ctx, taskID)
			continue
		}
		if task.Status != models.StatusQueued {
			// Terminal rows left a queue duplicate behind; their clip is no
			// longer needed. An in_progress row belongs to a live worker, so
			// its audio stays.
			if task.Status == models.StatusDone || task.Status == models.StatusFailed {
				p.cleanupAudio(ctx, task)
			}
			_ = p.queue.Ack(ctx, taskID)
			continue
		}

		telemetry.InFlightGauge.Inc()
		p.process(ctx, task)
		telemetry.InFlightGauge.Dec()
	}
}

// reclaimExpired returns tasks whose queue lease lapsed to the ready list and
// flips their rows back to queued so the next dequeue will process them. A
// worker that died mid-turn leaves the row in_progress; without the reset the
// redelivered task would be dropped as a duplicate.
func (p *Processor) reclaimExpired(ctx context.Context) {
	reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100)
	if err != nil || len(reclaimed) == 0 {
		return
	}
	telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
	p.logger.Warn("reclaimed expired queue leases", zap.Int("count", len(reclaimed)))
	for _, id := range reclaimed {
		if err := p.store.ResetToQueued(ctx, id); err != nil {
			p.logger.Warn("reset reclaimed task", zap.String("correlation_id", id), zap.Error(err))
		}
	}
}

// process runs one task end to end. Every error below the intake boundary is
// converted into a gateway delivery here; nothing propagates out.
func (p *Processor) process(ctx context.Context, task models.Task) {
	_ = p.queue.ClearPending(ctx, task.UserID, task.CorrelationID)

	sess, err := p.store.GetOrCreateSession(ctx, task.UserID, p.cfg.DefaultLanguage)
	if err != nil {
		p.retryOrFail(ctx, task, task.Attempts, p.cfg.DefaultLanguage, fmt.Errorf("load session: %w", err))
		return
	}

	if err := p.store.AcquireLease(ctx, task.UserID, p.workerID, p.cfg.SessionLeaseTTL); err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			// Another worker is mid-turn for this user. Defer, don't fail:
			// this is ordering, not an error.
			telemetry.LeaseDeferrals.Inc()
			_ = p.queue.Ack(ctx, task.CorrelationID)
			_ = p.queue.Schedule(ctx, task.CorrelationID, task.UserID, time.Now().Add(p.cfg.BackoffInitial))
			return
		}
		p.retryOrFail(ctx, task, task.Attempts, sess.Language, fmt.Errorf("acquire lease: %w", err))
		return
	}
	defer func() {
		if err := p.store.ReleaseLease(context.WithoutCancel(ctx), task.UserID, p.workerID); err != nil {
			p.logger.Warn("release lease", zap.String("user_id", task.UserID), zap.Error(err))
		}
	}()

	_ = p.store.UpdateTaskStatus(ctx, task.CorrelationID, models.StatusInProgress, task.Attempts, nil)

	out, err := p.runTurn(ctx, task, sess)
	attempts := task.Attempts + out.failedCalls
	if err != nil {
		p.retryOrFail(ctx, task, attempts, out.language, err)
		return
	}

	if err := p.store.SaveSessionState(ctx, out.next, p.workerID); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			// The lease expired mid-turn and someone else may own the session
			// now. Still attempt delivery: the correlation id guard makes it
			// safe, and the user should not lose the answer.
			p.logger.Warn("session lease lost mid-turn", zap.String("user_id", task.UserID))
		} else {
			p.retryOrFail(ctx, task, attempts, out.language, err)
			return
		}
	}

	if _, err := p.gateway.Deliver(ctx, out.response); err != nil {
		p.retryOrFail(ctx, task, attempts, out.language, fmt.Errorf("deliver: %w", err))
		return
	}
	if err := p.store.AppendTurn(ctx, out.turn); err != nil {
		p.logger.Warn("append turn", zap.String("user_id", task.UserID), zap.Error(err))
	}

	p.cleanupAudio(ctx, task)
	_ = p.store.UpdateTaskStatus(ctx, task.CorrelationID, models.StatusDone, attempts, nil)
	_ = p.queue.Ack(ctx, task.CorrelationID)
	telemetry.TasksCompleted.Inc()
	p.logger.Info("task completed",
		zap.String("correlation_id", task.CorrelationID),
		zap.String("user_id", task.UserID),
		zap.String("state", out.next.State),
		zap.Int("attempts", attempts))
}

// turnResult is everything one successful pipeline pass produces.
type turnResult struct {
	response    models.Delivery
	turn        models.ConversationTurn
	next        models.Session
	language    string
	failedCalls int
}

// runTurn executes ASR, recognition, the state machine, the executor, and TTS
// for one clip. All provider work happens on this goroutine with explicit
// deadlines; no secondary scheduler is ever created.
func (p *Processor) runTurn(ctx context.Context, task models.Task, sess models.Session) (turnResult, error) {
	out := turnResult{language: sess.Language}

	am, err := p.store.GetAudioMessage(ctx, task.AudioMessageID)
	if err != nil {
		return out, fmt.Errorf("load audio message: %w", err)
	}
	audio, err := p.blobs.Get(ctx, am.ContentRef)
	if err != nil {
		return out, fmt.Errorf("fetch audio blob: %w", err)
	}

	// The session store is authoritative for language. A channel hint is
	// advisory: adopted only when it names an accepted language, and the
	// adoption itself is a lease-guarded session write.
	lang := sess.Language
	if am.LanguageHint != "" && am.LanguageHint != lang {
		for _, accepted := range p.cfg.AcceptLanguages {
			if accepted == am.LanguageHint {
				lang = am.LanguageHint
				break
			}
		}
	}
	out.language = lang

	transcript, res, err := p.router.Transcribe(ctx, audio, am.Format, lang)
	out.failedCalls += res.FailedCalls
	if err != nil {
		return out, err
	}

	// Keep both leases alive across the remaining outbound calls.
	_ = p.queue.ExtendLease(ctx, task.CorrelationID, p.cfg.VisibilityTimeout)
	_ = p.store.TouchLease(ctx, task.UserID, p.workerID, p.cfg.SessionLeaseTTL)

	input := session.Input{Transcript: transcript.Text}
	if !session.AwaitsAnswer(sess.State) {
		intent, err := p.recognizer.Recognize(ctx, transcript.Text, lang)
		if err != nil {
			out.failedCalls++
			return out, err
		}
		input.Intent = intent.Name
		input.Entities = intent.Entities
		input.Confidence = intent.Confidence
		if transcript.Confidence < p.cfg.MinIntentConfidence {
			// The words themselves are doubtful; don't act on them.
			input.Intent = ""
			input.Confidence = 0
		}
	} else if intent, err := p.recognizer.Recognize(ctx, transcript.Text, lang); err == nil {
		// In-dialogue answers keep their transcript role, but recognized
		// entities (amounts, campaign names) still help fill slots.
		input.Entities = intent.Entities
	}

	snapshot := session.Snapshot{
		State:           sess.State,
		PendingIntent:   sess.PendingIntent,
		Entities:        sess.Entities,
		MissingEntities: sess.MissingEntities,
		Language:        lang,
	}
	decision := p.machine.Step(snapshot, input)

	responseText := decision.ResponseText
	finalState := decision.State
	if decision.Execute {
		// Exactly one executor call per Executing transition.
		result, execErr := p.exec.Execute(ctx, decision.PendingIntent, decision.Entities, executor.SessionContext{
			UserID:   task.UserID,
			Language: lang,
		})
		phrases := p.machine.PhrasesFor(lang)
		switch {
		case execErr != nil:
			p.logger.Error("intent execution failed",
				zap.String("correlation_id", task.CorrelationID),
				zap.String("intent", decision.PendingIntent),
				zap.Error(execErr))
			responseText = phrases.ExecFailed
			finalState = models.StateAborted
		case !result.Success:
			responseText = result.Message
			finalState = models.StateAborted
		default:
			responseText = result.Message
			finalState = models.StateCompleted
		}
	}

	audioRef := p.synthesizeReply(ctx, task, responseText, lang, &out.failedCalls)

	out.response = models.Delivery{
		CorrelationID: task.CorrelationID,
		Channel:       task.Channel,
		UserID:        task.UserID,
		Text:          responseText,
		AudioRef:      audioRef,
	}
	out.turn = models.ConversationTurn{
		UserID:       task.UserID,
		Transcript:   transcript.Text,
		Intent:       decision.PendingIntent,
		Entities:     decision.Entities,
		ResponseText: responseText,
	}
	out.next = nextSession(task.UserID, lang, decision, finalState)
	return out, nil
}

// synthesizeReply renders the response audio. TTS failure degrades to a
// text-only response rather than failing the turn: by this point the executor
// may already have acted, so the turn must complete.
func (p *Processor) synthesizeReply(ctx context.Context, task models.Task, text, lang string, failedCalls *int) string {
	speech, res, err := p.router.Synthesize(ctx, text, lang)
	*failedCalls += res.FailedCalls
	if err != nil {
		p.logger.Warn("synthesis unavailable, delivering text only",
			zap.String("correlation_id", task.CorrelationID),
			zap.Error(err))
		return ""
	}
	ref := fmt.Sprintf("responses/%s.mp3", task.CorrelationID)
	if err := p.blobs.Put(ctx, ref, speech, "audio/mpeg"); err != nil {
		p.logger.Warn("store reply blob", zap.String("correlation_id", task.CorrelationID), zap.Error(err))
		return ""
	}
	return ref
}

// nextSession maps a machine decision onto the persisted session row.
// Terminal turns archive in place: state returns to idle with the dialogue
// slots cleared, while conversation_turns keeps the history.
func nextSession(userID, lang string, d session.Decision, finalState string) models.Session {
	next := models.Session{UserID: userID, Language: lang}
	switch finalState {
	case models.StateCompleted, models.StateAborted, models.StateIdle:
		next.State = models.StateIdle
	default:
		next.State = finalState
		next.PendingIntent = d.PendingIntent
		next.Entities = d.Entities
		next.MissingEntities = d.MissingEntities
	}
	return next
}

// retryOrFail converts a pipeline error into either a scheduled retry or a
// terminal failure with an apology delivery. Provider exhaustion is terminal
// immediately; other errors retry until the attempt budget runs out.
func (p *Processor) retryOrFail(ctx context.Context, task models.Task, attempts int, lang string, cause error) {
	phrases := p.machine.PhrasesFor(lang)
	msg := cause.Error()

	terminal := errors.Is(cause, provider.ErrProviderUnavailable)
	apology := phrases.ProviderOut
	if !terminal {
		if attempts < task.MaxAttempts && attempts < p.cfg.MaxAttempts {
			backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts+1)
			_ = p.store.UpdateTaskStatus(ctx, task.CorrelationID, models.StatusQueued, attempts, &msg)
			_ = p.queue.Ack(ctx, task.CorrelationID)
			_ = p.queue.Schedule(ctx, task.CorrelationID, task.UserID, time.Now().Add(backoff))
			telemetry.TasksFailed.Inc()
			p.logger.Warn("task retry scheduled",
				zap.String("correlation_id", task.CorrelationID),
				zap.Int("attempts", attempts),
				zap.Duration("backoff", backoff),
				zap.Error(cause))
			return
		}
		apology = phrases.TryAgain
	}

	_ = p.store.UpdateTaskStatus(ctx, task.CorrelationID, models.StatusFailed, attempts, &msg)
	_ = p.queue.Ack(ctx, task.CorrelationID)
	_ = p.queue.DLQPush(ctx, task.CorrelationID)
	telemetry.TasksDeadLetter.Inc()
	p.logger.Error("task failed terminally",
		zap.String("correlation_id", task.CorrelationID),
		zap.String("user_id", task.UserID),
		zap.Int("attempts", attempts),
		zap.Error(cause))

	// Terminal failures still owe the user exactly one answer. Text only:
	// provider trouble is the usual reason we are here.
	_, _ = p.gateway.Deliver(ctx, models.Delivery{
		CorrelationID: task.CorrelationID,
		Channel:       task.Channel,
		UserID:        task.UserID,
		Text:          apology,
	})
	p.cleanupAudio(ctx, task)
}

// cleanupAudio removes the clip blob and row once the task is terminal.
func (p *Processor) cleanupAudio(ctx context.Context, task models.Task) {
	am, err := p.store.GetAudioMessage(ctx, task.AudioMessageID)
	if err != nil {
		return
	}
	if err := p.blobs.Delete(ctx, am.ContentRef); err != nil {
		p.logger.Warn("delete audio blob", zap.String("content_ref", am.ContentRef), zap.Error(err))
		return
	}
	if err := p.store.DeleteAudioMessage(ctx, am.ID); err != nil {
		p.logger.Warn("delete audio row", zap.String("audio_message_id", am.ID), zap.Error(err))
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
