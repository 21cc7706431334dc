// Package janitor prunes the audit trail terminal chats leave behind and
// flags continuations that have been suspended suspiciously long.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/zulandar/switchboard/internal/models"
)

// Janitor runs the sweep on a cron schedule.
type Janitor struct {
	db            *gorm.DB
	retention     time.Duration
	warnSuspended time.Duration
	schedule      string
	cron          *cron.Cron
	logger        zerolog.Logger
}

// Opts holds parameters for New.
type Opts struct {
	DB            *gorm.DB
	Schedule      string
	Retention     time.Duration
	WarnSuspended time.Duration
	Logger        zerolog.Logger
}

func New(opts Opts) *Janitor {
	return &Janitor{
		db:            opts.DB,
		retention:     opts.Retention,
		warnSuspended: opts.WarnSuspended,
		schedule:      opts.Schedule,
		logger:        opts.Logger.With().Str("component", "janitor").Logger(),
	}
}

// Start schedules the sweep. It returns immediately; Stop waits for any
// in-flight sweep.
func (j *Janitor) Start(ctx context.Context) error {
	j.cron = cron.New()
	_, err := j.cron.AddFunc(j.schedule, func() {
		if err := j.Sweep(ctx); err != nil {
			j.logger.Error().Err(err).Msg("sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("janitor: bad schedule %q: %w", j.schedule, err)
	}
	j.cron.Start()
	return nil
}

func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}

// Sweep prunes rounds of terminal chats older than the retention window,
// settled queue tasks, and resolved continuations, then warns about stale
// suspensions. The latest round of each chat is always kept so the fence
// stays resolvable.
func (j *Janitor) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-j.retention)
	db := j.db.WithContext(ctx)

	var terminal []models.ChatState
	err := db.Where("status IN ? AND updated_at < ?",
		[]string{models.ChatStatusComplete, models.ChatStatusFailed}, cutoff).
		Find(&terminal).Error
	if err != nil {
		return fmt.Errorf("janitor: list terminal chats: %w", err)
	}

	pruned := 0
	for i := range terminal {
		n, err := j.pruneChat(db, &terminal[i], cutoff)
		if err != nil {
			return err
		}
		pruned += n
	}

	tasks := db.Where("status IN ? AND updated_at < ?",
		[]string{models.TaskStatusDone, models.TaskStatusDead}, cutoff).
		Delete(&models.QueueTask{})
	if tasks.Error != nil {
		return fmt.Errorf("janitor: prune queue tasks: %w", tasks.Error)
	}

	continuations, err := j.pruneContinuations(db, cutoff)
	if err != nil {
		return err
	}

	j.warnStaleSuspensions(db)

	j.logger.Info().
		Int("dispatches", pruned).
		Int64("tasks", tasks.RowsAffected).
		Int("continuations", continuations).
		Msg("sweep done")
	return nil
}

// pruneChat removes a terminal chat's old dispatch rounds and their run
// receipts, keeping the fenced round.
func (j *Janitor) pruneChat(db *gorm.DB, chat *models.ChatState, cutoff time.Time) (int, error) {
	var old []models.Dispatch
	err := db.Where("chat_id = ? AND id <> ? AND created_at < ?",
		chat.ID, chat.LatestDispatchID, cutoff).
		Find(&old).Error
	if err != nil {
		return 0, fmt.Errorf("janitor: list dispatches for %s: %w", chat.ID, err)
	}
	if len(old) == 0 {
		return 0, nil
	}
	ids := make([]string, len(old))
	for i, d := range old {
		ids[i] = d.ID
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("dispatch_id IN ?", ids).Delete(&models.Run{}).Error; err != nil {
			return fmt.Errorf("janitor: delete runs for %s: %w", chat.ID, err)
		}
		if err := tx.Where("id IN ?", ids).Delete(&models.Dispatch{}).Error; err != nil {
			return fmt.Errorf("janitor: delete dispatches for %s: %w", chat.ID, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (j *Janitor) pruneContinuations(db *gorm.DB, cutoff time.Time) (int, error) {
	var resolved []models.ContinuationRecord
	err := db.Where("state = ? AND updated_at < ?", models.ContinuationResolved, cutoff).
		Find(&resolved).Error
	if err != nil {
		return 0, fmt.Errorf("janitor: list resolved continuations: %w", err)
	}
	if len(resolved) == 0 {
		return 0, nil
	}
	ids := make([]string, len(resolved))
	for i, r := range resolved {
		ids[i] = r.ID
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("continuation_id IN ?", ids).Delete(&models.ToolCallRecord{}).Error; err != nil {
			return fmt.Errorf("janitor: delete tool calls: %w", err)
		}
		if err := tx.Where("id IN ?", ids).Delete(&models.ContinuationRecord{}).Error; err != nil {
			return fmt.Errorf("janitor: delete continuations: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// warnStaleSuspensions logs continuations suspended longer than the
// threshold. They are never deleted: a resume may still arrive.
func (j *Janitor) warnStaleSuspensions(db *gorm.DB) {
	if j.warnSuspended <= 0 {
		return
	}
	var stale []models.ContinuationRecord
	err := db.Where("state = ? AND updated_at < ?",
		models.ContinuationSuspended, time.Now().Add(-j.warnSuspended)).
		Find(&stale).Error
	if err != nil {
		j.logger.Error().Err(err).Msg("list stale suspensions")
		return
	}
	for _, rec := range stale {
		j.logger.Warn().
			Str("continuation", rec.ID).
			Str("chat", rec.ChatID).
			Time("suspendedSince", rec.UpdatedAt).
			Msg("continuation suspended past threshold")
	}
}
