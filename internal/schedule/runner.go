// Package schedule dispatches recurring call schedules as outbound calls.
package schedule

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/brokercall/internal/models"
)

// Store lists the schedules still eligible for dispatch.
type Store interface {
	ListActiveSchedules(ctx context.Context) ([]models.CallSchedule, error)
}

// CallStarter places an outbound call for a user.
type CallStarter interface {
	StartOutboundCall(ctx context.Context, userID int, phoneNumber string) (*models.CallSession, error)
}

// Runner scans active schedules once a minute and starts calls whose
// call_time matches the current minute. One schedule may spawn many
// sessions over its lifetime; cancelling it stops future dispatches only.
type Runner struct {
	store   Store
	starter CallStarter
	cron    *cron.Cron
	now     func() time.Time
	log     *logrus.Logger
}

// NewRunner creates a schedule runner.
func NewRunner(store Store, starter CallStarter, log *logrus.Logger) *Runner {
	return &Runner{
		store:   store,
		starter: starter,
		cron:    cron.New(),
		now:     time.Now,
		log:     log,
	}
}

// Start begins the minute tick. Returns any cron registration error.
func (r *Runner) Start() error {
	if _, err := r.cron.AddFunc("* * * * *", r.Tick); err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop halts dispatching; in-flight calls are unaffected.
func (r *Runner) Stop() {
	r.cron.Stop()
}

// Tick dispatches every active schedule matching the current minute.
func (r *Runner) Tick() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	schedules, err := r.store.ListActiveSchedules(ctx)
	if err != nil {
		r.log.WithError(err).Error("failed to list call schedules")
		return
	}

	current := r.now().Format("15:04")
	for _, sched := range schedules {
		if sched.CallTime != current {
			continue
		}
		r.log.WithFields(logrus.Fields{
			"schedule_id": sched.ID,
			"user_id":     sched.UserID,
			"call_type":   sched.CallType,
		}).Info("dispatching scheduled call")
		if _, err := r.starter.StartOutboundCall(ctx, sched.UserID, sched.PhoneNumber); err != nil {
			r.log.WithField("schedule_id", sched.ID).WithError(err).Error("scheduled call failed to start")
		}
	}
}
