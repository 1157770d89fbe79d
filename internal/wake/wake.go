// Package wake computes a device's next wake time and renders it to the
// 12-hour clock string the firmware expects.
package wake

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetcam/devicegateway/internal/model"
	"github.com/fleetcam/devicegateway/internal/rpcclient"
	"github.com/sirupsen/logrus"
)

// DefaultCron is used when neither the device nor its site carries a wake
// schedule.
const DefaultCron = "0 */3 * * *"

// WelcomeCron is the default schedule used to compute the first wake time
// for a newly-activated device.
const WelcomeCron = "0 8,16 * * *"

// fallbackInterval is added to "now" when cron evaluation fails for any
// reason.
const fallbackInterval = 3 * time.Hour

// Scheduler computes next-wake times via the database's cron-evaluation RPC,
// falling back to a fixed offset on any failure.
type Scheduler struct {
	rpc         rpcclient.Client
	defaultCron string
	log         logrus.FieldLogger
}

// New builds a Scheduler backed by the given RPC client. defaultCron is the
// last-resort expression when neither the device nor its site carries one;
// empty selects DefaultCron.
func New(rpc rpcclient.Client, defaultCron string, log logrus.FieldLogger) *Scheduler {
	if defaultCron == "" {
		defaultCron = DefaultCron
	}
	return &Scheduler{rpc: rpc, defaultCron: defaultCron, log: log}
}

// CronSource describes where a cron expression came from, for logging.
type CronSource struct {
	DeviceCron string // device-level override, empty if unset
	SiteCron   string // site-level default, empty if unset
}

// resolveCron picks the effective cron expression: device, then site, then
// the scheduler's default.
func (s *Scheduler) resolveCron(c CronSource) string {
	if c.DeviceCron != "" {
		return c.DeviceCron
	}
	if c.SiteCron != "" {
		return c.SiteCron
	}
	return s.defaultCron
}

// NextWake computes the next wake time for a device:
//  1. if the device already has a stored next_wake_at in the future, use it;
//  2. otherwise resolve device -> site -> default cron;
//  3. compute the next fire time via the RPC;
//  4. render for the device, falling back to now+3h on any failure.
func (s *Scheduler) NextWake(ctx context.Context, storedNextWake *time.Time, cron CronSource, now time.Time) model.WakeTime {
	if storedNextWake != nil && storedNextWake.After(now) {
		return model.WakeTime{At: *storedNextWake, Rendered: Render(*storedNextWake)}
	}

	expr := s.resolveCron(cron)
	next, err := s.rpc.CalculateNextWake(ctx, expr, now)
	if err != nil {
		s.log.WithError(err).WithField("cron", expr).Warn("cron evaluation failed, falling back to fixed offset")
		fallback := now.Add(fallbackInterval)
		return model.WakeTime{At: fallback, Rendered: Render(fallback)}
	}
	return model.WakeTime{At: next, Rendered: Render(next)}
}

// FirstWelcomeWake computes the first next-wake time for a device whose
// provisioning_status just transitioned to active, using the site's cron expression or WelcomeCron as a default.
func (s *Scheduler) FirstWelcomeWake(ctx context.Context, siteCron string, now time.Time) model.WakeTime {
	expr := siteCron
	if expr == "" {
		expr = WelcomeCron
	}
	next, err := s.rpc.CalculateNextWake(ctx, expr, now)
	if err != nil {
		s.log.WithError(err).WithField("cron", expr).Warn("welcome cron evaluation failed, falling back to fixed offset")
		fallback := now.Add(fallbackInterval)
		return model.WakeTime{At: fallback, Rendered: Render(fallback)}
	}
	return model.WakeTime{At: next, Rendered: Render(next)}
}

// Render renders t as a UTC 12-hour clock string matching
// ^([1-9]|1[0-2]):[0-5][0-9](AM|PM)$, e.g. "8:30PM".
func Render(t time.Time) string {
	u := t.UTC()
	hour := u.Hour() % 12
	if hour == 0 {
		hour = 12
	}
	meridiem := "AM"
	if u.Hour() >= 12 {
		meridiem = "PM"
	}
	return fmt.Sprintf("%d:%02d%s", hour, u.Minute(), meridiem)
}
