// Package monitor implements per-worker health monitoring: configurable
// alert thresholds with edge-triggered notification, device telemetry
// recording, and offline detection.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bardlex/poolacct/pkg/log"
)

// Condition flag names, persisted per threshold row.
const (
	CondTemperature = "temp"
	CondHashrate    = "hashrate"
	CondOffline     = "offline"
)

// Threshold is one user/worker alert configuration. The error flags record
// which conditions are currently tripped, so each sustained condition
// produces exactly one problem notification and one recovery notification.
type Threshold struct {
	User   string
	Worker string
	// GreenNotif controls whether recovery notifications are delivered.
	GreenNotif bool
	// TempThresh is the per-device overheat limit in degrees, nil disables.
	TempThresh *float64
	// HashrateThresh is the minimum combined hashrate in KH/s, nil disables.
	HashrateThresh *float64
	// OfflineThresh is the minutes without a status report before the
	// worker counts as offline, nil disables.
	OfflineThresh *int64
	Emails        []string

	TempErr     bool
	HashrateErr bool
	OfflineErr  bool
}

// ThresholdPayload is the agent-supplied threshold configuration. A nil
// payload, or one without emails, removes the worker's thresholds.
type ThresholdPayload struct {
	NoGreenNotif bool     `json:"no_green_notif"`
	Overheat     *float64 `json:"overheat"`
	LowHashrate  *float64 `json:"lowhashrate"`
	Offline      *int64   `json:"offline"`
	Emails       []string `json:"emails"`
}

// ThresholdStore is the threshold persistence surface.
type ThresholdStore interface {
	// Threshold returns the configuration for a user/worker pair, or nil
	// when none is set.
	Threshold(ctx context.Context, user, worker string) (*Threshold, error)
	UpsertThreshold(ctx context.Context, t *Threshold) error
	DeleteThreshold(ctx context.Context, user, worker string) error
	// OfflineThresholds returns every threshold with offline detection
	// enabled.
	OfflineThresholds(ctx context.Context) ([]Threshold, error)
	// SetConditionFlag flips one condition flag on a threshold row.
	SetConditionFlag(ctx context.Context, user, worker, condition string, raised bool) error
}

// StatusStore persists the latest agent status report per worker.
type StatusStore interface {
	UpsertStatus(ctx context.Context, user, worker, status string, at time.Time) error
	// LastStatusTime returns the time of the latest report, ok false when
	// the worker has never reported.
	LastStatusTime(ctx context.Context, user, worker string) (at time.Time, ok bool, err error)
}

// TelemetrySink records per-device readings for display.
type TelemetrySink interface {
	RecordTemperature(ctx context.Context, user, worker string, device int, value float64, at time.Time) error
	RecordHashrate(ctx context.Context, user, worker string, device int, value float64, at time.Time) error
}

// Notifier delivers one condition transition. raised is true for the
// problem edge and false for recovery.
type Notifier interface {
	Notify(ctx context.Context, t *Threshold, condition, message string, raised bool) error
}

// Monitor evaluates agent telemetry against per-worker thresholds.
type Monitor struct {
	thresholds ThresholdStore
	status     StatusStore
	telemetry  TelemetrySink
	notifier   Notifier
	logger     *log.Logger
	now        func() time.Time
}

// New creates a threshold monitor.
func New(thresholds ThresholdStore, status StatusStore, telemetry TelemetrySink, notifier Notifier, logger *log.Logger) *Monitor {
	return &Monitor{
		thresholds: thresholds,
		status:     status,
		telemetry:  telemetry,
		notifier:   notifier,
		logger:     logger.WithComponent("monitor"),
		now:        time.Now,
	}
}

// HandleThresholds replaces or removes a worker's threshold configuration.
// Payloads without a valid email list are treated as removal requests.
func (m *Monitor) HandleThresholds(ctx context.Context, user, worker string, payload *ThresholdPayload) error {
	if payload == nil || len(payload.Emails) == 0 {
		if payload != nil {
			m.logger.Warn("threshold payload without emails, removing",
				"user", user, "worker", worker)
		}
		return m.thresholds.DeleteThreshold(ctx, user, worker)
	}

	emails := payload.Emails
	if len(emails) > 4 {
		emails = emails[:4]
	}

	return m.thresholds.UpsertThreshold(ctx, &Threshold{
		User:           user,
		Worker:         worker,
		GreenNotif:     !payload.NoGreenNotif,
		TempThresh:     payload.Overheat,
		HashrateThresh: payload.LowHashrate,
		OfflineThresh:  payload.Offline,
		Emails:         emails,
	})
}

// HandleStatus stores the worker's latest status report. The report time
// also feeds offline detection.
func (m *Monitor) HandleStatus(ctx context.Context, user, worker, status string, at time.Time) error {
	return m.status.UpsertStatus(ctx, user, worker, status, at)
}

// HandleTemperature records per-device temperatures and evaluates the
// overheat threshold. values holds one reading per device in device order;
// zero readings are recorded as absent.
func (m *Monitor) HandleTemperature(ctx context.Context, user, worker string, values []float64, at time.Time) error {
	thresh, err := m.thresholds.Threshold(ctx, user, worker)
	if err != nil {
		return err
	}

	var hotCards, hotTemps []string
	for device, value := range values {
		if value == 0 {
			continue
		}
		if err := m.telemetry.RecordTemperature(ctx, user, worker, device, value, at); err != nil {
			return err
		}
		if thresh != nil && thresh.TempThresh != nil && value >= *thresh.TempThresh {
			hotCards = append(hotCards, fmt.Sprintf("%d", device))
			hotTemps = append(hotTemps, fmt.Sprintf("%.0f", value))
		}
	}

	if thresh == nil || thresh.TempThresh == nil {
		return nil
	}

	switch {
	case len(hotCards) > 0 && !thresh.TempErr:
		msg := fmt.Sprintf("Worker %s, overheat on cards %s, temps %s",
			worker, strings.Join(hotCards, ", "), strings.Join(hotTemps, ", "))
		return m.raise(ctx, thresh, CondTemperature, msg)
	case len(hotCards) == 0 && thresh.TempErr:
		msg := fmt.Sprintf("Worker %s overheat condition relieved", worker)
		return m.resolve(ctx, thresh, CondTemperature, msg)
	}
	return nil
}

// HandleHashrate records per-device hashrates and evaluates the low
// hashrate threshold. values are in MH/s per device; the threshold compares
// the combined rate in KH/s.
func (m *Monitor) HandleHashrate(ctx context.Context, user, worker string, values []float64, at time.Time) error {
	var total float64
	for device, value := range values {
		if value == 0 {
			continue
		}
		// stored in raw hashes for display
		if err := m.telemetry.RecordHashrate(ctx, user, worker, device, value*1e6, at); err != nil {
			return err
		}
		total += value
	}

	thresh, err := m.thresholds.Threshold(ctx, user, worker)
	if err != nil {
		return err
	}
	if thresh == nil || thresh.HashrateThresh == nil {
		return nil
	}

	khs := total * 1000
	if int64(khs) == 0 {
		m.logger.Warn("agent reported zero hashrate", "user", user, "worker", worker)
		return nil
	}

	low := khs <= *thresh.HashrateThresh
	switch {
	case low && !thresh.HashrateErr:
		msg := fmt.Sprintf("Worker %s low hashrate condition, hashrate %.0f KH/s", worker, khs)
		return m.raise(ctx, thresh, CondHashrate, msg)
	case !low && thresh.HashrateErr:
		msg := fmt.Sprintf("Worker %s low hashrate condition resolved, hashrate %.0f KH/s", worker, khs)
		return m.resolve(ctx, thresh, CondHashrate, msg)
	}
	return nil
}

// CheckOffline walks every threshold with offline detection enabled and
// compares the worker's last status report age against it. Workers that
// have never reported are skipped.
func (m *Monitor) CheckOffline(ctx context.Context) error {
	threshs, err := m.thresholds.OfflineThresholds(ctx)
	if err != nil {
		return err
	}

	for i := range threshs {
		thresh := &threshs[i]
		last, ok, err := m.status.LastStatusTime(ctx, thresh.User, thresh.Worker)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		minutes := int64(m.now().Sub(last).Minutes())
		switch {
		case !thresh.OfflineErr && minutes > *thresh.OfflineThresh:
			msg := fmt.Sprintf("Worker %s offline for %d minutes", thresh.Worker, minutes)
			if err := m.raise(ctx, thresh, CondOffline, msg); err != nil {
				return err
			}
		case thresh.OfflineErr && minutes <= *thresh.OfflineThresh:
			msg := fmt.Sprintf("Worker %s now back online", thresh.Worker)
			if err := m.resolve(ctx, thresh, CondOffline, msg); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Monitor) raise(ctx context.Context, thresh *Threshold, condition, message string) error {
	if err := m.thresholds.SetConditionFlag(ctx, thresh.User, thresh.Worker, condition, true); err != nil {
		return err
	}
	m.logger.LogAlert(thresh.User, thresh.Worker, condition, true)
	return m.notifier.Notify(ctx, thresh, condition, message, true)
}

func (m *Monitor) resolve(ctx context.Context, thresh *Threshold, condition, message string) error {
	if err := m.thresholds.SetConditionFlag(ctx, thresh.User, thresh.Worker, condition, false); err != nil {
		return err
	}
	m.logger.LogAlert(thresh.User, thresh.Worker, condition, false)
	if !thresh.GreenNotif {
		return nil
	}
	return m.notifier.Notify(ctx, thresh, condition, message, false)
}
