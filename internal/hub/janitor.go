package hub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/linkhubhq/linkhub/internal/channel"
)

// Janitor periodically reaps connections stuck in a pending state (waiting
// for a QR scan that never happened, or an initialization that never
// completed) once they exceed the pending TTL.
type Janitor struct {
	hub    *Hub
	logger *slog.Logger
	ttl    time.Duration
	cron   *cron.Cron
}

// NewJanitor creates a janitor sweeping at the given period.
func NewJanitor(log *slog.Logger, h *Hub, period, ttl time.Duration) (*Janitor, error) {
	if log == nil {
		log = slog.Default()
	}
	j := &Janitor{
		hub:    h,
		logger: log.With(slog.String("component", "janitor")),
		ttl:    ttl,
		cron:   cron.New(),
	}
	if _, err := j.cron.AddFunc(fmt.Sprintf("@every %s", period), j.Sweep); err != nil {
		return nil, fmt.Errorf("janitor: schedule: %w", err)
	}
	return j, nil
}

// Start begins the sweep schedule.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// Sweep reaps expired pending connections: live entries are stopped, and
// stored rows whose entry never came up are marked stopped so they do not
// auto-restore forever.
func (j *Janitor) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cutoff := time.Now().UTC().Add(-j.ttl)

	j.hub.mu.RLock()
	var expired []*entry
	for _, e := range j.hub.entries {
		status := e.snapshotStatus()
		if status.State.Pending() && status.UpdatedAt.Before(cutoff) {
			expired = append(expired, e)
		}
	}
	j.hub.mu.RUnlock()

	for _, e := range expired {
		cfg := e.snapshotConfig()
		j.logger.Info("reaping expired pending connection",
			slog.String("connection_id", cfg.ID),
			slog.String("state", string(e.snapshotStatus().State)))
		e.lifecycle.Lock()
		if err := e.snapshotClient().Stop(ctx); err != nil {
			j.logger.Warn("client stop failed", slog.String("connection_id", cfg.ID), slog.Any("error", err))
		}
		e.setStatus(channel.Status{State: channel.StateStopped, Detail: "pairing window expired", UpdatedAt: time.Now().UTC()})
		e.lifecycle.Unlock()
		j.hub.persistStatus(cfg.ID, channel.StateStopped)
	}

	// Rows without a live entry can be stuck pending too, e.g. after a crash
	// mid-pairing.
	configs, err := j.hub.store.List(ctx)
	if err != nil {
		j.logger.Error("sweep list failed", slog.Any("error", err))
		return
	}
	for _, cfg := range configs {
		if !channel.State(cfg.Status).Pending() {
			continue
		}
		if _, err := j.hub.entry(cfg.ID); err == nil {
			continue
		}
		if cfg.CreatedAt.After(cutoff) {
			continue
		}
		j.logger.Info("reaping orphaned pending row", slog.String("connection_id", cfg.ID))
		j.hub.persistStatus(cfg.ID, channel.StateStopped)
	}
}
