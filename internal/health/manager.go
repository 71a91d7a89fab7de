// Package health runs the periodic housekeeping of the game host: pruning
// dead clients, lag detection, client table snapshots and host usage.
package health

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lkrzak/mniam-headless/internal/config"
	"github.com/lkrzak/mniam-headless/internal/events"
	"github.com/lkrzak/mniam-headless/internal/network"
	"github.com/lkrzak/mniam-headless/internal/util"
)

// ClientTable is the part of the game server the checks work on.
type ClientTable interface {
	Clients() []network.ClientInfo
	RemoveAllInactiveClients() int
	IsAccepting() bool
}

// Manager runs periodic health checks against the client table.
type Manager struct {
	cfg      *config.Config
	eventBus *events.EventBus
	table    ClientTable
	usageDir string
}

// NewManager creates a new health check manager. usageDir selects the disk
// reported by the usage check.
func NewManager(cfg *config.Config, eventBus *events.EventBus, table ClientTable, usageDir string) *Manager {
	return &Manager{
		cfg:      cfg,
		eventBus: eventBus,
		table:    table,
		usageDir: usageDir,
	}
}

// Start launches all health check goroutines and blocks until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	timers := m.cfg.GetApplicationData().Timers

	checks := []struct {
		name     string
		interval int
		fn       func(context.Context)
	}{
		{"inactive_sweep", timers.InactiveSweepInterval, m.sweepInactive},
		{"lag", timers.LagCheckInterval, m.checkLag},
		{"snapshot", timers.SnapshotInterval, m.publishSnapshot},
		{"system_usage", timers.SystemUsageInterval, m.logUsage},
	}

	started := 0
	for _, check := range checks {
		if check.interval <= 0 {
			log.Debug().Str("check", check.name).Msg("health check disabled")
			continue
		}
		started++

		check := check
		go func() {
			ticker := time.NewTicker(time.Duration(check.interval) * time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn(ctx)
				}
			}
		}()
	}

	log.Info().Int("checks", started).Msg("health check manager started")

	<-ctx.Done()
	log.Info().Msg("health check manager stopped")
}

// sweepInactive drops clients whose connection has terminated.
func (m *Manager) sweepInactive(ctx context.Context) {
	if removed := m.table.RemoveAllInactiveClients(); removed > 0 {
		log.Info().Int("removed", removed).Msg("inactive clients removed")
	}
}

// checkLag reports active clients whose mean RTT exceeds the threshold.
func (m *Manager) checkLag(ctx context.Context) {
	limit := int64(m.cfg.GetApplicationData().Lag.RTTWarningMs)
	if limit <= 0 {
		return
	}

	for _, c := range m.table.Clients() {
		if !c.Active || c.MeanRTTMillis <= limit {
			continue
		}
		log.Warn().
			Uint32("client_id", c.ID).
			Str("remote", c.IP).
			Int64("mean_rtt_ms", c.MeanRTTMillis).
			Int64("limit_ms", limit).
			Msg("client lagging")

		m.eventBus.Emit(ctx, events.Event{
			Type:   events.EventClientLagging,
			Source: "health_check",
			Payload: events.LagPayload{
				ClientID:  c.ID,
				IP:        c.IP,
				MeanRTTMs: c.MeanRTTMillis,
				LimitMs:   limit,
			},
		})
	}
}

// publishSnapshot emits the state of every client in the table.
func (m *Manager) publishSnapshot(ctx context.Context) {
	clients := m.table.Clients()
	snap := events.SnapshotPayload{
		Accepting: m.table.IsAccepting(),
		Clients:   make([]events.ClientSnapshot, 0, len(clients)),
	}
	for _, c := range clients {
		snap.Clients = append(snap.Clients, c.ToSnapshot())
	}

	m.eventBus.Emit(ctx, events.Event{
		Type:    events.EventClientsSnapshot,
		Source:  "health_check",
		Payload: snap,
	})
}

func (m *Manager) logUsage(ctx context.Context) {
	usage, err := util.GetUsage(m.usageDir)
	if err != nil {
		log.Warn().Err(err).Msg("system usage sample incomplete")
	}

	log.Debug().
		Float64("cpu_percent", usage.CPUPercent).
		Uint64("memory_used_mb", usage.MemoryUsedMB).
		Float64("disk_percent", usage.DiskPercent).
		Int("goroutines", usage.Goroutines).
		Int("clients", len(m.table.Clients())).
		Msg("system usage")

	if usage.DiskPercent >= 95 {
		log.Warn().Float64("disk_percent", usage.DiskPercent).Uint64("free_gb", usage.DiskFreeGB).Msg("disk almost full")
	}
}
