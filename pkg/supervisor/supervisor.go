// Package supervisor runs the reconcile loop: on a fixed tick it compares
// each tracked container's desired state (what the registry says it
// should be) against its actual state (whether a live process backs it),
// launching scheduled containers, relaunching crashed ones, and leaving
// user-stopped containers alone.
package supervisor

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/qubed/pkg/config"
	"github.com/cuemby/qubed/pkg/lifecycle"
	"github.com/cuemby/qubed/pkg/log"
	"github.com/cuemby/qubed/pkg/metrics"
	"github.com/cuemby/qubed/pkg/rootfs"
	"github.com/cuemby/qubed/pkg/types"
)

// Supervisor owns the reconcile loop's lifecycle.
type Supervisor struct {
	manager *lifecycle.Manager
	logger  zerolog.Logger
	mu      sync.Mutex
	stopCh  chan struct{}
}

// New returns a Supervisor driving the given lifecycle.Manager.
func New(mgr *lifecycle.Manager) *Supervisor {
	return &Supervisor{
		manager: mgr,
		logger:  log.WithComponent("supervisor"),
		stopCh:  make(chan struct{}),
	}
}

// Start reaps orphaned container directories left over from a prior
// daemon run, then launches the reconcile loop in the background.
func (s *Supervisor) Start() {
	if err := s.reapOrphans(); err != nil {
		s.logger.Warn().Err(err).Msg("orphan cleanup failed")
	}
	go s.run()
}

// Stop ends the reconcile loop. It does not touch any running container.
func (s *Supervisor) Stop() {
	close(s.stopCh)
}

func (s *Supervisor) run() {
	ticker := time.NewTicker(time.Duration(config.TickIntervalSeconds) * time.Second)
	defer ticker.Stop()

	s.logger.Info().Msg("supervisor started")

	for {
		select {
		case <-ticker.C:
			if err := s.reconcile(); err != nil {
				s.logger.Error().Err(err).Msg("reconcile tick failed")
			}
		case <-s.stopCh:
			s.logger.Info().Msg("supervisor stopped")
			return
		}
	}
}

// reconcile performs one pass over every tracked container.
func (s *Supervisor) reconcile() error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconcileTickDuration)
		metrics.ReconcileTicksTotal.Inc()
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	infos, err := s.manager.ListAll()
	if err != nil {
		return err
	}

	counts := map[lifecycle.Status]float64{
		lifecycle.StatusRunning: 0,
		lifecycle.StatusStopped: 0,
		lifecycle.StatusExited:  0,
	}

	for _, info := range infos {
		counts[info.Status]++
		s.reconcileOne(info)
	}

	for state, count := range counts {
		metrics.ContainersTotal.WithLabelValues(string(state)).Set(count)
	}
	return nil
}

func (s *Supervisor) reconcileOne(info lifecycle.Info) {
	rec := info.Record
	logger := s.logger.With().Str("container", rec.Name).Logger()

	switch rec.PID {
	case types.PIDStopped:
		return

	case types.PIDScheduled:
		if !s.pastGraceWindow(rec) {
			return
		}
		if !rec.Restartable() {
			logger.Warn().Msg("scheduled container has no command, leaving queued")
			return
		}
		logger.Info().Msg("launching scheduled container")
		if _, err := s.manager.Relaunch(context.Background(), rec); err != nil {
			logger.Error().Err(err).Msg("failed to launch scheduled container")
		}
		return
	}

	// A positive PID with StatusExited means the process died without
	// the user stopping it -- an unplanned exit the supervisor should
	// repair by relaunching, provided the record still carries a command.
	if info.Status == lifecycle.StatusExited {
		if !rec.Restartable() {
			return
		}
		logger.Info().Int("last_pid", rec.PID).Msg("container exited unexpectedly, restarting")
		metrics.ContainersRestartedTotal.Inc()
		if _, err := s.manager.Relaunch(context.Background(), rec); err != nil {
			logger.Error().Err(err).Msg("failed to restart crashed container")
		}
		return
	}

	if info.Status == lifecycle.StatusRunning {
		metrics.ContainerMemoryBytes.WithLabelValues(rec.Name).Set(float64(info.MemoryBytes))
		metrics.ContainerCPUPercent.WithLabelValues(rec.Name).Set(info.CPUPercent)
	}
}

func (s *Supervisor) pastGraceWindow(rec *types.ContainerRecord) bool {
	if rec.Timestamp == 0 {
		return true
	}
	scheduledAt := time.Unix(int64(rec.Timestamp), 0)
	return time.Since(scheduledAt) >= time.Duration(config.GraceWindowSeconds)*time.Second
}

// reapOrphans removes any directory under ContainersBase that has no
// matching registry entry, the leftovers of a container whose rootfs was
// built or launched but whose record is gone (for example a build whose
// image extraction failed, which drops the record but leaves the
// directory behind).
func (s *Supervisor) reapOrphans() error {
	entries, err := os.ReadDir(config.ContainersBase)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	records, err := s.manager.Store.List()
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(records))
	for _, rec := range records {
		known[rec.Name] = true
	}

	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "images" {
			continue
		}
		if known[entry.Name()] {
			continue
		}
		s.logger.Info().Str("container", entry.Name()).Msg("reaping orphaned container directory")
		if err := rootfs.Cleanup(entry.Name()); err != nil {
			s.logger.Warn().Str("container", entry.Name()).Err(err).Msg("failed to reap orphan")
		}
	}
	return nil
}
