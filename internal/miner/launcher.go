package miner

import (
	"log/slog"

	"github.com/bardlex/gominer/internal/process"
	"github.com/bardlex/gominer/internal/telemetry"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

const component = "miner"

// Launcher resolves miner executables, starts them under a Supervisor and
// attaches the telemetry Collector to their output.
type Launcher struct {
	supervisor *process.Supervisor
	collector  *telemetry.Collector
	logger     log.Emitter
	baseDir    string
}

// NewLauncher creates a launcher that looks for executables under baseDir
func NewLauncher(supervisor *process.Supervisor, collector *telemetry.Collector, logger log.Emitter, baseDir string) *Launcher {
	if logger == nil {
		logger = log.Discard
	}
	return &Launcher{
		supervisor: supervisor,
		collector:  collector,
		logger:     logger,
		baseDir:    baseDir,
	}
}

// Start validates p, locates its executable and launches it. It returns
// the child PID.
func (l *Launcher) Start(p Profile) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	name := p.ProcessName()
	if l.supervisor.IsRunning(name) {
		return 0, errors.New(errors.ErrorTypeProcess, "start_miner", "miner is already running").
			WithContext("miner_type", p.Type)
	}

	if err := process.EnsureDir(l.baseDir); err != nil {
		return 0, err
	}
	path, err := process.FindExecutable(l.baseDir, p.Executable)
	if err != nil {
		return 0, err
	}
	if err := process.MakeExecutable(path); err != nil {
		return 0, err
	}

	pid, err := l.supervisor.Start(name, path, p.Args(), l.baseDir)
	if err != nil {
		return 0, err
	}

	h, err := l.supervisor.Handle(name)
	if err != nil {
		return pid, err
	}
	if err := l.collector.StartMonitoring(p.Type, h, telemetry.WithThreads(p.Threads)); err != nil {
		h.DiscardOutput()
		return pid, err
	}

	l.logger.Emit(component, slog.LevelInfo, "miner started",
		"miner_type", p.Type, "pid", pid, "executable", path, "pool", p.PoolURL(), "threads", p.Threads)
	return pid, nil
}

// Stop ends monitoring for the miner type and removes its process record
func (l *Launcher) Stop(minerType string) error {
	monErr := l.collector.StopMonitoring(minerType)

	name := Profile{Type: minerType}.ProcessName()
	if err := l.supervisor.Stop(name); err != nil && !errors.IsNotFound(err) {
		return err
	}
	if monErr != nil {
		return monErr
	}

	l.logger.Emit(component, slog.LevelInfo, "miner stopped", "miner_type", minerType)
	return nil
}

// Running reports whether the miner process for minerType is alive
func (l *Launcher) Running(minerType string) bool {
	return l.supervisor.IsRunning(Profile{Type: minerType}.ProcessName())
}
