package app

import (
	"context"
	"io"
	"sync"

	"github.com/NodePath81/droprate/internal/config"
	"github.com/NodePath81/droprate/internal/util"
)

// Supervisor loads a configuration file and drives one Runtime built
// from it.
type Supervisor struct {
	configPath string
	logOutput  io.Writer
	mu         sync.Mutex
	logger     util.Logger
	runtime    *Runtime
}

func NewSupervisor(configPath string, logOutput io.Writer) *Supervisor {
	return &Supervisor{
		configPath: configPath,
		logOutput:  logOutput,
	}
}

// Start loads the configuration, opens shared services and starts the
// control server when enabled.
func (s *Supervisor) Start() error {
	cfg, err := config.LoadConfig(s.configPath)
	if err != nil {
		return err
	}
	level, err := util.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := util.NewLevelLogger(s.logOutput, level)
	runtime, err := NewRuntime(cfg, logger)
	if err != nil {
		return err
	}
	if err := runtime.Start(); err != nil {
		runtime.Stop()
		return err
	}
	s.mu.Lock()
	s.logger = logger
	s.runtime = runtime
	s.mu.Unlock()
	return nil
}

// Run executes all sessions and writes the report table to out, also
// when some session failed.
func (s *Supervisor) Run(ctx context.Context, out io.Writer) error {
	s.mu.Lock()
	runtime := s.runtime
	s.mu.Unlock()
	if runtime == nil {
		return errNotStarted
	}
	reports, err := runtime.Run(ctx)
	if len(reports) > 0 {
		RenderReport(out, reports)
	}
	return err
}

func (s *Supervisor) Logger() util.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger
}

func (s *Supervisor) Stop() {
	s.mu.Lock()
	current := s.runtime
	s.runtime = nil
	s.mu.Unlock()
	if current != nil {
		current.Stop()
	}
}
