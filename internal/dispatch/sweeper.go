package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RetentionConfig bounds how many failed workspaces are kept and for how long.
type RetentionConfig struct {
	MaxAge        time.Duration `yaml:"max_age" toml:"max_age"`
	MaxFailed     int           `yaml:"max_failed" toml:"max_failed"`
	SweepInterval time.Duration `yaml:"sweep_interval" toml:"sweep_interval"`
}

// DefaultRetentionConfig keeps failed workspaces for a day, at most 100.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		MaxAge:        24 * time.Hour,
		MaxFailed:     100,
		SweepInterval: 10 * time.Minute,
	}
}

// Sweeper periodically garbage-collects retained workspaces.
type Sweeper struct {
	workspaces *Workspaces
	config     RetentionConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onSweep func(removed []RetainedWorkspace)
}

// NewSweeper creates a sweeper for ws.
func NewSweeper(ws *Workspaces, cfg RetentionConfig) *Sweeper {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultRetentionConfig().SweepInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		workspaces: ws,
		config:     cfg,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// OnSweep registers fn to run after every pass. It must be called before
// Start.
func (s *Sweeper) OnSweep(fn func(removed []RetainedWorkspace)) {
	s.onSweep = fn
}

// Start begins the sweep loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.loop()
	log.Info().
		Dur("interval", s.config.SweepInterval).
		Dur("max_age", s.config.MaxAge).
		Int("max_failed", s.config.MaxFailed).
		Msg("workspace sweeper started")
}

// Stop gracefully stops the sweeper.
func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()
	log.Info().Msg("workspace sweeper stopped")
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	s.SweepOnce()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce runs a single retention pass.
func (s *Sweeper) SweepOnce() []RetainedWorkspace {
	removed, err := s.workspaces.Sweep(time.Now(), s.config.MaxAge, s.config.MaxFailed)
	if err != nil {
		log.Error().Err(err).Msg("workspace sweep incomplete")
	}
	for _, r := range removed {
		log.Info().Str("workspace", r.ID).Time("retained_at", r.RetainedAt).Msg("retained workspace removed")
	}
	if s.onSweep != nil {
		s.onSweep(removed)
	}
	return removed
}
