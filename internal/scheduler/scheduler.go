// Package scheduler implements the daily rule-refresh background task
// (C10): decides whether the external MITRE ATT&CK dataset needs
// re-importing and whether YARA rules are due for an auto-update, and after
// a successful YARA update invalidates the C4 rule cache so the next lookup
// sees fresh data. The
// actual STIX import and YARA tooling are out-of-scope external
// collaborators, reached only through the small interfaces below.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/ratelimit"

	"github.com/iff-guardian/castellan/pkg/logger"
	"github.com/iff-guardian/castellan/pkg/metrics"
)

// MitreImporter re-imports the external ATT&CK technique catalog, upserting
// by stable technique id.
type MitreImporter interface {
	Import(ctx context.Context) error
	LastImport(ctx context.Context) (time.Time, bool, error)
	IsEmpty(ctx context.Context) (bool, error)
	IsSeedOnly(ctx context.Context) (bool, error)
}

// YaraUpdater runs the external YARA rule import tool.
type YaraUpdater interface {
	Enabled() bool
	LastUpdate() time.Time
	Interval() time.Duration
	Update(ctx context.Context) error
}

// RuleCache is the subset of internal/rules.Cache the scheduler invalidates
// after a successful YARA update.
type RuleCache interface {
	RefreshCache()
}

// Config controls the task's cadence.
type Config struct {
	WarmupDelay     time.Duration
	Interval        time.Duration
	MitreRefreshAge time.Duration
}

func DefaultConfig() Config {
	return Config{
		WarmupDelay:     time.Minute,
		Interval:        24 * time.Hour,
		MitreRefreshAge: 7 * 24 * time.Hour,
	}
}

// Scheduler runs the periodic refresh task.
type Scheduler struct {
	cfg     Config
	mitre   MitreImporter
	yara    YaraUpdater
	rules   RuleCache
	limiter ratelimit.Limiter
	met     *metrics.Collector
	log     logger.Logger
}

func New(cfg Config, mitre MitreImporter, yara YaraUpdater, rules RuleCache, met *metrics.Collector, log logger.Logger) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		mitre:   mitre,
		yara:    yara,
		rules:   rules,
		limiter: ratelimit.New(1, ratelimit.Per(time.Second)),
		met:     met,
		log:     log,
	}
}

// Run blocks until ctx is cancelled, firing RunOnce after the warm-up delay
// and then every Interval.
func (s *Scheduler) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(s.cfg.WarmupDelay):
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce executes one refresh pass. Failures in either sub-task are
// logged, aggregated, and never crash the scheduler.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.limiter.Take()

	var errs error
	if err := s.refreshMitre(ctx); err != nil {
		errs = multierr.Append(errs, err)
		s.met.RecordRuleRefresh("mitre", "error")
		s.log.Error("mitre refresh failed", "error", err)
	} else {
		s.met.RecordRuleRefresh("mitre", "ok")
	}

	if err := s.refreshYara(ctx); err != nil {
		errs = multierr.Append(errs, err)
		s.met.RecordRuleRefresh("yara", "error")
		s.log.Error("yara refresh failed", "error", err)
	} else {
		s.met.RecordRuleRefresh("yara", "ok")
	}
}

func (s *Scheduler) refreshMitre(ctx context.Context) error {
	if s.mitre == nil {
		return nil
	}

	needsImport, err := s.mitreNeedsImport(ctx)
	if err != nil {
		return err
	}
	if !needsImport {
		return nil
	}
	return s.mitre.Import(ctx)
}

func (s *Scheduler) mitreNeedsImport(ctx context.Context) (bool, error) {
	empty, err := s.mitre.IsEmpty(ctx)
	if err != nil {
		return false, err
	}
	if empty {
		return true, nil
	}

	seedOnly, err := s.mitre.IsSeedOnly(ctx)
	if err != nil {
		return false, err
	}
	if seedOnly {
		return true, nil
	}

	last, ok, err := s.mitre.LastImport(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return time.Since(last) > s.cfg.MitreRefreshAge, nil
}

func (s *Scheduler) refreshYara(ctx context.Context) error {
	if s.yara == nil || !s.yara.Enabled() {
		return nil
	}
	if time.Since(s.yara.LastUpdate()) < s.yara.Interval() {
		return nil
	}

	if err := s.yara.Update(ctx); err != nil {
		return err
	}
	if s.rules != nil {
		s.rules.RefreshCache()
	}
	return nil
}
