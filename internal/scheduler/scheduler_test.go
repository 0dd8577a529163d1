package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/iff-guardian/castellan/pkg/logger"
	"github.com/iff-guardian/castellan/pkg/metrics"
)

var (
	schedMetricsOnce sync.Once
	schedMetricsInst *metrics.Collector
)

func schedMetrics() *metrics.Collector {
	schedMetricsOnce.Do(func() { schedMetricsInst = metrics.NewCollector("castellan-scheduler-test") })
	return schedMetricsInst
}

type fakeMitre struct {
	empty     bool
	seedOnly  bool
	last      time.Time
	lastOK    bool
	importErr error
	importN   int
	mu        sync.Mutex
}

func (f *fakeMitre) Import(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.importN++
	return f.importErr
}

func (f *fakeMitre) LastImport(ctx context.Context) (time.Time, bool, error) {
	return f.last, f.lastOK, nil
}
func (f *fakeMitre) IsEmpty(ctx context.Context) (bool, error)    { return f.empty, nil }
func (f *fakeMitre) IsSeedOnly(ctx context.Context) (bool, error) { return f.seedOnly, nil }

func (f *fakeMitre) imports() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.importN
}

type fakeYara struct {
	enabled    bool
	lastUpdate time.Time
	interval   time.Duration
	updateErr  error
	updates    int
}

func (f *fakeYara) Enabled() bool           { return f.enabled }
func (f *fakeYara) LastUpdate() time.Time   { return f.lastUpdate }
func (f *fakeYara) Interval() time.Duration { return f.interval }
func (f *fakeYara) Update(ctx context.Context) error {
	f.updates++
	return f.updateErr
}

type fakeRuleCache struct {
	refreshed int
}

func (f *fakeRuleCache) RefreshCache() { f.refreshed++ }

func TestRunOnce_MitreImportSkippedWhenCatalogFresh(t *testing.T) {
	mitre := &fakeMitre{empty: false, seedOnly: false, last: time.Now(), lastOK: true}
	s := New(DefaultConfig(), mitre, nil, nil, schedMetrics(), logger.New("error", "test"))
	s.RunOnce(context.Background())
	assert.Equal(t, 0, mitre.imports())
}

func TestRunOnce_MitreImportRunsWhenCatalogEmpty(t *testing.T) {
	mitre := &fakeMitre{empty: true}
	s := New(DefaultConfig(), mitre, nil, nil, schedMetrics(), logger.New("error", "test"))
	s.RunOnce(context.Background())
	assert.Equal(t, 1, mitre.imports())
}

func TestRunOnce_MitreImportRunsWhenSeedOnly(t *testing.T) {
	mitre := &fakeMitre{empty: false, seedOnly: true}
	s := New(DefaultConfig(), mitre, nil, nil, schedMetrics(), logger.New("error", "test"))
	s.RunOnce(context.Background())
	assert.Equal(t, 1, mitre.imports())
}

func TestRunOnce_MitreImportRunsWhenStale(t *testing.T) {
	mitre := &fakeMitre{last: time.Now().Add(-30 * 24 * time.Hour), lastOK: true}
	cfg := DefaultConfig()
	cfg.MitreRefreshAge = 7 * 24 * time.Hour
	s := New(cfg, mitre, nil, nil, schedMetrics(), logger.New("error", "test"))
	s.RunOnce(context.Background())
	assert.Equal(t, 1, mitre.imports())
}

func TestRunOnce_MitreImportRunsWhenNeverImported(t *testing.T) {
	mitre := &fakeMitre{lastOK: false}
	s := New(DefaultConfig(), mitre, nil, nil, schedMetrics(), logger.New("error", "test"))
	s.RunOnce(context.Background())
	assert.Equal(t, 1, mitre.imports())
}

func TestRunOnce_NilMitreIsNoOp(t *testing.T) {
	s := New(DefaultConfig(), nil, nil, nil, schedMetrics(), logger.New("error", "test"))
	assert.NotPanics(t, func() { s.RunOnce(context.Background()) })
}

func TestRunOnce_YaraUpdateSkippedWhenDisabled(t *testing.T) {
	yara := &fakeYara{enabled: false}
	s := New(DefaultConfig(), nil, yara, nil, schedMetrics(), logger.New("error", "test"))
	s.RunOnce(context.Background())
	assert.Equal(t, 0, yara.updates)
}

func TestRunOnce_YaraUpdateSkippedWhenWithinInterval(t *testing.T) {
	yara := &fakeYara{enabled: true, lastUpdate: time.Now(), interval: time.Hour}
	s := New(DefaultConfig(), nil, yara, nil, schedMetrics(), logger.New("error", "test"))
	s.RunOnce(context.Background())
	assert.Equal(t, 0, yara.updates)
}

func TestRunOnce_YaraUpdateRunsAndInvalidatesRuleCacheOnSuccess(t *testing.T) {
	yara := &fakeYara{enabled: true, lastUpdate: time.Now().Add(-2 * time.Hour), interval: time.Hour}
	rc := &fakeRuleCache{}
	s := New(DefaultConfig(), nil, yara, rc, schedMetrics(), logger.New("error", "test"))
	s.RunOnce(context.Background())
	assert.Equal(t, 1, yara.updates)
	assert.Equal(t, 1, rc.refreshed)
}

func TestRunOnce_YaraUpdateFailureDoesNotInvalidateRuleCache(t *testing.T) {
	yara := &fakeYara{enabled: true, lastUpdate: time.Now().Add(-2 * time.Hour), interval: time.Hour, updateErr: errors.New("fetch failed")}
	rc := &fakeRuleCache{}
	s := New(DefaultConfig(), nil, yara, rc, schedMetrics(), logger.New("error", "test"))
	s.RunOnce(context.Background())
	assert.Equal(t, 0, rc.refreshed)
}

func TestRunOnce_MitreFailureDoesNotPreventYaraRun(t *testing.T) {
	mitre := &fakeMitre{empty: true, importErr: errors.New("import failed")}
	yara := &fakeYara{enabled: true, lastUpdate: time.Now().Add(-2 * time.Hour), interval: time.Hour}
	s := New(DefaultConfig(), mitre, yara, nil, schedMetrics(), logger.New("error", "test"))
	s.RunOnce(context.Background())
	assert.Equal(t, 1, yara.updates, "a mitre failure must not stop the yara refresh from running")
}

func TestRun_FiresOnceAfterWarmupThenStopsOnCancel(t *testing.T) {
	mitre := &fakeMitre{empty: true}
	cfg := Config{WarmupDelay: time.Millisecond, Interval: time.Hour, MitreRefreshAge: time.Hour}
	s := New(cfg, mitre, nil, nil, schedMetrics(), logger.New("error", "test"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return mitre.imports() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRun_StopsImmediatelyIfCancelledDuringWarmup(t *testing.T) {
	mitre := &fakeMitre{empty: true}
	cfg := Config{WarmupDelay: time.Hour, Interval: time.Hour, MitreRefreshAge: time.Hour}
	s := New(cfg, mitre, nil, nil, schedMetrics(), logger.New("error", "test"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return immediately when ctx was already cancelled")
	}
	assert.Equal(t, 0, mitre.imports())
}
