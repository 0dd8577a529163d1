//go:build !windows

package eventlog

import (
	"context"
	"fmt"

	"github.com/iff-guardian/castellan/internal/models"
	"github.com/iff-guardian/castellan/pkg/logger"
)

// unsupportedSubscription stands in for the Windows Event Log API on
// platforms that don't have one. Start always fails as permission-denied so
// the manager's "that channel stays down, others continue" path is exercised
// identically regardless of host OS.
type unsupportedSubscription struct {
	cfg ChannelConfig
}

func newSubscription(cfg ChannelConfig, bookmarkToken string, onEvent func(models.RawEvent), log logger.Logger) (subscription, error) {
	return &unsupportedSubscription{cfg: cfg}, nil
}

func (s *unsupportedSubscription) Start(ctx context.Context) error {
	return fmt.Errorf("channel %q: Windows Event Log subscription is unavailable on this platform", s.cfg.Name)
}

func (s *unsupportedSubscription) Close() error { return nil }
