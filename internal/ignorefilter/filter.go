// Package ignorefilter implements the sequential ignore-pattern filter
// (C6): a short time- and count-bounded queue of recently seen events,
// matched against configured known-benign sequences before an event is
// allowed to reach the store.
package ignorefilter

import (
	"strings"
	"sync"
	"time"

	"github.com/iff-guardian/castellan/internal/models"
)

type entry struct {
	event  *models.SecurityEvent
	fields models.ExtractedFields
	at     time.Time
}

// Filter implements pipeline.IgnoreFilter. The recent queue is private to
// the filter and guarded by a single mutex, per the "lock-free or single
// mutex" guidance — there is no cross-component sharing to justify
// anything finer-grained.
type Filter struct {
	cfg Config

	mu     sync.Mutex
	recent []entry
}

func New(cfg Config) *Filter {
	return &Filter{cfg: cfg}
}

// ShouldSuppress implements pipeline.IgnoreFilter.
func (f *Filter) ShouldSuppress(event *models.SecurityEvent) bool {
	if !f.cfg.Enabled || event.Log == nil {
		return false
	}

	if f.cfg.FilterAllLocalEvents && isLocalMachine(event.Log.Host, f.cfg.LocalMachineNames) {
		return true
	}

	fields := extractFields(event.Log.Message)
	now := event.Log.Time
	if now.IsZero() {
		now = event.CreatedAt
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.recent = append(f.recent, entry{event: event, fields: fields, at: now})
	f.evict(now)

	for _, pattern := range f.cfg.Patterns {
		if f.matchPattern(pattern) {
			return true
		}
	}
	return false
}

// evict drops entries older than the configured window or beyond the
// configured capacity, oldest first.
func (f *Filter) evict(now time.Time) {
	window := time.Duration(f.cfg.SequenceTimeWindowSeconds) * time.Second
	if window > 0 {
		cutoff := now.Add(-window)
		i := 0
		for ; i < len(f.recent); i++ {
			if f.recent[i].at.After(cutoff) {
				break
			}
		}
		if i > 0 {
			f.recent = f.recent[i:]
		}
	}
	if max := f.cfg.MaxRecentEvents; max > 0 && len(f.recent) > max {
		f.recent = f.recent[len(f.recent)-max:]
	}
}

// matchPattern evaluates one SequentialIgnorePattern against the recent
// queue (which, at call time, ends with the current event). Terminal mode
// requires the current event to satisfy the final step. Anywhere-in-sequence
// mode instead looks for any step index i the current event satisfies; per
// the documented semantics, that only yields a suppression when i is the
// last step, since steps after i are by definition unseen — so both modes
// reduce to the same backward walk, differing only in which step index the
// current event is allowed to satisfy.
func (f *Filter) matchPattern(p models.SequentialIgnorePattern) bool {
	n := len(p.Steps)
	if n == 0 || len(f.recent) == 0 {
		return false
	}
	current := f.recent[len(f.recent)-1]
	prior := f.recent[:len(f.recent)-1]

	if p.IgnoreAllEventsInSequence {
		for i := 0; i < n; i++ {
			if !stepMatches(p.Steps[i], current.event, current.fields) {
				continue
			}
			if i == n-1 && stepsFoundInOrder(p.Steps[:n-1], prior) {
				return true
			}
		}
		return false
	}

	if !stepMatches(p.Steps[n-1], current.event, current.fields) {
		return false
	}
	return stepsFoundInOrder(p.Steps[:n-1], prior)
}

// stepsFoundInOrder reports whether each step appears, in order, somewhere
// in prior (not necessarily contiguously), walking prior backward.
func stepsFoundInOrder(steps []models.EventStep, prior []entry) bool {
	idx := len(steps) - 1
	for i := len(prior) - 1; i >= 0 && idx >= 0; i-- {
		if stepMatches(steps[idx], prior[i].event, prior[i].fields) {
			idx--
		}
	}
	return idx < 0
}

func stepMatches(step models.EventStep, event *models.SecurityEvent, fields models.ExtractedFields) bool {
	if step.HasEventType && event.EventType != step.EventType {
		return false
	}
	if len(step.SourceMachines) > 0 && (event.Log == nil || !containsFold(step.SourceMachines, event.Log.Host)) {
		return false
	}
	if len(step.AccountNames) > 0 && !containsFold(step.AccountNames, fields.AccountName) {
		return false
	}
	if len(step.LogonTypes) > 0 {
		if !fields.HasLogonType {
			return false
		}
		found := false
		for _, lt := range step.LogonTypes {
			if lt == fields.LogonType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(step.SourceIPs) > 0 && (!fields.HasSourceAddress || !containsFold(step.SourceIPs, fields.SourceAddress)) {
		return false
	}
	if len(step.MitreTechniques) > 0 {
		if step.RequireAllTechniques {
			for _, t := range step.MitreTechniques {
				if !containsFold(event.MitreTechniques, t) {
					return false
				}
			}
		} else {
			any := false
			for _, t := range step.MitreTechniques {
				if containsFold(event.MitreTechniques, t) {
					any = true
					break
				}
			}
			if !any {
				return false
			}
		}
	}
	return true
}

func isLocalMachine(host string, names []string) bool {
	return containsFold(names, host)
}

func containsFold(list []string, want string) bool {
	if want == "" {
		return false
	}
	for _, v := range list {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}
