package task

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/caseflow/internal/step"
)

// DuplicateStepError means a configurer asked for two different steps at
// one subdir.
type DuplicateStepError struct {
	Task   string
	Subdir string
}

func (e *DuplicateStepError) Error() string {
	return fmt.Sprintf("task %s: two different steps at %s", e.Task, e.Subdir)
}

// Configure recomputes membership and applies only the difference between
// the desired and current sets. With unchanged options it changes nothing:
// no registration, no reference counts, no filesystem access. On error,
// desired steps the task did not end up retaining are released, so steps
// the configurer registered do not linger unreferenced.
func (t *Task) Configure(ctx context.Context) error {
	t.mu.Lock()
	configurer := t.configurer
	t.mu.Unlock()
	if configurer == nil {
		return nil
	}

	desired, err := configurer.Configure(ctx, t)
	if err != nil {
		return fmt.Errorf("configure task %s: %w", t.Path(), err)
	}
	if err := t.applyDesired(desired); err != nil {
		t.releaseUnretained(desired)
		return fmt.Errorf("configure task %s: %w", t.Path(), err)
	}
	return nil
}

func (t *Task) applyDesired(desired []Desired) error {
	wanted := make(map[string]Desired, len(desired))
	order := make([]string, 0, len(desired))
	for _, d := range desired {
		if d.Step == nil {
			return fmt.Errorf("nil step in desired membership")
		}
		key := d.Step.Subdir()
		if prev, dup := wanted[key]; dup {
			if prev.Step != d.Step {
				return &DuplicateStepError{Task: t.Path(), Subdir: key}
			}
			continue
		}
		wanted[key] = d
		order = append(order, key)
	}

	for _, m := range t.Members() {
		d, ok := wanted[m.Step.Subdir()]
		if !ok || d.Step != m.Step {
			t.RemoveStep(m.Step)
		}
	}

	for _, key := range order {
		d := wanted[key]
		if m, ok := t.memberFor(d.Step); ok && m.matches(d.Options) {
			continue
		}
		if err := t.AddStep(d.Step, d.Options); err != nil {
			return err
		}
	}

	t.reorder(order)
	return nil
}

func (t *Task) releaseUnretained(desired []Desired) {
	for _, d := range desired {
		if d.Step == nil {
			continue
		}
		if _, ok := t.memberFor(d.Step); !ok {
			t.registry.Release(d.Step, t.Path())
		}
	}
}

func (t *Task) memberFor(s *step.Step) (Member, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range t.members {
		if m.Step == s {
			return *m, true
		}
	}
	return Member{}, false
}

func (m Member) matches(opts AddOptions) bool {
	if m.RunByDefault == opts.Optional {
		return false
	}
	return m.Owned || m.Symlink == opts.Symlink
}

// reorder sorts members to follow the desired order.
func (t *Task) reorder(order []string) {
	rank := make(map[string]int, len(order))
	for i, key := range order {
		rank[key] = i
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	sorted := make([]*Member, 0, len(t.members))
	for _, key := range order {
		for _, m := range t.members {
			if m.Step.Subdir() == key {
				sorted = append(sorted, m)
			}
		}
	}
	for _, m := range t.members {
		if _, ok := rank[m.Step.Subdir()]; !ok {
			sorted = append(sorted, m)
		}
	}
	t.members = sorted
}
