package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/rendis/intake/pkg/schema"
)

// Target is one destination of a MultiBridge.
type Target interface {
	Submit(ctx context.Context, sub *schema.Submission) error
}

// ReceiverReporter is a target that tracks the health of its receivers.
type ReceiverReporter interface {
	Receivers() []ReceiverStatus
}

// MultiBridge delivers a submission to every target concurrently. It succeeds
// only if all targets succeed. The record target, when set, is written after
// every delivery succeeded, so a failed submission never leaves a stored row.
type MultiBridge struct {
	targets []Target
	record  Target
}

// NewMultiBridge fans out to targets. Nil targets are ignored.
func NewMultiBridge(targets ...Target) *MultiBridge {
	m := &MultiBridge{}
	for _, t := range targets {
		if t != nil {
			m.targets = append(m.targets, t)
		}
	}
	return m
}

// WithRecord sets the target that keeps the submission of record.
func (m *MultiBridge) WithRecord(t Target) *MultiBridge {
	m.record = t
	return m
}

// Len returns the number of configured targets, the record target included.
func (m *MultiBridge) Len() int {
	if m.record != nil {
		return len(m.targets) + 1
	}
	return len(m.targets)
}

// Receivers collects the receiver health of every target that tracks it.
func (m *MultiBridge) Receivers() []ReceiverStatus {
	out := []ReceiverStatus{}
	for _, t := range m.targets {
		if rr, ok := t.(ReceiverReporter); ok {
			out = append(out, rr.Receivers()...)
		}
	}
	return out
}

// Submit delivers sub to each target, then to the record target.
func (m *MultiBridge) Submit(ctx context.Context, sub *schema.Submission) error {
	if m.Len() == 0 {
		return schema.NewError(schema.ErrCodeConfiguration, "no submission targets configured")
	}
	if err := m.deliver(ctx, sub); err != nil {
		return err
	}
	if m.record == nil {
		return nil
	}
	return m.record.Submit(ctx, sub)
}

// deliver fans out to the delivery targets and joins their errors.
// The result is retryable unless every failure is non-retryable.
func (m *MultiBridge) deliver(ctx context.Context, sub *schema.Submission) error {
	switch len(m.targets) {
	case 0:
		return nil
	case 1:
		return m.targets[0].Submit(ctx, sub)
	}

	errs := make([]error, len(m.targets))
	var wg sync.WaitGroup
	for i, t := range m.targets {
		wg.Add(1)
		go func(i int, t Target) {
			defer wg.Done()
			errs[i] = t.Submit(ctx, sub)
		}(i, t)
	}
	wg.Wait()

	var failed []error
	retryable := false
	for _, err := range errs {
		if err == nil {
			continue
		}
		failed = append(failed, err)
		if IsRetryableError(err) {
			retryable = true
		}
	}
	if len(failed) == 0 {
		return nil
	}
	if len(failed) == 1 {
		return failed[0]
	}
	code := schema.ErrCodeNonRetryable
	if retryable {
		code = schema.ErrCodeExecution
	}
	joined := errors.Join(failed...)
	return schema.NewErrorf(code, "%d of %d submission targets failed", len(failed), len(m.targets)).
		WithCause(joined).
		WithDetails(map[string]any{"errors": joined.Error()})
}
