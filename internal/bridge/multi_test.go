package bridge

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/intake/pkg/schema"
)

type targetFunc func(ctx context.Context, sub *schema.Submission) error

func (f targetFunc) Submit(ctx context.Context, sub *schema.Submission) error { return f(ctx, sub) }

func countingTarget(calls *atomic.Int32, err error) Target {
	return targetFunc(func(context.Context, *schema.Submission) error {
		calls.Add(1)
		return err
	})
}

func TestMultiBridge_AllSucceed(t *testing.T) {
	var calls atomic.Int32
	m := NewMultiBridge(countingTarget(&calls, nil), nil, countingTarget(&calls, nil))
	assert.Equal(t, 2, m.Len())
	assert.NoError(t, m.Submit(context.Background(), testSubmission()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestMultiBridge_SingleFailureIsReturnedAsIs(t *testing.T) {
	var calls atomic.Int32
	boom := schema.NewError(schema.ErrCodeNonRetryable, "rejected")
	m := NewMultiBridge(countingTarget(&calls, nil), countingTarget(&calls, boom))

	err := m.Submit(context.Background(), testSubmission())
	assert.Same(t, boom, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMultiBridge_JoinsFailures(t *testing.T) {
	var calls atomic.Int32
	m := NewMultiBridge(
		countingTarget(&calls, schema.NewError(schema.ErrCodeNonRetryable, "bad request")),
		countingTarget(&calls, errors.New("connection reset")),
	)

	err := m.Submit(context.Background(), testSubmission())
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
	assert.Contains(t, err.Error(), "2 of 2")

	m = NewMultiBridge(
		countingTarget(&calls, schema.NewError(schema.ErrCodeNonRetryable, "a")),
		countingTarget(&calls, schema.NewError(schema.ErrCodeNonRetryable, "b")),
	)
	err = m.Submit(context.Background(), testSubmission())
	assert.True(t, schema.HasCode(err, schema.ErrCodeNonRetryable))
}

func TestMultiBridge_NoTargets(t *testing.T) {
	err := NewMultiBridge().Submit(context.Background(), testSubmission())
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))
}

func TestMultiBridge_RecordWrittenOnlyAfterDelivery(t *testing.T) {
	var delivered, recorded atomic.Int32
	boom := schema.NewError(schema.ErrCodeSubmissionFailed, "receiver down")
	m := NewMultiBridge(countingTarget(&delivered, boom)).WithRecord(countingTarget(&recorded, nil))
	assert.Equal(t, 2, m.Len())

	err := m.Submit(context.Background(), testSubmission())
	assert.Same(t, boom, err)
	assert.Equal(t, int32(1), delivered.Load())
	assert.Zero(t, recorded.Load())

	m = NewMultiBridge(countingTarget(&delivered, nil)).WithRecord(countingTarget(&recorded, nil))
	assert.NoError(t, m.Submit(context.Background(), testSubmission()))
	assert.Equal(t, int32(1), recorded.Load())
}

func TestMultiBridge_RecordOnly(t *testing.T) {
	var recorded atomic.Int32
	m := NewMultiBridge().WithRecord(countingTarget(&recorded, nil))
	assert.NoError(t, m.Submit(context.Background(), testSubmission()))
	assert.Equal(t, int32(1), recorded.Load())
}
