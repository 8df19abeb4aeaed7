package bridge

import (
	"context"
	"encoding/json"

	"github.com/rendis/intake/internal/store"
	"github.com/rendis/intake/pkg/schema"
)

// SubmissionWriter is the subset of store.Store the store bridge needs.
type SubmissionWriter interface {
	CreateSubmission(ctx context.Context, sub *store.Submission) error
	GetSubmission(ctx context.Context, id string) (*store.Submission, error)
}

// StoreBridge persists submissions in the local database.
type StoreBridge struct {
	store SubmissionWriter
}

// NewStoreBridge returns a bridge writing to s.
func NewStoreBridge(s SubmissionWriter) *StoreBridge {
	return &StoreBridge{store: s}
}

// Submit stores sub. A submission already stored under the same ID counts as
// delivered. Store failures are reported retryable.
func (b *StoreBridge) Submit(ctx context.Context, sub *schema.Submission) error {
	if _, err := b.store.GetSubmission(ctx, sub.ID); err == nil {
		return nil
	}
	payload, err := json.Marshal(sub.Payload)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeNonRetryable, "encode payload: %s", err.Error()).WithCause(err)
	}
	rec := &store.Submission{
		ID:        sub.ID,
		SessionID: sub.SessionID,
		Service:   sub.Service,
		Payload:   payload,
		CreatedAt: sub.CreatedAt,
	}
	if err := b.store.CreateSubmission(ctx, rec); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "store submission: %s", err.Error()).WithCause(err)
	}
	return nil
}
