package bridge

import (
	"context"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/rendis/intake/internal/store"
	"github.com/rendis/intake/pkg/schema"
)

// FileRecorder is the subset of store.Store DiskStorage needs.
type FileRecorder interface {
	CreateFile(ctx context.Context, f *store.FileRecord) error
}

// DiskStorage keeps uploads under a directory and records their metadata.
type DiskStorage struct {
	dir     string
	records FileRecorder
}

// NewDiskStorage creates dir if needed. records may be nil.
func NewDiskStorage(dir string, records FileRecorder) (*DiskStorage, error) {
	if dir == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "upload directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "create upload directory: %s", err.Error()).WithCause(err)
	}
	return &DiskStorage{dir: dir, records: records}, nil
}

// Put writes upload to disk. The stored MIME type is sniffed from the content;
// the declared type is ignored.
func (d *DiskStorage) Put(ctx context.Context, sessionID, stepID string, upload schema.FileUpload) (*schema.FileReference, error) {
	if len(upload.Data) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "upload is empty").WithStep(stepID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mt := mimetype.Detect(upload.Data)
	id := uuid.NewString()
	path := filepath.Join(d.dir, id+mt.Extension())

	if err := os.WriteFile(path, upload.Data, 0o640); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "write upload: %s", err.Error()).WithCause(err)
	}

	name := filepath.Base(upload.Name)
	if name == "." || name == string(filepath.Separator) {
		name = id + mt.Extension()
	}
	if d.records != nil {
		rec := &store.FileRecord{
			ID:        id,
			SessionID: sessionID,
			StepID:    stepID,
			Name:      name,
			MIMEType:  mt.String(),
			Size:      int64(len(upload.Data)),
			Path:      path,
		}
		if err := d.records.CreateFile(ctx, rec); err != nil {
			_ = os.Remove(path)
			return nil, schema.NewErrorf(schema.ErrCodeStore, "record upload: %s", err.Error()).WithCause(err)
		}
	}

	return &schema.FileReference{
		Type:     schema.FileReferenceType,
		Name:     name,
		Size:     int64(len(upload.Data)),
		URLOrID:  id,
		MIMEType: mt.String(),
	}, nil
}
