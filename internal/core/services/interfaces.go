package services

import (
	"context"
	"io"

	"rentmeter/internal/adapters/persistence/models"
	"rentmeter/internal/adapters/storage"
)

// ObjectStorage stores evidence files. Upload must either commit the whole
// object or leave nothing at path.
type ObjectStorage interface {
	Upload(ctx context.Context, path string, r io.Reader, size int64, meta storage.Meta, progress func(written int64)) error
	URL(ctx context.Context, path string) (string, error)
	Open(ctx context.Context, urlOrPath string) (io.ReadCloser, error)
	Delete(ctx context.Context, urlOrPath string) error
}

// Notifier announces bill lifecycle events to staff
type Notifier interface {
	EvidenceUploaded(ctx context.Context, bill *models.Bill) error
	PaymentConfirmed(ctx context.Context, bill *models.Bill) error
	OverdueDigest(ctx context.Context, bills []*models.Bill) error
}

type noopNotifier struct{}

func (noopNotifier) EvidenceUploaded(context.Context, *models.Bill) error { return nil }
func (noopNotifier) PaymentConfirmed(context.Context, *models.Bill) error { return nil }
func (noopNotifier) OverdueDigest(context.Context, []*models.Bill) error  { return nil }
