package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"rentmeter/internal/adapters/persistence/models"
	"rentmeter/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type evidenceFixture struct {
	*billFixture
	notifier *fakeNotifier
	evidence *EvidenceService
	clock    time.Time
}

func newEvidenceFixture(t *testing.T) (*evidenceFixture, *models.Bill) {
	t.Helper()
	bf := newBillFixture()
	f := &evidenceFixture{
		billFixture: bf,
		notifier:    &fakeNotifier{},
		clock:       time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC),
	}
	f.evidence = NewEvidenceService(bf.bills, bf.events, bf.store, f.notifier, 0, nil)
	f.evidence.now = func() time.Time { return f.clock }

	bill, err := bf.svc.Create(context.Background(), admin, billInput("101", 150, 100, 6.5))
	require.NoError(t, err)
	return f, bill
}

func jpegFile(size int) EvidenceFile {
	return EvidenceFile{FileName: "slip.jpg", Size: int64(size), Content: bytes.NewReader(jpegBytes(size))}
}

func TestEvidenceLifecycle(t *testing.T) {
	f, bill := newEvidenceFixture(t)
	ctx := context.Background()

	// Recorded -> EvidenceAttached
	attached, err := f.evidence.AttachEvidence(ctx, admin, bill.ID, jpegFile(2<<20), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.BillStateEvidenceAttached, attached.State())
	assert.Equal(t, "image/jpeg", attached.Evidence.MimeType)
	assert.Equal(t, int64(2<<20), attached.Evidence.Size)
	assert.Contains(t, attached.Evidence.Path, "evidence/1/")
	assert.Equal(t, 1, f.store.count())
	assert.Equal(t, 1, f.notifier.evidence)

	// deleting evidence is allowed before confirmation
	cleared, err := f.evidence.DeleteEvidence(ctx, admin, bill.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BillStateRecorded, cleared.State())
	require.NotNil(t, cleared.Evidence.DeletedAt)
	assert.Equal(t, admin.AccountID, *cleared.Evidence.DeletedBy)
	assert.Equal(t, 0, f.store.count())

	// attach again, confirm, then evidence is frozen
	_, err = f.evidence.AttachEvidence(ctx, admin, bill.ID, jpegFile(2<<20), nil)
	require.NoError(t, err)
	confirmed, err := f.evidence.ConfirmPayment(ctx, admin, bill.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BillStateConfirmed, confirmed.State())

	_, err = f.evidence.DeleteEvidence(ctx, admin, bill.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)
	_, err = f.evidence.AttachEvidence(ctx, admin, bill.ID, jpegFile(1024), nil)
	assert.ErrorIs(t, err, domain.ErrEvidenceLocked)

	assert.Equal(t, []string{
		models.EventCreate,
		models.EventEvidenceAttach,
		models.EventEvidenceDelete,
		models.EventEvidenceAttach,
		models.EventPaymentConfirm,
	}, f.events.types())
}

func TestAttachEvidence_ProgressIsMonotonicAndEndsAt100(t *testing.T) {
	f, bill := newEvidenceFixture(t)

	var seen []float64
	_, err := f.evidence.AttachEvidence(context.Background(), admin, bill.ID, jpegFile(1<<20), func(pct float64) {
		seen = append(seen, pct)
	})
	require.NoError(t, err)

	require.NotEmpty(t, seen)
	assert.Equal(t, 0.0, seen[0])
	assert.Equal(t, 100.0, seen[len(seen)-1])
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1])
		assert.LessOrEqual(t, seen[i], 100.0)
	}
	for _, p := range seen[:len(seen)-1] {
		assert.Less(t, p, 100.0, "100 is only reported after the record is updated")
	}
}

func TestStartEvidenceUpload_TerminalEventExactlyOnce(t *testing.T) {
	f, bill := newEvidenceFixture(t)

	var events []UploadEvent
	for ev := range f.evidence.StartEvidenceUpload(context.Background(), admin, bill.ID, jpegFile(1<<20)) {
		events = append(events, ev)
	}

	require.NotEmpty(t, events)
	done := 0
	for _, ev := range events {
		if ev.Done {
			done++
		}
	}
	assert.Equal(t, 1, done)
	last := events[len(events)-1]
	assert.True(t, last.Done)
	assert.NoError(t, last.Err)
	assert.Equal(t, 100.0, last.Percent)
	require.NotNil(t, last.Bill)
	assert.Equal(t, domain.BillStateEvidenceAttached, last.Bill.State())
}

func TestStartEvidenceUpload_FailureStillTerminates(t *testing.T) {
	f, bill := newEvidenceFixture(t)

	var events []UploadEvent
	for ev := range f.evidence.StartEvidenceUpload(context.Background(), tenant, bill.ID+100, jpegFile(1024)) {
		events = append(events, ev)
	}

	require.Len(t, events, 1)
	assert.True(t, events[0].Done)
	assert.ErrorIs(t, events[0].Err, domain.ErrNotFound)
}

func TestAttachEvidence_FailedRecordUpdateRemovesObject(t *testing.T) {
	f, bill := newEvidenceFixture(t)
	f.bills.updateErr = errBoom

	_, err := f.evidence.AttachEvidence(context.Background(), admin, bill.ID, jpegFile(4096), nil)

	var terr *domain.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, domain.StepUpdateRecord, terr.Step)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 0, f.store.count())
	assert.Len(t, f.store.deleted, 1)

	stored, _ := f.bills.GetByID(context.Background(), bill.ID)
	assert.False(t, stored.Evidence.Present())
	assert.Equal(t, 0, f.notifier.evidence)
}

func TestAttachEvidence_URLFailureRemovesObject(t *testing.T) {
	f, bill := newEvidenceFixture(t)
	f.store.urlErr = errBoom

	_, err := f.evidence.AttachEvidence(context.Background(), admin, bill.ID, jpegFile(4096), nil)

	var terr *domain.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, domain.StepResolveURL, terr.Step)
	assert.Equal(t, 0, f.store.count())
}

func TestAttachEvidence_UploadFailureIsTransport(t *testing.T) {
	f, bill := newEvidenceFixture(t)
	f.store.uploadErr = errBoom

	_, err := f.evidence.AttachEvidence(context.Background(), admin, bill.ID, jpegFile(4096), nil)

	var terr *domain.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, domain.StepUpload, terr.Step)
	assert.ErrorIs(t, err, domain.ErrTransport)
}

func TestAttachEvidence_CancelledUploadLeavesNothing(t *testing.T) {
	f, bill := newEvidenceFixture(t)
	f.store.block = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := f.evidence.AttachEvidence(ctx, admin, bill.ID, jpegFile(1<<20), func(pct float64) {
		if pct > 0 {
			cancel()
		}
	})

	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, f.store.count())
	stored, _ := f.bills.GetByID(context.Background(), bill.ID)
	assert.False(t, stored.Evidence.Present())
}

func TestAttachEvidence_RejectsBadFiles(t *testing.T) {
	f, bill := newEvidenceFixture(t)
	ctx := context.Background()

	text := []byte("%PDF-1.4 not an image at all")
	_, err := f.evidence.AttachEvidence(ctx, admin, bill.ID, EvidenceFile{FileName: "slip.pdf", Size: int64(len(text)), Content: bytes.NewReader(text)}, nil)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "file.type", verr.Field)

	_, err = f.evidence.AttachEvidence(ctx, admin, bill.ID, jpegFile(int(MaxEvidenceSize)+1), nil)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "file.size", verr.Field)

	// declared size lies about the body
	lying := EvidenceFile{FileName: "slip.png", Size: 1024, Content: bytes.NewReader(pngBytes(int(MaxEvidenceSize) + 10))}
	_, err = f.evidence.AttachEvidence(ctx, admin, bill.ID, lying, nil)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "file.size", verr.Field)

	_, err = f.evidence.AttachEvidence(ctx, admin, bill.ID, EvidenceFile{FileName: "empty.png"}, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.Equal(t, 0, f.store.count())
}

func TestAttachEvidence_ReplacingRemovesPreviousObject(t *testing.T) {
	f, bill := newEvidenceFixture(t)
	ctx := context.Background()

	first, err := f.evidence.AttachEvidence(ctx, admin, bill.ID, jpegFile(2048), nil)
	require.NoError(t, err)
	f.clock = f.clock.Add(time.Second)
	second, err := f.evidence.AttachEvidence(ctx, admin, bill.ID, EvidenceFile{FileName: "slip.png", Size: 2048, Content: bytes.NewReader(pngBytes(2048))}, nil)
	require.NoError(t, err)

	assert.NotEqual(t, first.Evidence.Path, second.Evidence.Path)
	assert.Contains(t, f.store.deleted, first.Evidence.Path)
	assert.Equal(t, 1, f.store.count())
	assert.Equal(t, "image/png", second.Evidence.MimeType)
}

func TestAttachEvidence_TenantScopedToAccessibleRooms(t *testing.T) {
	f, bill := newEvidenceFixture(t)
	other, err := f.svc.Create(context.Background(), admin, billInput("102", 150, 100, 6.5))
	require.NoError(t, err)

	_, err = f.evidence.AttachEvidence(context.Background(), tenant, bill.ID, jpegFile(1024), nil)
	assert.NoError(t, err)

	_, err = f.evidence.AttachEvidence(context.Background(), tenant, other.ID, jpegFile(1024), nil)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, err = f.evidence.ConfirmPayment(context.Background(), tenant, bill.ID)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
}

func TestConfirmPayment_SecondCallConflictsWithoutRestamping(t *testing.T) {
	f, bill := newEvidenceFixture(t)
	ctx := context.Background()

	_, err := f.evidence.ConfirmPayment(ctx, admin, bill.ID)
	assert.ErrorIs(t, err, domain.ErrEvidenceMissing)

	_, err = f.evidence.AttachEvidence(ctx, tenant, bill.ID, jpegFile(1024), nil)
	require.NoError(t, err)

	confirmed, err := f.evidence.ConfirmPayment(ctx, owner, bill.ID)
	require.NoError(t, err)
	stamp := *confirmed.Payment.ConfirmedAt
	assert.Equal(t, owner.AccountID, *confirmed.Payment.ConfirmedBy)

	f.clock = f.clock.Add(time.Hour)
	_, err = f.evidence.ConfirmPayment(ctx, admin, bill.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyConfirmed)
	assert.ErrorIs(t, err, domain.ErrConflict)

	stored, _ := f.bills.GetByID(ctx, bill.ID)
	assert.True(t, stored.Payment.ConfirmedAt.Equal(stamp))
	assert.Equal(t, owner.AccountID, *stored.Payment.ConfirmedBy)
	assert.Equal(t, 1, f.notifier.confirmed)
}

func TestDeleteEvidence_RequiresEvidence(t *testing.T) {
	f, bill := newEvidenceFixture(t)

	_, err := f.evidence.DeleteEvidence(context.Background(), admin, bill.ID)
	assert.ErrorIs(t, err, domain.ErrEvidenceMissing)
}

func TestOpenEvidence_ScopedToViewableRooms(t *testing.T) {
	f, bill := newEvidenceFixture(t)
	ctx := context.Background()
	other, err := f.svc.Create(ctx, admin, billInput("102", 150, 100, 6.5))
	require.NoError(t, err)

	_, _, err = f.evidence.OpenEvidence(ctx, tenant, bill.ID)
	assert.ErrorIs(t, err, domain.ErrEvidenceNotFound)

	_, err = f.evidence.AttachEvidence(ctx, admin, bill.ID, jpegFile(1024), nil)
	require.NoError(t, err)
	_, err = f.evidence.AttachEvidence(ctx, admin, other.ID, jpegFile(1024), nil)
	require.NoError(t, err)

	rc, meta, err := f.evidence.OpenEvidence(ctx, tenant, bill.ID)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Len(t, data, 1024)
	assert.Equal(t, "image/jpeg", meta.MimeType)

	_, _, err = f.evidence.OpenEvidence(ctx, tenant, other.ID)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
}

func TestSanitizeFileName(t *testing.T) {
	assert.Equal(t, "slip.jpg", sanitizeFileName("slip.jpg", ".jpg"))
	assert.Equal(t, "photo.jpeg", sanitizeFileName("photo.jpeg", ".jpg"))
	assert.Equal(t, "passwd.png", sanitizeFileName("../../etc/passwd", ".png"))
	assert.Equal(t, "my_slip_1.png", sanitizeFileName(`C:\Users\me\my slip#1.png`, ".png"))
	assert.Equal(t, "evidence.webp", sanitizeFileName("", ".webp"))
}
