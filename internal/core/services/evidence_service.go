package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"rentmeter/internal/adapters/persistence/models"
	"rentmeter/internal/adapters/persistence/repositories"
	"rentmeter/internal/adapters/storage"
	"rentmeter/internal/core/authz"
	"rentmeter/internal/core/domain"
	"rentmeter/internal/pkg/logger"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

// MaxEvidenceSize is the largest accepted evidence file (5 MiB)
const MaxEvidenceSize int64 = 5 << 20

const sniffLen = 3072

var allowedEvidenceTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

var errEvidenceTooLarge = errors.New("evidence exceeds size limit")

// EvidenceFile is an uploaded payment proof. Size is the declared size.
type EvidenceFile struct {
	FileName string
	Size     int64
	Content  io.Reader
}

// UploadEvent is one step of an evidence upload. Exactly one event has Done
// set; it is the last event before the channel closes.
type UploadEvent struct {
	Percent float64      `json:"percent"`
	Done    bool         `json:"done"`
	Bill    *models.Bill `json:"bill,omitempty"`
	Err     error        `json:"-"`
}

// EvidenceService handles evidence attachment and payment confirmation
type EvidenceService struct {
	bills    repositories.BillRepository
	store    ObjectStorage
	notifier Notifier
	audit    auditTrail
	log      *zap.Logger
	maxSize  int64
	now      func() time.Time
}

// NewEvidenceService creates a new evidence service. maxSize <= 0 or above
// MaxEvidenceSize falls back to MaxEvidenceSize.
func NewEvidenceService(
	bills repositories.BillRepository,
	events repositories.BillEventRepository,
	store ObjectStorage,
	notifier Notifier,
	maxSize int64,
	log *zap.Logger,
) *EvidenceService {
	log = logger.OrNop(log)
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if maxSize <= 0 || maxSize > MaxEvidenceSize {
		maxSize = MaxEvidenceSize
	}
	return &EvidenceService{
		bills:    bills,
		store:    store,
		notifier: notifier,
		audit:    auditTrail{events: events, log: log},
		log:      log,
		maxSize:  maxSize,
		now:      time.Now,
	}
}

// progressTracker forwards percentages in non-decreasing order
type progressTracker struct {
	mu   sync.Mutex
	last float64
	fn   func(float64)
}

func (p *progressTracker) report(pct float64) {
	if p.fn == nil {
		return
	}
	if pct > 100 {
		pct = 100
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if pct < p.last {
		return
	}
	p.last = pct
	p.fn(pct)
}

// sizeGuard fails the read once more than max bytes have passed through
type sizeGuard struct {
	r    io.Reader
	max  int64
	seen int64
}

func (g *sizeGuard) Read(p []byte) (int, error) {
	n, err := g.r.Read(p)
	g.seen += int64(n)
	if g.seen > g.max {
		return n, errEvidenceTooLarge
	}
	return n, err
}

// AttachEvidence validates and stores a payment proof, then points the bill
// at it. progress may be nil. If any step after the upload fails the stored
// object is removed and the bill is left as it was.
func (s *EvidenceService) AttachEvidence(ctx context.Context, auth authz.AuthContext, billID uint, file EvidenceFile, progress func(pct float64)) (*models.Bill, error) {
	tracker := &progressTracker{fn: progress}

	bill, err := loadBill(ctx, s.bills, billID)
	if err != nil {
		return nil, err
	}
	if !authz.Check(auth, authz.CanUploadEvidence, bill.RoomCode) {
		return nil, fmt.Errorf("%w: cannot upload evidence for room %s", domain.ErrPermissionDenied, bill.RoomCode)
	}
	if bill.Payment.Confirmed {
		return nil, domain.ErrEvidenceLocked
	}

	if file.Content == nil || file.Size <= 0 {
		return nil, domain.Invalid("file", "evidence file is empty")
	}
	if file.Size > s.maxSize {
		return nil, domain.Invalid("file.size", "evidence file must be at most %d MB", s.maxSize>>20)
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(file.Content, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, domain.Transport(domain.StepUpload, err)
	}
	head = head[:n]
	mime := mimetype.Detect(head)
	if !allowedEvidenceTypes[mime.String()] {
		return nil, domain.Invalid("file.type", "evidence must be a JPEG, PNG, GIF or WebP image, got %s", mime.String())
	}

	now := s.now()
	objectPath := fmt.Sprintf("evidence/%d/%d_%s", bill.ID, now.UnixMilli(), sanitizeFileName(file.FileName, mime.Extension()))
	body := &sizeGuard{r: io.MultiReader(bytes.NewReader(head), file.Content), max: s.maxSize}

	tracker.report(0)
	err = s.store.Upload(ctx, objectPath, body, file.Size, storage.Meta{ContentType: mime.String(), FileName: file.FileName}, func(written int64) {
		// 100 is reserved for the committed record
		tracker.report(math.Min(float64(written)/float64(file.Size)*99, 99))
	})
	if err != nil {
		if errors.Is(err, errEvidenceTooLarge) {
			return nil, domain.Invalid("file.size", "evidence file must be at most %d MB", s.maxSize>>20)
		}
		return nil, domain.Transport(domain.StepUpload, err)
	}

	url, err := s.store.URL(ctx, objectPath)
	if err != nil {
		s.discard(ctx, objectPath)
		return nil, domain.Transport(domain.StepResolveURL, err)
	}

	previous := ""
	if bill.Evidence.Present() {
		previous = evidenceRef(bill)
	}

	actor := auth.AccountID
	bill.Evidence = models.BillEvidence{
		URL:        url,
		Path:       objectPath,
		FileName:   file.FileName,
		Size:       file.Size,
		MimeType:   mime.String(),
		UploadedAt: &now,
		UploadedBy: &actor,
	}
	bill.UpdatedBy = &actor

	if err := s.bills.Update(ctx, bill, bill.Version); err != nil {
		s.discard(ctx, objectPath)
		if errors.Is(err, domain.ErrStaleBill) {
			return nil, err
		}
		return nil, domain.Transport(domain.StepUpdateRecord, err)
	}

	if previous != "" {
		if err := s.store.Delete(ctx, previous); err != nil {
			s.log.Warn("replaced evidence not removed", zap.Uint("bill_id", bill.ID), zap.Error(err))
		}
	}

	s.audit.record(ctx, auth, bill, models.EventEvidenceAttach, "evidence "+file.FileName+" attached", nil)
	if err := s.notifier.EvidenceUploaded(ctx, bill); err != nil {
		s.log.Warn("evidence notification failed", zap.Uint("bill_id", bill.ID), zap.Error(err))
	}
	tracker.report(100)

	return bill, nil
}

// discard removes an object that no bill will reference. It outlives ctx so
// a cancelled request still cleans up.
func (s *EvidenceService) discard(ctx context.Context, objectPath string) {
	if err := s.store.Delete(context.WithoutCancel(ctx), objectPath); err != nil {
		s.log.Error("orphaned evidence object", zap.String("path", objectPath), zap.Error(err))
	}
}

// StartEvidenceUpload runs AttachEvidence in the background. The caller must
// drain the channel until it is closed. Intermediate progress events may be
// dropped when the caller lags; the terminal event never is.
func (s *EvidenceService) StartEvidenceUpload(ctx context.Context, auth authz.AuthContext, billID uint, file EvidenceFile) <-chan UploadEvent {
	events := make(chan UploadEvent, 8)

	go func() {
		defer close(events)

		bill, err := s.AttachEvidence(ctx, auth, billID, file, func(pct float64) {
			// keep one slot free for the terminal event
			if len(events) < cap(events)-1 {
				events <- UploadEvent{Percent: pct}
			}
		})

		final := UploadEvent{Done: true, Bill: bill, Err: err}
		if err == nil {
			final.Percent = 100
		}
		events <- final
	}()

	return events
}

// DeleteEvidence clears the bill's evidence. Removing the stored object is
// best effort and happens after the record is cleared.
func (s *EvidenceService) DeleteEvidence(ctx context.Context, auth authz.AuthContext, billID uint) (*models.Bill, error) {
	bill, err := loadBill(ctx, s.bills, billID)
	if err != nil {
		return nil, err
	}
	if !authz.Check(auth, authz.CanUploadEvidence, bill.RoomCode) {
		return nil, fmt.Errorf("%w: cannot delete evidence for room %s", domain.ErrPermissionDenied, bill.RoomCode)
	}
	if bill.Payment.Confirmed {
		return nil, domain.ErrEvidenceLocked
	}
	if !bill.Evidence.Present() {
		return nil, domain.ErrEvidenceMissing
	}

	ref := evidenceRef(bill)
	name := bill.Evidence.FileName
	now := s.now()
	actor := auth.AccountID
	bill.Evidence = models.BillEvidence{DeletedAt: &now, DeletedBy: &actor}
	bill.UpdatedBy = &actor

	if err := s.bills.Update(ctx, bill, bill.Version); err != nil {
		return nil, persistErr(err)
	}

	if err := s.store.Delete(ctx, ref); err != nil {
		s.log.Warn("evidence object not removed", zap.Uint("bill_id", bill.ID), zap.Error(err))
	}

	s.audit.record(ctx, auth, bill, models.EventEvidenceDelete, "evidence "+name+" removed", nil)
	return bill, nil
}

// OpenEvidence returns the stored proof of a bill for callers who may view the room's history
func (s *EvidenceService) OpenEvidence(ctx context.Context, auth authz.AuthContext, billID uint) (io.ReadCloser, models.BillEvidence, error) {
	bill, err := loadBill(ctx, s.bills, billID)
	if err != nil {
		return nil, models.BillEvidence{}, err
	}
	if !authz.Check(auth, authz.CanViewHistory, bill.RoomCode) {
		return nil, models.BillEvidence{}, fmt.Errorf("%w: cannot view evidence for room %s", domain.ErrPermissionDenied, bill.RoomCode)
	}
	if !bill.Evidence.Present() {
		return nil, models.BillEvidence{}, domain.ErrEvidenceNotFound
	}

	rc, err := s.store.Open(ctx, evidenceRef(bill))
	if err != nil {
		return nil, models.BillEvidence{}, domain.Transport(domain.StepResolveURL, err)
	}
	return rc, bill.Evidence, nil
}

// ConfirmPayment marks the bill paid. A second call is a conflict and keeps
// the original confirmation stamp.
func (s *EvidenceService) ConfirmPayment(ctx context.Context, auth authz.AuthContext, billID uint) (*models.Bill, error) {
	bill, err := loadBill(ctx, s.bills, billID)
	if err != nil {
		return nil, err
	}
	if !authz.Check(auth, authz.CanConfirmPayment, bill.RoomCode) {
		return nil, fmt.Errorf("%w: cannot confirm payments for room %s", domain.ErrPermissionDenied, bill.RoomCode)
	}
	if bill.Payment.Confirmed {
		return nil, domain.ErrAlreadyConfirmed
	}
	if !bill.Evidence.Present() {
		return nil, domain.ErrEvidenceMissing
	}

	now := s.now()
	actor := auth.AccountID
	bill.Payment = models.BillPayment{Confirmed: true, ConfirmedAt: &now, ConfirmedBy: &actor}
	bill.UpdatedBy = &actor

	if err := s.bills.Update(ctx, bill, bill.Version); err != nil {
		return nil, persistErr(err)
	}

	amount := ComputeReceiptTotal(bill)
	s.audit.record(ctx, auth, bill, models.EventPaymentConfirm, "payment confirmed", &amount)
	if err := s.notifier.PaymentConfirmed(ctx, bill); err != nil {
		s.log.Warn("payment notification failed", zap.Uint("bill_id", bill.ID), zap.Error(err))
	}

	s.log.Info("payment confirmed", zap.Uint("bill_id", bill.ID), zap.Uint("account_id", actor))
	return bill, nil
}

// sanitizeFileName keeps a safe base name and makes sure it carries ext
func sanitizeFileName(name, ext string) string {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	base = unsafeFileChars.ReplaceAllString(base, "_")
	base = strings.Trim(base, "._")
	if len(base) > 80 {
		base = base[len(base)-80:]
	}
	if base == "" {
		base = "evidence"
	}
	have := strings.ToLower(filepath.Ext(base))
	if have == ".jpeg" {
		have = ".jpg"
	}
	if ext != "" && have != ext {
		base += ext
	}
	return base
}
