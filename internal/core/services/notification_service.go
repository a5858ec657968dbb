package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"rentmeter/internal/adapters/persistence/models"
	"rentmeter/internal/pkg/logger"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// overdue digests list at most this many bills
const digestLimit = 20

// NotificationService sends LINE Notify messages to staff
type NotificationService struct {
	client  *resty.Client
	enabled bool
	log     *zap.Logger
}

// NewNotificationService creates a new notification service. An empty token
// disables sending.
func NewNotificationService(baseURL, token string, log *zap.Logger) *NotificationService {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetAuthToken(token)

	return &NotificationService{
		client:  client,
		enabled: token != "",
		log:     logger.OrNop(log),
	}
}

// IsEnabled checks if notification is enabled
func (s *NotificationService) IsEnabled() bool {
	return s.enabled
}

// sendLineNotify sends a message via LINE Notify
func (s *NotificationService) sendLineNotify(ctx context.Context, message string) error {
	if !s.enabled {
		return nil
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{"message": message}).
		Post("/api/notify")
	if err != nil {
		return fmt.Errorf("line notify: %w", err)
	}
	if resp.IsError() {
		s.log.Warn("line notify rejected message",
			zap.Int("status_code", resp.StatusCode()),
			zap.String("body", resp.String()),
		)
		return fmt.Errorf("line notify: unexpected status %d", resp.StatusCode())
	}
	return nil
}

// EvidenceUploaded announces a new payment proof awaiting confirmation
func (s *NotificationService) EvidenceUploaded(ctx context.Context, bill *models.Bill) error {
	message := fmt.Sprintf(`
🧾 Payment evidence uploaded

Room: %s
Tenant: %s
Bill: #%d (%s)
Amount: %.2f THB

Please review and confirm the payment.`,
		bill.RoomCode,
		bill.TenantName,
		bill.ID,
		bill.IssueDate.Format(DateLayout),
		ComputeReceiptTotal(bill),
	)
	return s.sendLineNotify(ctx, message)
}

// PaymentConfirmed announces a confirmed payment
func (s *NotificationService) PaymentConfirmed(ctx context.Context, bill *models.Bill) error {
	message := fmt.Sprintf(`
✅ Payment confirmed

Room: %s
Bill: #%d (%s)
Amount: %.2f THB`,
		bill.RoomCode,
		bill.ID,
		bill.IssueDate.Format(DateLayout),
		ComputeReceiptTotal(bill),
	)
	return s.sendLineNotify(ctx, message)
}

// OverdueDigest lists unpaid bills past their due date
func (s *NotificationService) OverdueDigest(ctx context.Context, bills []*models.Bill) error {
	if len(bills) == 0 {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\n⏰ %d overdue bill(s)\n", len(bills))
	var outstanding float64
	for i, bill := range bills {
		amount := ComputeReceiptTotal(bill)
		outstanding += amount
		if i < digestLimit {
			fmt.Fprintf(&b, "\n• Room %s due %s: %.2f THB", bill.RoomCode, bill.DueDate.Format(DateLayout), amount)
		}
	}
	if len(bills) > digestLimit {
		fmt.Fprintf(&b, "\n… and %d more", len(bills)-digestLimit)
	}
	fmt.Fprintf(&b, "\n\nOutstanding: %.2f THB", outstanding)

	return s.sendLineNotify(ctx, b.String())
}
