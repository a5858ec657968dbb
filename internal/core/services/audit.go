package services

import (
	"context"

	"rentmeter/internal/adapters/persistence/models"
	"rentmeter/internal/adapters/persistence/repositories"
	"rentmeter/internal/core/authz"

	"go.uber.org/zap"
)

type clientIPKey struct{}

// WithClientIP attaches the caller's address for the audit trail
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

func clientIP(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

// auditTrail appends bill events. The mutation has already committed when
// it runs, so a failed append is logged and not returned.
type auditTrail struct {
	events repositories.BillEventRepository
	log    *zap.Logger
}

func (a auditTrail) record(ctx context.Context, auth authz.AuthContext, bill *models.Bill, eventType, description string, amount *float64) {
	if a.events == nil {
		return
	}
	event := &models.BillEvent{
		BillID:      bill.ID,
		RoomCode:    bill.RoomCode,
		EventType:   eventType,
		Amount:      amount,
		Description: description,
		PerformedBy: auth.AccountID,
		IPAddress:   clientIP(ctx),
	}
	if err := a.events.Create(ctx, event); err != nil {
		a.log.Warn("bill event not recorded",
			zap.Uint("bill_id", bill.ID),
			zap.String("event", eventType),
			zap.Error(err),
		)
	}
}
