package services

import (
	"context"
	"testing"
	"time"

	"rentmeter/internal/adapters/persistence/models"
	"rentmeter/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCron = config.CronConfig{TokenCleanupSpec: "0 3 * * *", OverdueSweepSpec: "30 8 * * *"}

func TestNewCronService_RejectsBadSpec(t *testing.T) {
	_, err := NewCronService(&fakeTokenRepo{}, newFakeBillRepo(), nil, config.CronConfig{
		TokenCleanupSpec: "every tuesday",
		OverdueSweepSpec: "30 8 * * *",
	}, nil)
	assert.ErrorContains(t, err, "token cleanup")
}

func TestCleanupTokens(t *testing.T) {
	tokens := &fakeTokenRepo{}
	ctx := context.Background()
	require.NoError(t, tokens.Create(ctx, &models.RefreshToken{UserID: 1, TokenHash: "old", ExpiresAt: time.Now().Add(-time.Hour)}))
	require.NoError(t, tokens.Create(ctx, &models.RefreshToken{UserID: 1, TokenHash: "new", ExpiresAt: time.Now().Add(time.Hour)}))

	svc, err := NewCronService(tokens, newFakeBillRepo(), nil, testCron, nil)
	require.NoError(t, err)
	require.NoError(t, svc.CleanupTokens(ctx))

	require.Len(t, tokens.tokens, 1)
	assert.Equal(t, "new", tokens.tokens[0].TokenHash)
}

func TestSweepOverdue(t *testing.T) {
	f := newBillFixture()
	ctx := context.Background()
	_, err := f.svc.Create(ctx, admin, billInput("101", 150, 100, 6.5))
	require.NoError(t, err)
	paid, err := f.svc.Create(ctx, admin, billInput("102", 150, 100, 6.5))
	require.NoError(t, err)
	f.bills.bills[paid.ID].Payment.Confirmed = true

	notifier := &fakeNotifier{}
	svc, err := NewCronService(&fakeTokenRepo{}, f.bills, notifier, testCron, nil)
	require.NoError(t, err)

	// due date itself is not overdue yet
	svc.now = func() time.Time { return time.Date(2024, 5, 10, 23, 0, 0, 0, time.Local) }
	require.NoError(t, svc.SweepOverdue(ctx))
	assert.Empty(t, notifier.digests)

	svc.now = func() time.Time { return time.Date(2024, 5, 11, 8, 30, 0, 0, time.Local) }
	require.NoError(t, svc.SweepOverdue(ctx))
	require.Len(t, notifier.digests, 1)
	require.Len(t, notifier.digests[0], 1)
	assert.Equal(t, "101", notifier.digests[0][0].RoomCode)
}

func TestCronStartStop(t *testing.T) {
	svc, err := NewCronService(&fakeTokenRepo{}, newFakeBillRepo(), nil, testCron, nil)
	require.NoError(t, err)
	svc.Start()
	svc.Stop()
}
