package services

import (
	"context"
	"testing"
	"time"

	"rentmeter/internal/adapters/persistence/models"
	"rentmeter/internal/core/domain"
	"rentmeter/internal/pkg/pagination"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type billFixture struct {
	bills  *fakeBillRepo
	rooms  *fakeRoomRepo
	events *fakeEventRepo
	store  *fakeStore
	svc    *BillService
}

func newBillFixture(rooms ...*models.Room) *billFixture {
	f := &billFixture{
		bills:  newFakeBillRepo(),
		rooms:  newFakeRoomRepo(rooms...),
		events: &fakeEventRepo{},
		store:  newFakeStore(),
	}
	f.svc = NewBillService(f.bills, f.rooms, f.events, f.store, nil)
	return f
}

func TestCreate_ComputesElectricityCharge(t *testing.T) {
	f := newBillFixture()

	bill, err := f.svc.Create(context.Background(), admin, billInput("101", 150, 100, 6.50))
	require.NoError(t, err)

	assert.Equal(t, 50.0, bill.ElecUnits)
	assert.Equal(t, 325.0, bill.ElecTotal)
	assert.Equal(t, uint(1), bill.Version)
	assert.Equal(t, domain.BillStateRecorded, bill.State())
	assert.Nil(t, bill.WaterTotal)

	stored, err := f.bills.GetByID(context.Background(), bill.ID)
	require.NoError(t, err)
	assert.Equal(t, 325.0, stored.ElecTotal)
	assert.Equal(t, []string{models.EventCreate}, f.events.types())
}

func TestCreate_UnitsAndTotalHoldForBothMeters(t *testing.T) {
	f := newBillFixture()

	cases := []struct{ cur, prev, rate float64 }{
		{1234.5, 1200.25, 7.35},
		{10, 10, 18},
		{99999.99, 0, 0.01},
	}
	for _, tc := range cases {
		in := billInput("101", tc.cur, tc.prev, tc.rate)
		in.Water = &ReadingInput{Current: f64(tc.cur), Previous: f64(tc.prev), Rate: f64(tc.rate)}

		bill, err := f.svc.Create(context.Background(), admin, in)
		require.NoError(t, err)

		units := domain.Round2(tc.cur - tc.prev)
		assert.Equal(t, units, bill.ElecUnits)
		assert.Equal(t, domain.Round2(units*tc.rate), bill.ElecTotal)
		require.NotNil(t, bill.WaterUnits)
		assert.Equal(t, units, *bill.WaterUnits)
		assert.Equal(t, domain.Round2(units*tc.rate), *bill.WaterTotal)
		assert.Equal(t, domain.Round2(bill.ElecTotal+*bill.WaterTotal), ComputeReceiptTotal(bill))
	}
}

func TestCreate_ReadingRegressionRejected(t *testing.T) {
	f := newBillFixture()

	_, err := f.svc.Create(context.Background(), admin, billInput("101", 100, 150, 6.5))

	require.ErrorIs(t, err, domain.ErrValidation)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "electricity.current", verr.Field)
	assert.Empty(t, f.bills.bills)
	assert.Empty(t, f.events.types())
}

func TestCreate_WaterRegressionRejectedIndependently(t *testing.T) {
	f := newBillFixture()
	in := billInput("101", 150, 100, 6.5)
	in.Water = &ReadingInput{Current: f64(10), Previous: f64(20), Rate: f64(18)}

	_, err := f.svc.Create(context.Background(), admin, in)

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "water.current", verr.Field)
}

func TestCreate_MissingPreviousDefaultsToZero(t *testing.T) {
	f := newBillFixture()
	in := billInput("101", 40, 0, 5)
	in.Electricity.Previous = nil

	bill, err := f.svc.Create(context.Background(), admin, in)
	require.NoError(t, err)
	assert.Equal(t, 0.0, bill.ElecPrevious)
	assert.Equal(t, 200.0, bill.ElecTotal)
}

func TestCreate_MissingPreviousCarriesLatestBillReading(t *testing.T) {
	f := newBillFixture()
	ctx := context.Background()
	first := billInput("101", 150, 100, 5)
	first.Water = &ReadingInput{Current: f64(27), Previous: f64(20), Rate: f64(18)}
	_, err := f.svc.Create(ctx, admin, first)
	require.NoError(t, err)

	next := billInput("101", 190, 0, 5)
	next.IssueDate, next.DueDate = "2024-06-01", "2024-06-10"
	next.Electricity.Previous = nil
	next.Water = &ReadingInput{Current: f64(30), Rate: f64(18)}

	bill, err := f.svc.Create(ctx, admin, next)
	require.NoError(t, err)
	assert.Equal(t, 150.0, bill.ElecPrevious)
	assert.Equal(t, 40.0, bill.ElecUnits)
	assert.Equal(t, 200.0, bill.ElecTotal)
	require.NotNil(t, bill.WaterPrevious)
	assert.Equal(t, 27.0, *bill.WaterPrevious)

	// other rooms keep the zero default
	other := billInput("102", 40, 0, 5)
	other.Electricity.Previous = nil
	bill, err = f.svc.Create(ctx, admin, other)
	require.NoError(t, err)
	assert.Equal(t, 0.0, bill.ElecPrevious)
}

func TestCreate_RateKeepsStoredPrecision(t *testing.T) {
	f := newBillFixture()

	bill, err := f.svc.Create(context.Background(), admin, billInput("101", 120, 100, 4.275))
	require.NoError(t, err)
	assert.Equal(t, 4.275, bill.ElecRate)
	assert.Equal(t, domain.Round2(bill.ElecUnits*bill.ElecRate), bill.ElecTotal)
	assert.InDelta(t, 85.5, bill.ElecTotal, 0.005)

	bill, err = f.svc.Create(context.Background(), admin, billInput("102", 10, 0, 4.123456))
	require.NoError(t, err)
	assert.Equal(t, 4.1235, bill.ElecRate)
	assert.Equal(t, domain.Round2(10*4.1235), bill.ElecTotal)
}

func TestCreate_Validation(t *testing.T) {
	f := newBillFixture()

	tests := []struct {
		name  string
		edit  func(*CreateBillInput)
		field string
	}{
		{"missing room", func(in *CreateBillInput) { in.RoomCode = " " }, "room_code"},
		{"bad date", func(in *CreateBillInput) { in.IssueDate = "01/05/2024" }, "date"},
		{"missing due date", func(in *CreateBillInput) { in.DueDate = "" }, "due_date"},
		{"missing rate", func(in *CreateBillInput) { in.Electricity.Rate = nil }, "electricity.rate"},
		{"missing electricity", func(in *CreateBillInput) { in.Electricity = ReadingInput{} }, "electricity.current"},
		{"negative household", func(in *CreateBillInput) { in.HouseholdWaterTotal = f64(-1) }, "household_water_total"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := billInput("101", 150, 100, 6.5)
			tt.edit(in)
			_, err := f.svc.Create(context.Background(), admin, in)
			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestCreate_Permissions(t *testing.T) {
	f := newBillFixture()

	_, err := f.svc.Create(context.Background(), tenant, billInput("101", 150, 100, 6.5))
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, err = f.svc.Create(context.Background(), owner, billInput("201", 150, 100, 6.5))
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, err = f.svc.Create(context.Background(), guest, billInput("101", 150, 100, 6.5))
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, err = f.svc.Create(context.Background(), owner, billInput("101", 150, 100, 6.5))
	assert.NoError(t, err)
}

func TestCreate_InheritsTenantNameFromRoomThenLatestBill(t *testing.T) {
	f := newBillFixture(&models.Room{Code: "101", TenantName: "Somchai", BuildingCode: "A"})

	bill, err := f.svc.Create(context.Background(), admin, billInput("101", 150, 100, 6.5))
	require.NoError(t, err)
	assert.Equal(t, "Somchai", bill.TenantName)
	assert.Equal(t, "A", bill.BuildingCode)

	first := billInput("305", 10, 0, 5)
	first.TenantName = "Malee"
	_, err = f.svc.Create(context.Background(), admin, first)
	require.NoError(t, err)

	second := billInput("305", 20, 10, 5)
	second.IssueDate = "2024-06-01"
	bill, err = f.svc.Create(context.Background(), admin, second)
	require.NoError(t, err)
	assert.Equal(t, "Malee", bill.TenantName)
}

func TestEdit_RecomputesAndBumpsVersion(t *testing.T) {
	f := newBillFixture()
	bill, err := f.svc.Create(context.Background(), admin, billInput("101", 150, 100, 6.5))
	require.NoError(t, err)

	v := bill.Version
	edited, err := f.svc.Edit(context.Background(), owner, bill.ID, &EditBillInput{
		Electricity:     &ReadingInput{Current: f64(180)},
		ExpectedVersion: &v,
	})
	require.NoError(t, err)

	assert.Equal(t, 80.0, edited.ElecUnits)
	assert.Equal(t, 520.0, edited.ElecTotal)
	assert.Equal(t, v+1, edited.Version)
	require.NotNil(t, edited.UpdatedBy)
	assert.Equal(t, owner.AccountID, *edited.UpdatedBy)
}

func TestEdit_EnforcesReadingOrder(t *testing.T) {
	f := newBillFixture()
	bill, err := f.svc.Create(context.Background(), admin, billInput("101", 150, 100, 6.5))
	require.NoError(t, err)

	_, err = f.svc.Edit(context.Background(), admin, bill.ID, &EditBillInput{
		Electricity: &ReadingInput{Previous: f64(200)},
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	stored, _ := f.bills.GetByID(context.Background(), bill.ID)
	assert.Equal(t, 100.0, stored.ElecPrevious)
}

func TestEdit_TenantDeniedOnOwnRoom(t *testing.T) {
	f := newBillFixture()
	bill, err := f.svc.Create(context.Background(), admin, billInput("101", 150, 100, 6.5))
	require.NoError(t, err)

	_, err = f.svc.Edit(context.Background(), tenant, bill.ID, &EditBillInput{TenantName: strPtr("x")})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
}

func TestEdit_StaleVersionConflicts(t *testing.T) {
	f := newBillFixture()
	bill, err := f.svc.Create(context.Background(), admin, billInput("101", 150, 100, 6.5))
	require.NoError(t, err)

	stale := uint(0)
	_, err = f.svc.Edit(context.Background(), admin, bill.ID, &EditBillInput{
		TenantName:      strPtr("late writer"),
		ExpectedVersion: &stale,
	})
	assert.ErrorIs(t, err, domain.ErrStaleBill)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestEdit_ConcurrentWriteLosesCAS(t *testing.T) {
	f := newBillFixture()
	bill, err := f.svc.Create(context.Background(), admin, billInput("101", 150, 100, 6.5))
	require.NoError(t, err)

	// another writer commits between our read and write
	other, _ := f.bills.GetByID(context.Background(), bill.ID)
	require.NoError(t, f.bills.Update(context.Background(), other, other.Version))

	mine, _ := f.bills.GetByID(context.Background(), bill.ID)
	mine.Version = bill.Version
	err = f.bills.Update(context.Background(), mine, bill.Version)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestEdit_NotFound(t *testing.T) {
	f := newBillFixture()
	_, err := f.svc.Edit(context.Background(), admin, 42, &EditBillInput{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDelete_RemovesBillAndEvidence(t *testing.T) {
	f := newBillFixture()
	bill, err := f.svc.Create(context.Background(), admin, billInput("101", 150, 100, 6.5))
	require.NoError(t, err)

	stored := f.bills.bills[bill.ID]
	stored.Evidence = models.BillEvidence{URL: "/files/evidence/1/a.png", Path: "evidence/1/a.png"}
	stored.Payment.Confirmed = true

	require.NoError(t, f.svc.Delete(context.Background(), owner, bill.ID))

	_, err = f.bills.GetByID(context.Background(), bill.ID)
	assert.Error(t, err)
	assert.Contains(t, f.store.deleted, "evidence/1/a.png")
	assert.Contains(t, f.events.types(), models.EventDelete)
}

func TestDelete_Permissions(t *testing.T) {
	f := newBillFixture()
	bill, err := f.svc.Create(context.Background(), admin, billInput("101", 150, 100, 6.5))
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.Delete(context.Background(), tenant, bill.ID), domain.ErrPermissionDenied)
	assert.ErrorIs(t, f.svc.Delete(context.Background(), guest, bill.ID), domain.ErrPermissionDenied)
}

func TestListVisible_ScopesToAccountRooms(t *testing.T) {
	f := newBillFixture(
		&models.Room{Code: "A101", BuildingCode: "A"},
		&models.Room{Code: "B201", BuildingCode: "B"},
	)
	for _, room := range []string{"101", "102", "201", "A101", "B201"} {
		_, err := f.svc.Create(context.Background(), admin, billInput(room, 150, 100, 6.5))
		require.NoError(t, err)
	}

	rooms := func(page *BillPage) []string {
		out := []string{}
		for _, b := range page.Bills {
			out = append(out, b.RoomCode)
		}
		return out
	}

	page, err := f.svc.ListVisible(context.Background(), owner, nil, nil, pagination.New(1, 20))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"101", "102"}, rooms(page))

	page, err = f.svc.ListVisible(context.Background(), tenant, nil, nil, pagination.New(1, 20))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"101"}, rooms(page))

	scopedAdmin := admin
	scopedAdmin.BuildingCode = "A"
	page, err = f.svc.ListVisible(context.Background(), scopedAdmin, nil, nil, pagination.New(1, 20))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A101"}, rooms(page))

	page, err = f.svc.ListVisible(context.Background(), guest, nil, nil, pagination.New(1, 2))
	require.NoError(t, err)
	assert.Len(t, page.Bills, 2)
	assert.Equal(t, int64(5), page.Meta.Total)
	assert.True(t, page.Meta.HasNext)
}

func TestListHistory_RoomScoped(t *testing.T) {
	f := newBillFixture()
	_, err := f.svc.Create(context.Background(), admin, billInput("102", 150, 100, 6.5))
	require.NoError(t, err)

	_, err = f.svc.ListHistory(context.Background(), tenant, "102", pagination.New(1, 10))
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	page, err := f.svc.ListHistory(context.Background(), owner, "102", pagination.New(1, 10))
	require.NoError(t, err)
	require.Len(t, page.Bills, 1)
	assert.Equal(t, 325.0, page.Bills[0].ReceiptTotal)
}

func TestComputeInvoiceTotal_AddsRentAndAddOns(t *testing.T) {
	bill := &models.Bill{ElecTotal: 325, WaterTotal: f64(54)}
	room := &models.Room{Rent: 3500, AddOns: []models.RoomAddOn{{Name: "Internet", Price: 300}, {Name: "Parking", Price: 200}}}

	assert.Equal(t, 379.0, ComputeReceiptTotal(bill))
	assert.Equal(t, 4379.0, ComputeInvoiceTotal(bill, room))
	assert.Equal(t, 379.0, ComputeInvoiceTotal(bill, nil))
}

func TestParseDate(t *testing.T) {
	d, err := parseDate("date", "2024-02-29")
	require.NoError(t, err)
	assert.Equal(t, time.February, d.Month())

	_, err = parseDate("date", "2023-02-29")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func strPtr(s string) *string { return &s }
