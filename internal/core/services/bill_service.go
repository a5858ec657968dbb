package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"rentmeter/internal/adapters/persistence/models"
	"rentmeter/internal/adapters/persistence/repositories"
	"rentmeter/internal/core/authz"
	"rentmeter/internal/core/domain"
	"rentmeter/internal/pkg/logger"
	"rentmeter/internal/pkg/pagination"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DateLayout is the wire format of bill dates
const DateLayout = "2006-01-02"

// ReadingInput is one meter as submitted. Nil fields are absent.
type ReadingInput struct {
	Current  *float64 `json:"current"`
	Previous *float64 `json:"previous"`
	Rate     *float64 `json:"rate"`
}

func (r *ReadingInput) empty() bool {
	return r == nil || (r.Current == nil && r.Previous == nil && r.Rate == nil)
}

// CreateBillInput is the typed request for Create
type CreateBillInput struct {
	RoomCode            string        `json:"room_code" validate:"required,max=20"`
	TenantName          string        `json:"tenant_name" validate:"max=100"`
	IssueDate           string        `json:"date" validate:"required"`
	DueDate             string        `json:"due_date" validate:"required"`
	Electricity         ReadingInput  `json:"electricity"`
	Water               *ReadingInput `json:"water"`
	HouseholdWaterUnits *float64      `json:"household_water_units"`
	HouseholdWaterTotal *float64      `json:"household_water_total"`
}

// EditBillInput carries the fields to change. The room is never editable.
// ExpectedVersion, when set, must match the stored version.
type EditBillInput struct {
	TenantName          *string       `json:"tenant_name" validate:"omitempty,max=100"`
	IssueDate           *string       `json:"date"`
	DueDate             *string       `json:"due_date"`
	Electricity         *ReadingInput `json:"electricity"`
	Water               *ReadingInput `json:"water"`
	HouseholdWaterUnits *float64      `json:"household_water_units"`
	HouseholdWaterTotal *float64      `json:"household_water_total"`
	ExpectedVersion     *uint         `json:"version"`
}

// BillPage is a page of bills for one account
type BillPage struct {
	Bills []*models.BillResponse `json:"bills"`
	Meta  *pagination.Meta       `json:"meta"`
}

// BillService owns create, edit, delete and read of bill records
type BillService struct {
	bills repositories.BillRepository
	rooms repositories.RoomRepository
	audit auditTrail
	store ObjectStorage
	scope roomScope
	log   *zap.Logger
}

// NewBillService creates a new bill service
func NewBillService(
	bills repositories.BillRepository,
	rooms repositories.RoomRepository,
	events repositories.BillEventRepository,
	store ObjectStorage,
	log *zap.Logger,
) *BillService {
	log = logger.OrNop(log)
	return &BillService{
		bills: bills,
		rooms: rooms,
		audit: auditTrail{events: events, log: log},
		store: store,
		scope: roomScope{rooms: rooms, bills: bills},
		log:   log,
	}
}

// Create records a new bill for a room
func (s *BillService) Create(ctx context.Context, auth authz.AuthContext, input *CreateBillInput) (*models.Bill, error) {
	roomCode := strings.TrimSpace(input.RoomCode)
	if roomCode == "" {
		return nil, domain.Invalid("room_code", "room code is required")
	}
	if !authz.Check(auth, authz.CanAddNewBills, roomCode) {
		return nil, fmt.Errorf("%w: cannot add bills for room %s", domain.ErrPermissionDenied, roomCode)
	}

	issue, err := parseDate("date", input.IssueDate)
	if err != nil {
		return nil, err
	}
	due, err := parseDate("due_date", input.DueDate)
	if err != nil {
		return nil, err
	}

	elecIn, waterIn, err := s.carryPreviousReadings(ctx, roomCode, input.Electricity, input.Water)
	if err != nil {
		return nil, domain.Transport(domain.StepPersist, err)
	}
	elec, err := resolveReading(domain.UtilityElectricity, elecIn, true)
	if err != nil {
		return nil, err
	}
	water, err := resolveReading(domain.UtilityWater, waterIn, false)
	if err != nil {
		return nil, err
	}
	if err := checkOptionalAmount("household_water_units", input.HouseholdWaterUnits); err != nil {
		return nil, err
	}
	if err := checkOptionalAmount("household_water_total", input.HouseholdWaterTotal); err != nil {
		return nil, err
	}

	bill := &models.Bill{
		RoomCode:            roomCode,
		TenantName:          strings.TrimSpace(input.TenantName),
		IssueDate:           issue,
		DueDate:             due,
		HouseholdWaterUnits: input.HouseholdWaterUnits,
		HouseholdWaterTotal: input.HouseholdWaterTotal,
		CreatedBy:           auth.AccountID,
	}
	applyReadings(bill, *elec, water)

	if err := s.inheritRoomDetails(ctx, bill); err != nil {
		return nil, domain.Transport(domain.StepPersist, err)
	}

	if err := s.bills.Create(ctx, bill); err != nil {
		return nil, domain.Transport(domain.StepPersist, err)
	}

	s.audit.record(ctx, auth, bill, models.EventCreate, fmt.Sprintf("bill created for room %s", bill.RoomCode), nil)
	s.log.Info("bill created",
		zap.Uint("bill_id", bill.ID),
		zap.String("room", bill.RoomCode),
		zap.Uint("account_id", auth.AccountID),
	)

	return bill, nil
}

// carryPreviousReadings returns copies of the submitted meters whose omitted
// previous readings are taken from the current readings of the room's latest bill.
func (s *BillService) carryPreviousReadings(ctx context.Context, roomCode string, elec ReadingInput, water *ReadingInput) (*ReadingInput, *ReadingInput, error) {
	elecIn := &elec
	var waterIn *ReadingInput
	if water != nil {
		w := *water
		waterIn = &w
	}

	needElec := !elecIn.empty() && elecIn.Previous == nil
	needWater := !waterIn.empty() && waterIn.Previous == nil
	if !needElec && !needWater {
		return elecIn, waterIn, nil
	}

	latest, err := s.bills.GetLatestByRoom(ctx, roomCode)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return elecIn, waterIn, nil
	}
	if err != nil {
		return nil, nil, err
	}

	if needElec {
		prev := latest.ElecCurrent
		elecIn.Previous = &prev
	}
	if needWater && latest.WaterCurrent != nil {
		prev := *latest.WaterCurrent
		waterIn.Previous = &prev
	}
	return elecIn, waterIn, nil
}

// inheritRoomDetails fills tenant name and building code from the room
// record, then from the latest bill of the room.
func (s *BillService) inheritRoomDetails(ctx context.Context, bill *models.Bill) error {
	room, err := s.rooms.GetByCode(ctx, bill.RoomCode)
	switch {
	case err == nil:
		if bill.TenantName == "" {
			bill.TenantName = room.TenantName
		}
		bill.BuildingCode = room.BuildingCode
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return err
	}

	if bill.TenantName != "" && bill.BuildingCode != "" {
		return nil
	}

	latest, err := s.bills.GetLatestByRoom(ctx, bill.RoomCode)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if bill.TenantName == "" {
		bill.TenantName = latest.TenantName
	}
	if bill.BuildingCode == "" {
		bill.BuildingCode = latest.BuildingCode
	}
	return nil
}

// Edit changes readings, dates or tenant name of a stored bill.
// Permission is checked against the stored room.
func (s *BillService) Edit(ctx context.Context, auth authz.AuthContext, id uint, input *EditBillInput) (*models.Bill, error) {
	bill, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !authz.Check(auth, authz.CanEditAllBills, bill.RoomCode) {
		return nil, fmt.Errorf("%w: cannot edit bills for room %s", domain.ErrPermissionDenied, bill.RoomCode)
	}
	if input.ExpectedVersion != nil && *input.ExpectedVersion != bill.Version {
		return nil, domain.ErrStaleBill
	}

	if input.IssueDate != nil {
		if bill.IssueDate, err = parseDate("date", *input.IssueDate); err != nil {
			return nil, err
		}
	}
	if input.DueDate != nil {
		if bill.DueDate, err = parseDate("due_date", *input.DueDate); err != nil {
			return nil, err
		}
	}
	if input.TenantName != nil {
		bill.TenantName = strings.TrimSpace(*input.TenantName)
	}

	elecIn := mergeReading(&ReadingInput{
		Current:  &bill.ElecCurrent,
		Previous: &bill.ElecPrevious,
		Rate:     &bill.ElecRate,
	}, input.Electricity)
	elec, err := resolveReading(domain.UtilityElectricity, elecIn, true)
	if err != nil {
		return nil, err
	}

	waterIn := mergeReading(&ReadingInput{
		Current:  bill.WaterCurrent,
		Previous: bill.WaterPrevious,
		Rate:     bill.WaterRate,
	}, input.Water)
	water, err := resolveReading(domain.UtilityWater, waterIn, false)
	if err != nil {
		return nil, err
	}

	if input.HouseholdWaterUnits != nil {
		if err := checkOptionalAmount("household_water_units", input.HouseholdWaterUnits); err != nil {
			return nil, err
		}
		bill.HouseholdWaterUnits = input.HouseholdWaterUnits
	}
	if input.HouseholdWaterTotal != nil {
		if err := checkOptionalAmount("household_water_total", input.HouseholdWaterTotal); err != nil {
			return nil, err
		}
		bill.HouseholdWaterTotal = input.HouseholdWaterTotal
	}

	applyReadings(bill, *elec, water)
	actor := auth.AccountID
	bill.UpdatedBy = &actor

	if err := s.bills.Update(ctx, bill, bill.Version); err != nil {
		return nil, persistErr(err)
	}

	s.audit.record(ctx, auth, bill, models.EventUpdate, "bill readings updated", nil)
	return bill, nil
}

// Delete permanently removes a bill. Confirmed bills need an administrator or owner.
func (s *BillService) Delete(ctx context.Context, auth authz.AuthContext, id uint) error {
	bill, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if !authz.Check(auth, authz.CanDeleteBills, bill.RoomCode) {
		return fmt.Errorf("%w: cannot delete bills for room %s", domain.ErrPermissionDenied, bill.RoomCode)
	}
	if bill.Payment.Confirmed && !auth.IsAdminOrOwner() {
		return domain.ErrBillConfirmed
	}

	if err := s.bills.Delete(ctx, bill.ID); err != nil {
		return domain.Transport(domain.StepPersist, err)
	}

	if bill.Evidence.Present() && s.store != nil {
		if err := s.store.Delete(ctx, evidenceRef(bill)); err != nil {
			s.log.Warn("evidence object not removed", zap.Uint("bill_id", bill.ID), zap.Error(err))
		}
	}

	s.audit.record(ctx, auth, bill, models.EventDelete, fmt.Sprintf("bill for room %s deleted", bill.RoomCode), nil)
	return nil
}

// Get returns one bill the account may view
func (s *BillService) Get(ctx context.Context, auth authz.AuthContext, id uint) (*models.Bill, error) {
	bill, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !authz.Check(auth, authz.CanViewHistory, bill.RoomCode) {
		return nil, fmt.Errorf("%w: cannot view bills for room %s", domain.ErrPermissionDenied, bill.RoomCode)
	}
	return bill, nil
}

// Events returns the lifecycle history of a bill the account may view
func (s *BillService) Events(ctx context.Context, auth authz.AuthContext, id uint) ([]*models.BillEvent, error) {
	bill, err := s.Get(ctx, auth, id)
	if err != nil {
		return nil, err
	}
	if s.audit.events == nil {
		return []*models.BillEvent{}, nil
	}
	events, err := s.audit.events.ListByBill(ctx, bill.ID)
	if err != nil {
		return nil, domain.Transport(domain.StepPersist, err)
	}
	return events, nil
}

// ListHistory pages through the bills of one room, newest first
func (s *BillService) ListHistory(ctx context.Context, auth authz.AuthContext, roomCode string, params *pagination.Params) (*BillPage, error) {
	if !authz.Check(auth, authz.CanViewHistory, roomCode) {
		return nil, fmt.Errorf("%w: cannot view bills for room %s", domain.ErrPermissionDenied, roomCode)
	}
	return s.list(ctx, repositories.BillFilter{RoomCode: roomCode}, params)
}

// ListVisible pages through every bill the account may see. from/to bound
// the issue date and may be nil.
func (s *BillService) ListVisible(ctx context.Context, auth authz.AuthContext, from, to *time.Time, params *pagination.Params) (*BillPage, error) {
	if !authz.Check(auth, authz.CanViewHistory, "") {
		return nil, fmt.Errorf("%w: cannot view bills", domain.ErrPermissionDenied)
	}
	filter, err := s.scope.filter(ctx, auth)
	if err != nil {
		return nil, domain.Transport(domain.StepPersist, err)
	}
	filter.From, filter.To = from, to
	return s.list(ctx, filter, params)
}

func (s *BillService) list(ctx context.Context, filter repositories.BillFilter, params *pagination.Params) (*BillPage, error) {
	bills, total, err := s.bills.List(ctx, filter, params.Offset, params.Limit)
	if err != nil {
		return nil, domain.Transport(domain.StepPersist, err)
	}
	out := make([]*models.BillResponse, len(bills))
	for i, b := range bills {
		out[i] = b.ToResponse()
	}
	return &BillPage{Bills: out, Meta: pagination.GetMeta(params, total)}, nil
}

func (s *BillService) load(ctx context.Context, id uint) (*models.Bill, error) {
	return loadBill(ctx, s.bills, id)
}

// ComputeReceiptTotal is the utilities-only amount used for the QR receipt
func ComputeReceiptTotal(bill *models.Bill) float64 {
	return domain.ReceiptTotal(bill.ElecTotal, bill.WaterTotalOrZero())
}

// ComputeInvoiceTotal adds the room's rent and add-ons to the receipt total.
// A nil room contributes nothing.
func ComputeInvoiceTotal(bill *models.Bill, room *models.Room) float64 {
	if room == nil {
		return ComputeReceiptTotal(bill)
	}
	return domain.InvoiceTotal(ComputeReceiptTotal(bill), room.Rent, room.AddOnPrices())
}

func loadBill(ctx context.Context, bills repositories.BillRepository, id uint) (*models.Bill, error) {
	bill, err := bills.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrBillNotFound
		}
		return nil, domain.Transport(domain.StepPersist, err)
	}
	return bill, nil
}

// persistErr keeps version conflicts as conflicts and tags everything else
func persistErr(err error) error {
	if errors.Is(err, domain.ErrStaleBill) {
		return err
	}
	return domain.Transport(domain.StepPersist, err)
}

func evidenceRef(bill *models.Bill) string {
	if bill.Evidence.Path != "" {
		return bill.Evidence.Path
	}
	return bill.Evidence.URL
}

func parseDate(field, value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, domain.Invalid(field, "%s is required", field)
	}
	t, err := time.ParseInLocation(DateLayout, value, time.Local)
	if err != nil {
		return time.Time{}, domain.Invalid(field, "%s must be a date in YYYY-MM-DD format", field)
	}
	return t, nil
}

func checkNumber(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return domain.Invalid(field, "%s must be a number", field)
	}
	return nil
}

func checkOptionalAmount(field string, v *float64) error {
	if v == nil {
		return nil
	}
	if err := checkNumber(field, *v); err != nil {
		return err
	}
	if *v < 0 {
		return domain.Invalid(field, "%s must not be negative", field)
	}
	return nil
}

// resolveReading validates a submitted meter. A missing previous reading is 0;
// Create fills it from the room's latest bill first. The rate is rounded to
// the stored precision so the charge matches the persisted row.
// An optional meter with no fields at all resolves to nil.
func resolveReading(u domain.Utility, in *ReadingInput, required bool) (*domain.MeterReading, error) {
	name := string(u)
	if in.empty() {
		if required {
			return nil, domain.Invalid(name+".current", "%s current reading is required", name)
		}
		return nil, nil
	}
	if in.Current == nil {
		return nil, domain.Invalid(name+".current", "%s current reading is required", name)
	}
	if in.Rate == nil {
		return nil, domain.Invalid(name+".rate", "%s rate is required", name)
	}

	m := domain.MeterReading{Current: *in.Current, Rate: domain.RoundRate(*in.Rate)}
	if in.Previous != nil {
		m.Previous = *in.Previous
	}
	for _, f := range []struct {
		suffix string
		v      float64
	}{{".current", m.Current}, {".previous", m.Previous}, {".rate", m.Rate}} {
		if err := checkNumber(name+f.suffix, f.v); err != nil {
			return nil, err
		}
	}
	if err := m.Validate(u); err != nil {
		return nil, err
	}
	return &m, nil
}

// mergeReading overlays submitted fields on the stored ones
func mergeReading(stored, submitted *ReadingInput) *ReadingInput {
	if submitted == nil {
		return stored
	}
	out := *stored
	if submitted.Current != nil {
		out.Current = submitted.Current
	}
	if submitted.Previous != nil {
		out.Previous = submitted.Previous
	}
	if submitted.Rate != nil {
		out.Rate = submitted.Rate
	}
	return &out
}

func applyReadings(bill *models.Bill, elec domain.MeterReading, water *domain.MeterReading) {
	c := elec.Compute()
	bill.ElecPrevious, bill.ElecCurrent, bill.ElecRate = elec.Previous, elec.Current, elec.Rate
	bill.ElecUnits, bill.ElecTotal = c.Units, c.Total

	if water == nil {
		bill.WaterPrevious, bill.WaterCurrent, bill.WaterRate = nil, nil, nil
		bill.WaterUnits, bill.WaterTotal = nil, nil
		return
	}
	w := water.Compute()
	prev, cur, rate := water.Previous, water.Current, water.Rate
	bill.WaterPrevious, bill.WaterCurrent, bill.WaterRate = &prev, &cur, &rate
	bill.WaterUnits, bill.WaterTotal = &w.Units, &w.Total
}
