package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"rentmeter/internal/adapters/persistence/models"
	"rentmeter/internal/adapters/persistence/repositories"
	"rentmeter/internal/core/authz"
	"rentmeter/internal/core/domain"
	"rentmeter/internal/pkg/logger"
	"rentmeter/internal/pkg/promptpay"

	"github.com/skip2/go-qrcode"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// QR image size bounds in pixels
const (
	DefaultQRSize = 256
	MaxQRSize     = 1024
)

// maxExportRows bounds one workbook
const maxExportRows = 10000

// ReceiptLine is one charge on a receipt or invoice
type ReceiptLine struct {
	Label    string   `json:"label"`
	Previous *float64 `json:"previous,omitempty"`
	Current  *float64 `json:"current,omitempty"`
	Units    *float64 `json:"units,omitempty"`
	Rate     *float64 `json:"rate,omitempty"`
	Amount   float64  `json:"amount"`
}

// Receipt is the utilities-only payment request for one bill
type Receipt struct {
	BillID           uint             `json:"bill_id"`
	RoomCode         string           `json:"room_code"`
	TenantName       string           `json:"tenant_name"`
	IssueDate        string           `json:"issue_date"`
	DueDate          string           `json:"due_date"`
	State            domain.BillState `json:"state"`
	Lines            []ReceiptLine    `json:"lines"`
	Total            float64          `json:"total"`
	PromptPayPayload string           `json:"promptpay_payload,omitempty"`
}

// Invoice extends the receipt with rent and add-on charges
type Invoice struct {
	Receipt
	Rent         float64       `json:"rent"`
	AddOns       []ReceiptLine `json:"add_ons"`
	InvoiceTotal float64       `json:"invoice_total"`
}

// ReceiptService renders receipts, invoices, QR codes and history exports
type ReceiptService struct {
	bills      repositories.BillRepository
	rooms      repositories.RoomRepository
	scope      roomScope
	merchantID string
	log        *zap.Logger
}

// NewReceiptService creates a new receipt service. An empty merchantID
// disables PromptPay payloads.
func NewReceiptService(bills repositories.BillRepository, rooms repositories.RoomRepository, merchantID string, log *zap.Logger) *ReceiptService {
	return &ReceiptService{
		bills:      bills,
		rooms:      rooms,
		scope:      roomScope{rooms: rooms, bills: bills},
		merchantID: merchantID,
		log:        logger.OrNop(log),
	}
}

// Receipt builds the receipt of a bill
func (s *ReceiptService) Receipt(ctx context.Context, auth authz.AuthContext, billID uint) (*Receipt, error) {
	bill, err := loadBill(ctx, s.bills, billID)
	if err != nil {
		return nil, err
	}
	if !authz.Check(auth, authz.CanGenerateQRCode, bill.RoomCode) {
		return nil, fmt.Errorf("%w: cannot view receipts for room %s", domain.ErrPermissionDenied, bill.RoomCode)
	}

	receipt := buildReceipt(bill)
	if s.merchantID != "" && receipt.Total > 0 {
		payload, err := promptpay.Payload(s.merchantID, receipt.Total)
		if err != nil {
			s.log.Error("promptpay payload", zap.Uint("bill_id", bill.ID), zap.Error(err))
		} else {
			receipt.PromptPayPayload = payload
		}
	}
	return receipt, nil
}

// QRCodePNG renders the PromptPay payload of a bill as a PNG image
func (s *ReceiptService) QRCodePNG(ctx context.Context, auth authz.AuthContext, billID uint, size int) ([]byte, error) {
	if s.merchantID == "" {
		return nil, domain.Invalid("promptpay", "no PromptPay account is configured")
	}
	if size <= 0 {
		size = DefaultQRSize
	}
	if size > MaxQRSize {
		return nil, domain.Invalid("size", "size must be at most %d", MaxQRSize)
	}

	receipt, err := s.Receipt(ctx, auth, billID)
	if err != nil {
		return nil, err
	}
	if receipt.PromptPayPayload == "" {
		return nil, domain.Invalid("total", "bill has nothing to pay")
	}

	png, err := qrcode.Encode(receipt.PromptPayPayload, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}

// Invoice builds the full invoice of a bill, including rent and add-ons of
// its room. A bill whose room has no record is invoiced for utilities only.
func (s *ReceiptService) Invoice(ctx context.Context, auth authz.AuthContext, billID uint) (*Invoice, error) {
	bill, err := loadBill(ctx, s.bills, billID)
	if err != nil {
		return nil, err
	}
	if !authz.Check(auth, authz.CanViewHistory, bill.RoomCode) {
		return nil, fmt.Errorf("%w: cannot view invoices for room %s", domain.ErrPermissionDenied, bill.RoomCode)
	}

	room, err := s.rooms.GetByCode(ctx, bill.RoomCode)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.Transport(domain.StepPersist, err)
		}
		room = nil
	}

	invoice := &Invoice{Receipt: *buildReceipt(bill), AddOns: []ReceiptLine{}}
	if room != nil {
		invoice.Rent = room.Rent
		for _, a := range room.AddOns {
			invoice.AddOns = append(invoice.AddOns, ReceiptLine{Label: a.Name, Amount: a.Price})
		}
	}
	invoice.InvoiceTotal = ComputeInvoiceTotal(bill, room)
	return invoice, nil
}

func buildReceipt(bill *models.Bill) *Receipt {
	elecUnits, elecRate := bill.ElecUnits, bill.ElecRate
	elecPrev, elecCur := bill.ElecPrevious, bill.ElecCurrent
	lines := []ReceiptLine{{
		Label:    string(domain.UtilityElectricity),
		Previous: &elecPrev,
		Current:  &elecCur,
		Units:    &elecUnits,
		Rate:     &elecRate,
		Amount:   bill.ElecTotal,
	}}
	if bill.WaterTotal != nil {
		lines = append(lines, ReceiptLine{
			Label:    string(domain.UtilityWater),
			Previous: bill.WaterPrevious,
			Current:  bill.WaterCurrent,
			Units:    bill.WaterUnits,
			Rate:     bill.WaterRate,
			Amount:   *bill.WaterTotal,
		})
	}

	return &Receipt{
		BillID:     bill.ID,
		RoomCode:   bill.RoomCode,
		TenantName: bill.TenantName,
		IssueDate:  bill.IssueDate.Format(DateLayout),
		DueDate:    bill.DueDate.Format(DateLayout),
		State:      bill.State(),
		Lines:      lines,
		Total:      ComputeReceiptTotal(bill),
	}
}

var exportHeaders = []string{
	"Room", "Tenant", "Date", "Due Date",
	"Elec Previous", "Elec Current", "Elec Units", "Elec Rate", "Elec Total",
	"Water Previous", "Water Current", "Water Units", "Water Rate", "Water Total",
	"Total", "State", "Confirmed At",
}

// ExportHistory writes the bills visible to the account into an xlsx
// workbook. from/to bound the issue date and may be nil.
func (s *ReceiptService) ExportHistory(ctx context.Context, auth authz.AuthContext, from, to *time.Time) ([]byte, error) {
	if !authz.Check(auth, authz.CanViewHistory, "") {
		return nil, fmt.Errorf("%w: cannot export bills", domain.ErrPermissionDenied)
	}
	filter, err := s.scope.filter(ctx, auth)
	if err != nil {
		return nil, domain.Transport(domain.StepPersist, err)
	}
	filter.From, filter.To = from, to

	bills, total, err := s.bills.List(ctx, filter, 0, maxExportRows)
	if err != nil {
		return nil, domain.Transport(domain.StepPersist, err)
	}
	if total > maxExportRows {
		return nil, domain.Invalid("range", "export is limited to %d bills, narrow the date range", maxExportRows)
	}

	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Bills"
	idx, err := f.NewSheet(sheet)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(idx)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("delete default sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("header style: %w", err)
	}

	for i, h := range exportHeaders {
		cellRef, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cellRef, h)
		f.SetCellStyle(sheet, cellRef, cellRef, headerStyle)
	}

	for r, b := range bills {
		confirmedAt := ""
		if b.Payment.ConfirmedAt != nil {
			confirmedAt = b.Payment.ConfirmedAt.Format(time.RFC3339)
		}
		values := []any{
			b.RoomCode, b.TenantName, b.IssueDate.Format(DateLayout), b.DueDate.Format(DateLayout),
			b.ElecPrevious, b.ElecCurrent, b.ElecUnits, b.ElecRate, b.ElecTotal,
			optional(b.WaterPrevious), optional(b.WaterCurrent), optional(b.WaterUnits), optional(b.WaterRate), optional(b.WaterTotal),
			ComputeReceiptTotal(b), string(b.State()), confirmedAt,
		}
		for c, v := range values {
			cellRef, _ := excelize.CoordinatesToCellName(c+1, r+2)
			f.SetCellValue(sheet, cellRef, v)
		}
	}

	f.SetColWidth(sheet, "A", "D", 14)
	f.SetColWidth(sheet, "E", "O", 12)
	f.SetColWidth(sheet, "P", "Q", 20)
	f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}

	s.log.Info("bill history exported", zap.Uint("account_id", auth.AccountID), zap.Int("rows", len(bills)))
	return buf.Bytes(), nil
}

// optional yields an empty cell for a nil value
func optional(v *float64) any {
	if v == nil {
		return ""
	}
	return *v
}
