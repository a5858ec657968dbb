package services

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"rentmeter/internal/adapters/persistence/models"
	"rentmeter/internal/core/authz"
	"rentmeter/internal/core/domain"
	"rentmeter/internal/pkg/logger"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// Import columns. Headers are matched case-insensitively.
const (
	colRoom        = "room"
	colDate        = "date"
	colDueDate     = "due_date"
	colElecCurrent = "electricity_current"
	colElecPrev    = "electricity_previous"
	colElecRate    = "electricity_rate"
	colWaterCur    = "water_current"
	colWaterPrev   = "water_previous"
	colWaterRate   = "water_rate"
	colTenantName  = "tenant_name"
)

var requiredImportColumns = []string{colRoom, colDate, colDueDate, colElecCurrent, colElecPrev, colElecRate}

// maxImportRows bounds a single upload
const maxImportRows = 5000

// ImportRowResult is the outcome of one data row. Row is the 1-based line
// in the file, header included.
type ImportRowResult struct {
	Row      int    `json:"row"`
	RoomCode string `json:"room_code"`
	Success  bool   `json:"success"`
	BillID   uint   `json:"bill_id,omitempty"`
	Field    string `json:"field,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ImportResult tallies a bulk import
type ImportResult struct {
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Rows      []ImportRowResult `json:"rows"`
}

// ImportService creates bills in bulk from CSV or XLSX sheets
type ImportService struct {
	bills *BillService
	log   *zap.Logger
}

// NewImportService creates a new import service
func NewImportService(bills *BillService, log *zap.Logger) *ImportService {
	return &ImportService{bills: bills, log: logger.OrNop(log)}
}

// ImportCSV imports a comma separated file with a header row
func (s *ImportService) ImportCSV(ctx context.Context, auth authz.AuthContext, r io.Reader) (*ImportResult, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, domain.Invalid("file", "cannot read CSV: %v", err)
	}
	return s.importRows(ctx, auth, rows)
}

// ImportXLSX imports the first sheet of a workbook
func (s *ImportService) ImportXLSX(ctx context.Context, auth authz.AuthContext, r io.Reader) (*ImportResult, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, domain.Invalid("file", "cannot read workbook: %v", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, domain.Invalid("file", "workbook has no sheets")
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, domain.Invalid("file", "cannot read sheet %s: %v", sheet, err)
	}
	return s.importRows(ctx, auth, rows)
}

func (s *ImportService) importRows(ctx context.Context, auth authz.AuthContext, rows [][]string) (*ImportResult, error) {
	if len(rows) == 0 {
		return nil, domain.Invalid("header", "file is empty")
	}
	if len(rows)-1 > maxImportRows {
		return nil, domain.Invalid("file", "at most %d rows can be imported at once", maxImportRows)
	}

	index := make(map[string]int, len(rows[0]))
	for i, h := range rows[0] {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if name != "" {
			index[name] = i
		}
	}
	var missing []string
	for _, col := range requiredImportColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, domain.Invalid("header", "missing required column(s): %s", strings.Join(missing, ", "))
	}

	result := &ImportResult{Rows: make([]ImportRowResult, 0, len(rows)-1)}
	for i, row := range rows[1:] {
		if blankRow(row) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		line := i + 2
		rr := ImportRowResult{Row: line, RoomCode: cell(row, index, colRoom)}

		input, err := parseImportRow(row, index)
		if err == nil {
			var bill *models.Bill
			bill, err = s.bills.Create(ctx, auth, input)
			if err == nil {
				rr.Success = true
				rr.BillID = bill.ID
			}
		}
		if err != nil {
			rr.Error = err.Error()
			var verr *domain.ValidationError
			if errors.As(err, &verr) {
				rr.Field = verr.Field
				rr.Error = verr.Reason
			}
			result.Failed++
		} else {
			result.Succeeded++
		}
		result.Total++
		result.Rows = append(result.Rows, rr)
	}

	s.log.Info("bill import finished",
		zap.Uint("account_id", auth.AccountID),
		zap.Int("total", result.Total),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

func parseImportRow(row []string, index map[string]int) (*CreateBillInput, error) {
	input := &CreateBillInput{
		RoomCode:   cell(row, index, colRoom),
		TenantName: cell(row, index, colTenantName),
		IssueDate:  cell(row, index, colDate),
		DueDate:    cell(row, index, colDueDate),
	}

	var err error
	if input.Electricity.Current, err = number(row, index, colElecCurrent); err != nil {
		return nil, err
	}
	if input.Electricity.Previous, err = number(row, index, colElecPrev); err != nil {
		return nil, err
	}
	if input.Electricity.Rate, err = number(row, index, colElecRate); err != nil {
		return nil, err
	}

	water := &ReadingInput{}
	if water.Current, err = number(row, index, colWaterCur); err != nil {
		return nil, err
	}
	if water.Previous, err = number(row, index, colWaterPrev); err != nil {
		return nil, err
	}
	if water.Rate, err = number(row, index, colWaterRate); err != nil {
		return nil, err
	}
	if !water.empty() {
		input.Water = water
	}

	return input, nil
}

func cell(row []string, index map[string]int, col string) string {
	i, ok := index[col]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// number parses an optional numeric cell; "1,234.50" is accepted
func number(row []string, index map[string]int, col string) (*float64, error) {
	raw := strings.ReplaceAll(cell(row, index, col), ",", "")
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, domain.Invalid(fieldForColumn(col), "%q is not a number", raw)
	}
	return &v, nil
}

// fieldForColumn maps a column to the field name Create reports
func fieldForColumn(col string) string {
	switch col {
	case colElecCurrent, colElecPrev, colElecRate, colWaterCur, colWaterPrev, colWaterRate:
		parts := strings.SplitN(col, "_", 2)
		return fmt.Sprintf("%s.%s", parts[0], parts[1])
	}
	return col
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
