package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeterReading_Compute(t *testing.T) {
	c := MeterReading{Previous: 100, Current: 150, Rate: 6.50}.Compute()
	assert.Equal(t, 50.0, c.Units)
	assert.Equal(t, 325.00, c.Total)

	c = MeterReading{Previous: 10.1, Current: 12.3, Rate: 18}.Compute()
	assert.Equal(t, 2.2, c.Units)
	assert.Equal(t, 39.6, c.Total)
}

func TestMeterReading_ValidateRegression(t *testing.T) {
	err := MeterReading{Previous: 150, Current: 100, Rate: 6.5}.Validate(UtilityElectricity)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "electricity.current", verr.Field)

	assert.NoError(t, MeterReading{Previous: 100, Current: 100, Rate: 6.5}.Validate(UtilityWater))
}

func TestResolveBillState(t *testing.T) {
	assert.Equal(t, BillStateRecorded, ResolveBillState(false, false))
	assert.Equal(t, BillStateEvidenceAttached, ResolveBillState(true, false))
	assert.Equal(t, BillStateConfirmed, ResolveBillState(true, true))
}

func TestTotals(t *testing.T) {
	receipt := ReceiptTotal(325, 90.5)
	assert.Equal(t, 415.5, receipt)
	assert.Equal(t, 4165.5, InvoiceTotal(receipt, 3500, []float64{100, 50, 100}))
}

func TestTransportError(t *testing.T) {
	cause := errors.New("disk full")
	err := Transport(StepUpload, cause)

	assert.True(t, errors.Is(err, ErrTransport))
	assert.True(t, errors.Is(err, cause))

	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, StepUpload, terr.Step)
}
