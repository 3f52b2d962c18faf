package escrow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func buildEscrow(t *testing.T, actions ...Action) *Escrow {
	t.Helper()
	e := newEscrow("esc_test", nil, nil, epoch)
	for i, a := range actions {
		_, d, err := Apply(e.Status, a, ActorSystem, nil)
		require.NoError(t, err)
		appendEntry(e, d, epoch.Add(time.Duration(i+1)*time.Second))
	}
	return e
}

func TestNewEscrow(t *testing.T) {
	demand := "dem_1"
	e := newEscrow("esc_1", &demand, nil, epoch)

	assert.Equal(t, StatusAwaitingFunds, e.Status)
	assert.Equal(t, 1, e.Version)
	require.Len(t, e.Audit, 1)
	assert.Equal(t, 0, e.Audit[0].Sequence)
	assert.Equal(t, ActionCreate, e.Audit[0].Action)
	assert.Equal(t, ActorSystem, e.Audit[0].By)
	assert.Equal(t, epoch, e.CreatedAt)
	require.NotNil(t, e.DemandID)
	assert.Equal(t, "dem_1", *e.DemandID)
	assert.Nil(t, e.BidID)

	demand = "changed"
	assert.Equal(t, "dem_1", *e.DemandID, "creation copies references")
}

func TestAppendEntry_AssignsSequenceAndVersion(t *testing.T) {
	e := buildEscrow(t, ActionBankOK, ActionShipDocs, ActionApproveDelivery)

	assert.Equal(t, StatusReleased, e.Status)
	assert.Equal(t, 4, e.Version)
	for i, entry := range e.Audit {
		assert.Equal(t, i, entry.Sequence)
	}
	last, ok := e.Last()
	require.True(t, ok)
	assert.Equal(t, StatusReleased, last.ResultingStatus)
}

func TestAppendEntry_TimeNeverMovesBackwards(t *testing.T) {
	e := newEscrow("esc_1", nil, nil, epoch)
	_, d, err := Apply(e.Status, ActionUploadProof, ActorBuyer, nil)
	require.NoError(t, err)

	entry := appendEntry(e, d, epoch.Add(-time.Hour))
	assert.Equal(t, epoch, entry.At)
}

func TestAppendEntry_TruncatesToStoredPrecision(t *testing.T) {
	e := newEscrow("esc_1", nil, nil, epoch.Add(1234*time.Nanosecond))
	assert.Equal(t, epoch.Add(time.Microsecond), e.Audit[0].At)
}

func TestReplay_LegalPath(t *testing.T) {
	e := buildEscrow(t, ActionUploadProof, ActionBankOK, ActionShipDocs, ActionApproveDelivery)
	status, err := Replay(e.Audit)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, status)
	require.NoError(t, CheckInvariants(e))
}

func TestReplay_Corruption(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(e *Escrow)
	}{
		{"empty", func(e *Escrow) { e.Audit = nil }},
		{"first entry not create", func(e *Escrow) { e.Audit[0].Action = ActionBankOK }},
		{"sequence gap", func(e *Escrow) { e.Audit[2].Sequence = 5 }},
		{"illegal move", func(e *Escrow) { e.Audit[2].Action = ActionApproveDelivery }},
		{"wrong resulting status", func(e *Escrow) { e.Audit[1].ResultingStatus = StatusShipped }},
		{"time goes backwards", func(e *Escrow) { e.Audit[2].At = epoch.Add(-time.Minute) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := buildEscrow(t, ActionBankOK, ActionShipDocs)
			tt.corrupt(e)
			_, err := Replay(e.Audit)
			assert.ErrorIs(t, err, ErrCorruptTrail)
		})
	}
}

func TestCheckInvariants(t *testing.T) {
	e := buildEscrow(t, ActionBankOK)
	require.NoError(t, CheckInvariants(e))

	stale := e.Clone()
	stale.Version = 1
	assert.ErrorIs(t, CheckInvariants(stale), ErrCorruptTrail)

	wrongStatus := e.Clone()
	wrongStatus.Status = StatusShipped
	assert.ErrorIs(t, CheckInvariants(wrongStatus), ErrCorruptTrail)
}
