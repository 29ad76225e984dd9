package orders

import (
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestReserve(t *testing.T) {
	tests := []struct {
		name     string
		stock    int
		qty      int
		want     int
		wantKind error
	}{
		{"fits", 10, 6, 4, nil},
		{"exact", 4, 4, 0, nil},
		{"too many", 7, 8, 7, ErrInsufficientStock},
		{"zero qty", 7, 0, 7, ErrValidation},
		{"negative qty", 7, -2, 7, ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Reserve(tt.stock, tt.qty)
			assert.Equal(t, tt.want, got)
			if tt.wantKind == nil {
				require.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantKind), "got %v", err)
		})
	}
}

func TestAdjustForUpdate(t *testing.T) {
	tests := []struct {
		name           string
		stock          int
		oldQty, newQty int
		want           int
		wantKind       error
	}{
		{"release part", 4, 6, 3, 7, nil},
		{"take more", 4, 6, 10, 0, nil},
		{"unchanged", 4, 6, 6, 4, nil},
		{"take too much", 4, 6, 11, 4, ErrInsufficientStock},
		{"zero new qty", 4, 6, 0, 4, ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AdjustForUpdate(tt.stock, tt.oldQty, tt.newQty)
			assert.Equal(t, tt.want, got)
			if tt.wantKind == nil {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantKind)
		})
	}
}

func TestRelease(t *testing.T) {
	assert.Equal(t, 10, Release(4, 6))
	assert.Equal(t, 4, Release(4, 0))
}

func TestLedgerScenario(t *testing.T) {
	stock := 10

	stock, err := Reserve(stock, 6)
	require.NoError(t, err)
	assert.Equal(t, 4, stock)

	stock, err = AdjustForUpdate(stock, 6, 3)
	require.NoError(t, err)
	assert.Equal(t, 7, stock)

	stock, err = Reserve(stock, 8)
	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, 7, stock)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusActive, StatusCancelled))
	assert.False(t, CanTransition(StatusCancelled, StatusActive))
	assert.False(t, CanTransition(StatusCancelled, StatusCancelled))
}
