package visits_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/warp/timebank/ledger"
	"github.com/warp/timebank/visits"
)

func TestPayout(t *testing.T) {
	tests := []struct {
		minutes int
		want    int
	}{
		{0, 0},
		{1, 1},
		{10, 9},
		{11, 9},
		{13, 11},
		{30, 26},
		{60, 51},
		{100, 85},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d minutes", tt.minutes), func(t *testing.T) {
			assert.Equal(t, tt.want, visits.Payout(tt.minutes))
		})
	}
}

func TestStateOf(t *testing.T) {
	v := visits.Visit{ID: "v-1"}
	active := &visits.Fulfillment{VisitID: "v-1"}
	completed := &visits.Fulfillment{VisitID: "v-1", Completed: true}
	released := &visits.Fulfillment{VisitID: "v-1", Cancelled: true}
	cancelled := visits.Visit{ID: "v-1", Cancelled: true}

	assert.Equal(t, visits.StateUnscheduled, visits.StateOf(v, nil))
	assert.Equal(t, visits.StateUnscheduled, visits.StateOf(v, released))
	assert.Equal(t, visits.StateScheduled, visits.StateOf(v, active))
	assert.Equal(t, visits.StateCompleted, visits.StateOf(v, completed))
	assert.Equal(t, visits.StateCancelled, visits.StateOf(cancelled, active))
	assert.Equal(t, visits.StateCancelled, visits.StateOf(cancelled, completed))
}

func TestVisitEnd(t *testing.T) {
	v := visits.Visit{When: testNow, Minutes: 90}

	assert.Equal(t, testNow.Add(90*time.Minute), v.End())
}

func TestErrorClassification(t *testing.T) {
	short := &visits.InsufficientMinutesError{Available: 5, Requested: 30}
	missing := fmt.Errorf("wrapped: %w", &visits.NotFoundError{Kind: "visit", ID: "v-1"})
	conflict := fmt.Errorf("%w: %w", visits.ErrConflict, errors.New("UNIQUE constraint failed"))
	storage := ledger.Storage("query ledger entries", errors.New("io"))

	assert.True(t, visits.IsClientError(short))
	assert.False(t, visits.IsNotFound(short))

	assert.True(t, visits.IsNotFound(missing))
	assert.False(t, visits.IsClientError(missing))
	assert.Equal(t, "wrapped: visit not found", missing.Error())

	assert.True(t, visits.IsRetryable(conflict))
	assert.False(t, visits.IsClientError(conflict))

	assert.True(t, ledger.IsStorage(storage))
	assert.False(t, visits.IsClientError(storage))
	assert.False(t, visits.IsRetryable(storage))
}
