package txn

import (
	"context"
	"errors"
	"testing"

	"github.com/sanity-io/litter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tangelo-labs/go-txn/ledger"
)

type stepMock struct {
	name      string
	execCalls int
	compCalls int
	execErr   error
	compErr   error
	order     *[]string
}

func (m *stepMock) step() SagaStep {
	return SagaStep{
		Name: m.name,
		Execute: func(ctx context.Context, tx *gorm.DB) (any, error) {
			m.execCalls++
			return m.name + "-data", m.execErr
		},
		Compensate: func(ctx context.Context, data any) error {
			m.compCalls++
			if m.order != nil {
				*m.order = append(*m.order, m.name)
			}
			return m.compErr
		},
	}
}

func TestSagaExecutesAllSteps(t *testing.T) {
	e, led := newTestExecutor(t)

	m1 := &stepMock{name: "first"}
	m2 := &stepMock{name: "second"}

	res := e.ExecuteSaga(context.Background(), []SagaStep{m1.step(), m2.step()}, SagaConfig{Name: "two_steps"})

	require.True(t, res.Success)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, m1.execCalls)
	assert.Equal(t, 1, m2.execCalls)
	assert.Equal(t, 0, m1.compCalls)
	assert.Equal(t, 0, m2.compCalls)
	assert.Equal(t, []any{"first-data", "second-data"}, res.Data)
	assert.Equal(t, 2, res.OperationsCount)

	entry, ok, err := led.GetEntry(context.Background(), res.TransactionID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ledger.StatusCommitted, entry.Status)
}

func TestSagaCompensatesInReverseOrder(t *testing.T) {
	e, led := newTestExecutor(t)

	var order []string
	createUser := &stepMock{name: "createUser", order: &order}
	createOrg := &stepMock{name: "createOrg", order: &order}
	linkUser := &stepMock{name: "linkUser", order: &order, execErr: errors.New("link refused")}

	res := e.ExecuteSaga(context.Background(),
		[]SagaStep{createUser.step(), createOrg.step(), linkUser.step()},
		SagaConfig{Name: "create_org_with_owner"})

	require.False(t, res.Success)
	require.ErrorContains(t, res.Err, `step "linkUser"`)
	require.ErrorContains(t, res.Err, "link refused")

	// Exactly the two completed steps compensated, newest first.
	assert.Equal(t, []string{"createOrg", "createUser"}, order)
	assert.Equal(t, 0, linkUser.compCalls)

	require.NotNil(t, res.RollbackInfo)
	assert.Equal(t, []string{"createOrg", "createUser"}, res.RollbackInfo.CompensatedSteps)
	assert.Empty(t, res.RollbackInfo.CompensationErrors)

	entry, ok, err := led.GetEntry(context.Background(), res.TransactionID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ledger.StatusFailed, entry.Status)
	litter.Dump(entry)
}

func TestSagaCompensationFailureDoesNotShortCircuit(t *testing.T) {
	e, _ := newTestExecutor(t)

	var order []string
	first := &stepMock{name: "first", order: &order}
	second := &stepMock{name: "second", order: &order, compErr: errors.New("cleanup failed")}
	third := &stepMock{name: "third", order: &order, execErr: errors.New("boom")}

	res := e.ExecuteSaga(context.Background(),
		[]SagaStep{first.step(), second.step(), third.step()},
		SagaConfig{Name: "stubborn_cleanup"})

	require.False(t, res.Success)
	// Both compensations ran despite the second one failing.
	assert.Equal(t, []string{"second", "first"}, order)
	assert.Equal(t, []string{"first"}, res.RollbackInfo.CompensatedSteps)
	require.Len(t, res.RollbackInfo.CompensationErrors, 1)
	assert.Equal(t, "second", res.RollbackInfo.CompensationErrors[0].Step)
}

func TestSagaStepDataFlowsToCompensation(t *testing.T) {
	e, _ := newTestExecutor(t)

	var got any
	steps := []SagaStep{
		{
			Name: "produce",
			Execute: func(ctx context.Context, tx *gorm.DB) (any, error) {
				return 42, nil
			},
			Compensate: func(ctx context.Context, data any) error {
				got = data
				return nil
			},
		},
		{
			Name: "fail",
			Execute: func(ctx context.Context, tx *gorm.DB) (any, error) {
				return nil, errors.New("boom")
			},
		},
	}

	res := e.ExecuteSaga(context.Background(), steps, SagaConfig{Name: "payloads"})
	require.False(t, res.Success)
	assert.Equal(t, 42, got)
}

func TestSagaNilCompensationIsSkipped(t *testing.T) {
	e, _ := newTestExecutor(t)

	steps := []SagaStep{
		{
			Name: "no_cleanup",
			Execute: func(ctx context.Context, tx *gorm.DB) (any, error) {
				return nil, nil
			},
		},
		{
			Name: "fail",
			Execute: func(ctx context.Context, tx *gorm.DB) (any, error) {
				return nil, errors.New("boom")
			},
		},
	}

	res := e.ExecuteSaga(context.Background(), steps, SagaConfig{Name: "optional_cleanup"})
	require.False(t, res.Success)
	assert.Empty(t, res.RollbackInfo.CompensatedSteps)
	assert.Empty(t, res.RollbackInfo.CompensationErrors)
}

func TestSagaRejectsStepWithoutExecute(t *testing.T) {
	e, _ := newTestExecutor(t)

	res := e.ExecuteSaga(context.Background(), []SagaStep{{Name: "empty"}}, SagaConfig{Name: "invalid"})
	require.False(t, res.Success)
	require.ErrorContains(t, res.Err, "no execute func")
	assert.Empty(t, res.TransactionID)
}
