package simpleamqp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(tag uint64) error {
	args := m.Called(tag)
	return args.Error(0)
}

func (m *mockAcknowledger) Nack(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

func TestSafeAcknowledger(t *testing.T) {
	ma := &mockAcknowledger{}
	ma.On("Ack", uint64(1)).Return(nil).Once()
	ma.On("Nack", uint64(2), true).Return(nil).Once()

	var failures []error

	onFailure := func(err error) { failures = append(failures, err) }

	// 1
	ack := NewSafeAcknowledger(ma, nil, onFailure)
	require.NoError(t, ack.Ack(1))
	assert.True(t, ack.Handled(), "delivery handled")

	// don't settle if already handled
	require.NoError(t, ack.Ack(1))
	require.NoError(t, ack.Nack(1, true))

	// 2
	nack := NewSafeAcknowledger(ma, nil, onFailure)
	assert.False(t, nack.Handled())
	require.NoError(t, nack.Nack(2, true))
	assert.True(t, nack.Handled(), "delivery handled")

	require.NoError(t, nack.Nack(2, true))

	ma.AssertExpectations(t)
	assert.Empty(t, failures, "no failures so far")
}

func TestSafeAcknowledgerFailure(t *testing.T) {
	ackErr := errors.New("ack error")

	ma := &mockAcknowledger{}
	ma.On("Ack", uint64(7)).Return(ackErr).Once()

	var failures []error

	ack := NewSafeAcknowledger(ma, nil, func(err error) { failures = append(failures, err) })

	require.ErrorIs(t, ack.Ack(7), ackErr)
	assert.True(t, ack.Handled(), "a failed ack still counts as handled")
	assert.Equal(t, []error{ackErr}, failures, "failure reported to the connection")

	require.NoError(t, ack.Ack(7))
	ma.AssertExpectations(t)
}
