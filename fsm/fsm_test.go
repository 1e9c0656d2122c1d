package fsm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type state string

type event string

const (
	idle    state = "idle"
	running state = "running"
	done    state = "done"

	start  event = "start"
	finish event = "finish"
	reset  event = "reset"
)

func newMachine() *Machine[state, event] {
	m := NewMachine[state, event](idle)
	m.AddTransition(idle, start, running)
	m.AddTransition(running, finish, done)
	m.AddTransitionFrom([]state{running, done}, reset, idle)
	return m
}

func TestMachineTransitions(t *testing.T) {
	m := newMachine()
	var seen []string
	m.OnTransition(func(from, to state, e event) {
		seen = append(seen, string(from)+"-"+string(e)+"->"+string(to))
	})

	ctx := context.Background()
	assert.True(t, m.Can(start))
	assert.False(t, m.Can(finish))

	require.NoError(t, m.Trigger(ctx, start))
	require.NoError(t, m.Trigger(ctx, finish))
	assert.True(t, m.Is(done))
	require.NoError(t, m.Trigger(ctx, reset))
	assert.Equal(t, idle, m.Current())

	assert.Equal(t, []string{"idle-start->running", "running-finish->done", "done-reset->idle"}, seen)
}

func TestMachineRejectsUnknownEvent(t *testing.T) {
	m := newMachine()
	err := m.Trigger(context.Background(), finish)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, idle, m.Current())
}

func TestMachineHandlerFailureKeepsState(t *testing.T) {
	m := newMachine()
	boom := errors.New("boom")
	m.AddHandler(idle, running, func(context.Context, state, state, ...any) error { return boom })

	err := m.Trigger(context.Background(), start)
	require.ErrorIs(t, err, ErrHandlerFailed)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, idle, m.Current())
}
