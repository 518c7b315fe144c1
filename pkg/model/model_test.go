package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindRoundTrip(t *testing.T) {
	err := NotFound("unknown job")
	assert.Equal(t, ErrNotFound, KindOf(err))
	assert.Contains(t, err.Error(), "unknown job")
}

func TestKindOfNonCoreErrorIsInternal(t *testing.T) {
	assert.Equal(t, ErrInternal, KindOf(errors.New("plain error")))
}

func TestInternalErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("root cause")
	err := Internal("scheduler loop failed", cause)
	assert.Equal(t, cause, err.Unwrap())
	assert.ErrorIs(t, err, cause)
}

func TestStatusIsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusSucceeded.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}

func TestElapsedSecondsZeroBeforeFirstProgress(t *testing.T) {
	j := &Job{}
	assert.Equal(t, 0.0, j.ElapsedSeconds(time.Now()))
}

func TestElapsedSecondsSinceFirstProgress(t *testing.T) {
	now := time.Now()
	j := &Job{FirstProgressAt: now.Add(-10 * time.Second)}
	assert.InDelta(t, 10.0, j.ElapsedSeconds(now), 0.01)
}

func TestEstimatedRemainingSecondsUndefinedAtBoundaries(t *testing.T) {
	now := time.Now()
	j := &Job{Progress: 0, FirstProgressAt: now.Add(-5 * time.Second)}
	assert.Equal(t, -1.0, j.EstimatedRemainingSeconds(now))

	j.Progress = 1
	assert.Equal(t, -1.0, j.EstimatedRemainingSeconds(now))
}

func TestEstimatedRemainingSecondsProjectsLinearly(t *testing.T) {
	now := time.Now()
	j := &Job{Progress: 0.5, FirstProgressAt: now.Add(-10 * time.Second)}
	// elapsed=10, progress=0.5 -> remaining = 10/0.5*(1-0.5) = 10
	assert.InDelta(t, 10.0, j.EstimatedRemainingSeconds(now), 0.1)
}
