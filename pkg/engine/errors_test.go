package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineError_Is(t *testing.T) {
	err := newInvalidTarget("proj/zone/disk", "bad target")
	wrapped := fmt.Errorf("building plan: %w", err)

	assert.True(t, errors.Is(wrapped, ErrInvalidTarget))
	assert.False(t, errors.Is(wrapped, ErrCyclicDependency))
	assert.Equal(t, ErrorClassPermanent, ClassOf(wrapped))
}

func TestEngineError_Error(t *testing.T) {
	cause := errors.New("503 backend error")
	err := NewTransientError("submit failed", cause).WithResource("p/z/d").WithOperation("submit")

	assert.Equal(t, "[transient] submit failed (resource=p/z/d, operation=submit): 503 backend error", err.Error())
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.Equal(t, "[permanent] nope", NewPermanentError("nope", nil).Error())
}

func TestErrorPredicates(t *testing.T) {
	assert.True(t, IsTransient(NewTransientError("x", nil)))
	assert.True(t, IsThrottled(NewThrottledError("x", nil)))
	assert.True(t, IsPermanent(NewPermanentError("x", nil)))
	assert.True(t, IsRetryable(NewUnknownError("x", nil)))
	assert.True(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(NewPermanentError("x", nil)))
	assert.False(t, IsRetryable(nil))
	assert.Equal(t, ErrorClassUnknown, ClassOf(errors.New("plain")))
}

func TestSummarize(t *testing.T) {
	assert.Nil(t, summarize(nil, 1))

	se := summarize(NewThrottledError("quota", nil).WithCode(ErrCodeRateLimited), 3)
	require.NotNil(t, se)
	assert.Equal(t, ErrorClassThrottled, se.Class)
	assert.Equal(t, ErrCodeRateLimited, se.Code)
	assert.Equal(t, 3, se.Attempts)
	assert.Contains(t, se.Error(), "RATE_LIMITED: ")
}

func TestStepState_Transitions(t *testing.T) {
	allowed := map[StepState][]StepState{
		StepPending:   {StepSubmitted, StepBlocked, StepCancelled},
		StepSubmitted: {StepPolling, StepFailed},
		StepPolling:   {StepSucceeded, StepFailed, StepCancelled},
		StepFailed:    {StepRetrying, StepFailedPermanently, StepCancelled},
		StepRetrying:  {StepSubmitted, StepCancelled},
	}
	all := []StepState{StepPending, StepSubmitted, StepPolling, StepSucceeded, StepFailed,
		StepRetrying, StepFailedPermanently, StepBlocked, StepCancelled}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransition(to), "%s -> %s", from, to)
		}
		if from.IsTerminal() {
			assert.Empty(t, allowed[from], "terminal state %s has transitions", from)
		}
	}
}

func TestStepState_JSON(t *testing.T) {
	data, err := json.Marshal(StepFailedPermanently)
	require.NoError(t, err)
	assert.Equal(t, `"failed_permanently"`, string(data))

	var s StepState
	require.NoError(t, json.Unmarshal([]byte(`"blocked"`), &s))
	assert.Equal(t, StepBlocked, s)
	assert.Error(t, json.Unmarshal([]byte(`"exploded"`), &s))
}

func TestResourceKind_SnapshotType(t *testing.T) {
	assert.Equal(t, SnapshotDisk, KindDisk.SnapshotType())
	assert.Equal(t, SnapshotMachineImage, KindInstance.SnapshotType())
	assert.Equal(t, SnapshotClusterBackup, KindCluster.SnapshotType())
	assert.Error(t, ResourceKind("bucket").Validate())
}
