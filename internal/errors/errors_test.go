package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       *PipelineError
		class     Class
		retryable bool
	}{
		{"transient", Transient("fetch", "timeout", nil), ClassTransient, true},
		{"permanent", Permanent("fetch", "gone", nil), ClassPermanent, false},
		{"storage corrupt", StorageCorrupt("state.load", nil), ClassStorageCorrupt, false},
		{"export failure", ExportFailure("export.csv", "disk full", nil), ClassExportFailure, false},
		{"anomaly", Anomaly("list_records", "duplicate record id"), ClassAnomaly, false},
		{"fatal", Fatal("list", "listing unavailable", nil), ClassFatal, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.class, ClassOf(tt.err))
			assert.Equal(t, tt.retryable, IsTransient(tt.err))
			assert.True(t, Is(tt.err, tt.class))
		})
	}
}

func TestErrorChain(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := Transient("fetch", "network failure", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "fetch")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestClassSurvivesWrapping(t *testing.T) {
	inner := Transient("fetch", "timeout", nil).WithCategory("singles")
	outer := fmt.Errorf("walking category: %w", inner)

	assert.True(t, IsTransient(outer))
	assert.Equal(t, ClassTransient, ClassOf(outer))
}

func TestWrapPreservesClassification(t *testing.T) {
	inner := StorageCorrupt("state.load", stderrors.New("bad json"))
	wrapped := Wrap(inner, "pipeline.load", "loading state")
	assert.Equal(t, ClassStorageCorrupt, ClassOf(wrapped))

	plain := Wrap(stderrors.New("boom"), "op", "something broke")
	assert.Equal(t, ClassPermanent, ClassOf(plain))
}

func TestWithCategory(t *testing.T) {
	orig := Permanent("fetch", "gone", nil)
	err := orig.WithCategory("singles")
	assert.Equal(t, "singles", err.CategoryID)
	assert.Empty(t, orig.CategoryID, "annotation must not mutate the original")
}
