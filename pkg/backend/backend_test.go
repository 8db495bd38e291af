package backend

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    JobSpec
		wantErr bool
	}{
		{name: "valid", spec: JobSpec{Binary: "bin", Args: [][]string{{"--a"}}}},
		{name: "missing binary", spec: JobSpec{Args: [][]string{{"--a"}}}, wantErr: true},
		{name: "no jobs", spec: JobSpec{Binary: "bin"}, wantErr: true},
		{name: "negative timeout", spec: JobSpec{Binary: "bin", Args: [][]string{{}}, Timeout: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSpec)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestErrorClassification(t *testing.T) {
	err := &Error{Op: "Status", Backend: "ecs", JobID: "task-1", Err: ErrUnavailable}
	wrapped := fmt.Errorf("inspect: %w", err)

	assert.True(t, IsUnavailable(wrapped))
	assert.False(t, IsJobNotFound(wrapped))
	assert.Equal(t, "ecs Status: task-1: job backend unavailable", err.Error())

	var be *Error
	assert.True(t, errors.As(wrapped, &be))
	assert.Equal(t, "task-1", be.JobID)

	nf := &Error{Op: "Status", Backend: "local", Err: ErrJobNotFound}
	assert.True(t, IsJobNotFound(nf))
	assert.Equal(t, "local Status: job not found", nf.Error())
}
