package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/pcflow/pkg/instance"
	"github.com/3leaps/pcflow/pkg/stageflow"
)

var fixed = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func decodeLines(t *testing.T, buf *bytes.Buffer) []Record {
	t.Helper()
	var out []Record
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec Record
		require.NoError(t, json.Unmarshal([]byte(line), &rec), "line: %s", line)
		out = append(out, rec)
	}
	return out
}

func TestJSONLWriter_WriteInstance(t *testing.T) {
	flow, err := stageflow.PrivateLift()
	require.NoError(t, err)
	inst, err := instance.New(instance.RolePartner, flow, instance.Options{ID: "inst-1", RunID: "run-1", Now: fixed})
	require.NoError(t, err)

	var buf bytes.Buffer
	w := NewJSONLWriter(&buf).WithClock(func() time.Time { return fixed })
	require.NoError(t, w.WriteInstance(context.Background(), NewInstanceRecord(inst, flow)))

	recs := decodeLines(t, &buf)
	require.Len(t, recs, 1)
	assert.Equal(t, TypeInstance, recs[0].Type)
	assert.Equal(t, "inst-1", recs[0].InstanceID)
	assert.True(t, fixed.Equal(recs[0].TS))

	var data InstanceRecord
	require.NoError(t, json.Unmarshal(recs[0].Data, &data))
	assert.Equal(t, stageflow.CreationInitialized, data.Status)
	assert.Equal(t, stageflow.StageCreated, data.Stage)
	assert.Equal(t, stageflow.PhaseInitialized, data.Phase)
	assert.Equal(t, "run-1", data.RunID)
}

func TestNewInstanceRecord_UnknownFlow(t *testing.T) {
	inst := &instance.Instance{ID: "x", Flow: "custom", Status: "SOMETHING"}
	rec := NewInstanceRecord(inst, nil)
	assert.Equal(t, "x", rec.ID)
	assert.Empty(t, rec.Stage)
}

func TestNewFlowRecord(t *testing.T) {
	flow, err := stageflow.MRPIDPCF2Lift()
	require.NoError(t, err)

	rec := NewFlowRecord(flow)
	assert.Equal(t, stageflow.FlowMRPIDPCF2Lift, rec.Name)
	require.Len(t, rec.Stages, len(flow.Stages()))
	assert.Equal(t, stageflow.StageCreated, rec.Stages[0].Name)

	var lift FlowStageRecord
	for _, s := range rec.Stages {
		if s.Name == stageflow.StagePCF2Lift {
			lift = s
		}
	}
	assert.True(t, lift.Joint)
	assert.Equal(t, "12h0m0s", lift.Timeout)
}

func TestJSONLWriter_TransitionAndError(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)
	ctx := context.Background()

	require.NoError(t, w.WriteTransition(ctx, "inst-1", &TransitionRecord{
		Stage: stageflow.StagePreValidation,
		From:  stageflow.PreValidationStarted,
		To:    stageflow.PreValidationFailed,
		Link:  "https://console/link",
	}))
	require.NoError(t, w.WriteError(ctx, "inst-1", &ErrorRecord{Code: ErrCodeLocked, Message: "locked"}))

	recs := decodeLines(t, &buf)
	require.Len(t, recs, 2)
	assert.Equal(t, TypeTransition, recs[0].Type)
	assert.Equal(t, TypeError, recs[1].Type)

	var tr TransitionRecord
	require.NoError(t, json.Unmarshal(recs[0].Data, &tr))
	assert.Equal(t, stageflow.PreValidationFailed, tr.To)
	assert.Equal(t, "https://console/link", tr.Link)
	assert.NotContains(t, string(recs[0].Data), "message")
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)
	require.NoError(t, w.Close())

	err := w.WriteError(context.Background(), "", &ErrorRecord{Code: ErrCodeInternal})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)

	const numWriters = 10
	const writesPerWriter = 50

	var wg sync.WaitGroup
	wg.Add(numWriters)
	for i := 0; i < numWriters; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				_ = w.WriteTransition(context.Background(), "inst", &TransitionRecord{Stage: "RESHARD"})
			}
		}()
	}
	wg.Wait()

	assert.Len(t, decodeLines(t, &buf), numWriters*writesPerWriter)
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteError(ctx, "", &ErrorRecord{Code: ErrCodeInternal})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

// failingWriter is an io.Writer that always returns an error.
type failingWriter struct{ err error }

func (f *failingWriter) Write([]byte) (int, error) { return 0, f.err }

// shortWriteWriter writes at most bytesPerWrite bytes per call.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (int, error) {
	return sw.buf.Write(p[:min(len(p), sw.bytesPerWrite)])
}

// zeroWriteWriter always returns 0 bytes written with nil error.
type zeroWriteWriter struct{}

func (zeroWriteWriter) Write([]byte) (int, error) { return 0, nil }

func TestJSONLWriter_WriteFailures(t *testing.T) {
	ctx := context.Background()
	rec := &ErrorRecord{Code: ErrCodeInternal, Message: "boom"}

	err := NewJSONLWriter(&failingWriter{err: errors.New("disk full")}).WriteError(ctx, "", rec)
	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)

	err = NewJSONLWriter(zeroWriteWriter{}).WriteError(ctx, "", rec)
	assert.ErrorIs(t, err, io.ErrShortWrite)

	sw := &shortWriteWriter{bytesPerWrite: 7}
	require.NoError(t, NewJSONLWriter(sw).WriteError(ctx, "", rec))
	recs := decodeLines(t, &sw.buf)
	require.Len(t, recs, 1)
	assert.Equal(t, TypeError, recs[0].Type)
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}
