package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer outputs JSONL records.
//
// Implementations must be safe for concurrent use. Each Write* method emits
// a complete record as a single line of JSON followed by a newline.
type Writer interface {
	WriteInstance(ctx context.Context, rec *InstanceRecord) error
	WriteTransition(ctx context.Context, instanceID string, rec *TransitionRecord) error
	WriteFlow(ctx context.Context, rec *FlowRecord) error
	WriteError(ctx context.Context, instanceID string, rec *ErrorRecord) error

	// Close marks the writer closed. The underlying io.Writer is not closed.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
// Writes are serialized so lines never interleave.
type JSONLWriter struct {
	w   io.Writer
	now func() time.Time
	mu  sync.Mutex

	closed bool
}

// NewJSONLWriter creates a new JSONL writer.
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	return &JSONLWriter{w: w, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the envelope timestamp source.
func (jw *JSONLWriter) WithClock(now func() time.Time) *JSONLWriter {
	jw.now = now
	return jw
}

func (jw *JSONLWriter) WriteInstance(ctx context.Context, rec *InstanceRecord) error {
	return jw.writeRecord(ctx, TypeInstance, rec.ID, rec)
}

func (jw *JSONLWriter) WriteTransition(ctx context.Context, instanceID string, rec *TransitionRecord) error {
	return jw.writeRecord(ctx, TypeTransition, instanceID, rec)
}

func (jw *JSONLWriter) WriteFlow(ctx context.Context, rec *FlowRecord) error {
	return jw.writeRecord(ctx, TypeFlow, "", rec)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, instanceID string, rec *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, instanceID, rec)
}

// Close marks the writer as closed.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType, instanceID string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}

	recordBytes, err := json.Marshal(Record{
		Type:       recordType,
		TS:         jw.now(),
		InstanceID: instanceID,
		Data:       dataBytes,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may report a short write with a nil error; a truncated line
	// would corrupt the stream.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

// writeAll writes all bytes to w, handling short writes.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
