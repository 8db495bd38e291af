package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/pcflow/pkg/backend"
	"github.com/3leaps/pcflow/pkg/instance"
)

const backendName = "local"

// Environment variables set on every job.
const (
	EnvBinaryVersion = "PCFLOW_BINARY_VERSION"
	EnvJobTimeout    = "PCFLOW_JOB_TIMEOUT_SECONDS"
	EnvExitCodeFile  = "PCFLOW_EXIT_CODE_FILE"
)

// exitRecorder runs the worker and leaves its exit status next to job.json,
// so any later process can tell success from failure after this one is gone.
const exitRecorder = `"$0" "$@"
code=$?
printf '%d\n' "$code" > "$` + EnvExitCodeFile + `.tmp" && mv "$` + EnvExitCodeFile + `.tmp" "$` + EnvExitCodeFile + `"
exit "$code"`

// Config configures the local backend.
type Config struct {
	// Root is the directory holding job records and logs (required).
	Root string

	// RepositoryPath resolves relative binary names. Empty means $PATH lookup.
	RepositoryPath string

	// Logger receives job lifecycle events. Nil means no logging.
	Logger *zap.Logger
}

// Backend runs jobs as child processes.
type Backend struct {
	store  *Store
	repo   string
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]*exec.Cmd
	done   map[string]chan struct{}
}

var _ backend.Backend = (*Backend)(nil)

// New creates a local backend rooted at cfg.Root.
func New(cfg Config) (*Backend, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("local backend root dir is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := NewStore(cfg.Root)
	if err := store.ensureRoot(); err != nil {
		return nil, fmt.Errorf("create local backend root: %w", err)
	}
	return &Backend{
		store:  store,
		repo:   strings.TrimSpace(cfg.RepositoryPath),
		logger: logger,
		active: make(map[string]*exec.Cmd),
		done:   make(map[string]chan struct{}),
	}, nil
}

// Store exposes the job record store.
func (b *Backend) Store() *Store { return b.store }

// Name returns "local".
func (b *Backend) Name() string { return backendName }

// Cluster returns "local".
func (b *Backend) Cluster() string { return backendName }

func (b *Backend) StdoutPath(jobID string) string {
	return filepath.Join(b.store.JobDir(jobID), "stdout.log")
}

func (b *Backend) StderrPath(jobID string) string {
	return filepath.Join(b.store.JobDir(jobID), "stderr.log")
}

// Submit spawns one child process per argument list. Processes are running
// when Submit returns, so WaitForStartup needs no extra work.
func (b *Backend) Submit(ctx context.Context, spec backend.JobSpec) ([]instance.JobHandle, error) {
	if err := spec.Validate(); err != nil {
		return nil, &backend.Error{Op: "Submit", Backend: backendName, Err: err}
	}

	exe, err := b.resolveBinary(spec.Binary)
	if err != nil {
		return nil, &backend.Error{Op: "Submit", Backend: backendName, Err: err}
	}

	handles := make([]instance.JobHandle, 0, len(spec.Args))
	for _, args := range spec.Args {
		if err := ctx.Err(); err != nil {
			return handles, &backend.Error{Op: "Submit", Backend: backendName, Err: err}
		}
		rec, err := b.start(exe, spec, args)
		if err != nil {
			return handles, &backend.Error{Op: "Submit", Backend: backendName, Err: err}
		}
		handles = append(handles, rec.Handle())
	}
	return handles, nil
}

func (b *Backend) resolveBinary(binary string) (string, error) {
	if filepath.IsAbs(binary) {
		return binary, nil
	}
	if b.repo != "" {
		return filepath.Join(b.repo, binary), nil
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return "", fmt.Errorf("resolve binary %q: %w", binary, err)
	}
	return path, nil
}

func (b *Backend) start(exe string, spec backend.JobSpec, args []string) (*JobRecord, error) {
	jobID := uuid.New().String()
	jobDir := b.store.JobDir(jobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}

	stdoutFile, err := os.Create(b.StdoutPath(jobID))
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	defer func() { _ = stdoutFile.Close() }()
	stderrFile, err := os.Create(b.StderrPath(jobID))
	if err != nil {
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	defer func() { _ = stderrFile.Close() }()

	cmd := exec.Command("/bin/sh", append([]string{"-c", exitRecorder, exe}, args...)...)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = append(jobEnvironment(spec), EnvExitCodeFile+"="+b.store.ExitCodePath(jobID))
	setProcessGroup(cmd)

	now := time.Now().UTC()
	rec := &JobRecord{
		JobID:      jobID,
		Status:     instance.JobPending,
		Binary:     spec.Binary,
		Version:    spec.Version,
		Args:       args,
		Timeout:    spec.Timeout,
		CreatedAt:  now,
		StdoutPath: b.StdoutPath(jobID),
		StderrPath: b.StderrPath(jobID),
	}

	err = checkExecutable(exe)
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		// The job exists but never ran; record it so Status reports failed.
		rec.Status = instance.JobFailed
		rec.Reason = err.Error()
		rec.EndedAt = &now
		_ = b.store.Write(rec)
		b.logger.Warn("local job failed to start", zap.String("job_id", jobID), zap.Error(err))
		return rec, nil
	}

	started := time.Now().UTC()
	rec.Status = instance.JobRunning
	rec.PID = cmd.Process.Pid
	rec.StartedAt = &started
	if err := b.store.Write(rec); err != nil {
		_ = killProcess(cmd.Process.Pid)
		_ = cmd.Wait()
		return nil, err
	}

	done := make(chan struct{})
	b.mu.Lock()
	b.active[jobID] = cmd
	b.done[jobID] = done
	b.mu.Unlock()

	b.logger.Debug("local job started",
		zap.String("job_id", jobID),
		zap.String("binary", spec.Binary),
		zap.Int("pid", rec.PID),
	)

	go b.wait(cmd, *rec, done)
	return rec, nil
}

// wait reaps the process and records its result.
func (b *Backend) wait(cmd *exec.Cmd, rec JobRecord, done chan struct{}) {
	defer close(done)

	var timer *time.Timer
	timedOut := make(chan struct{})
	if rec.Timeout > 0 {
		timer = time.AfterFunc(rec.Timeout, func() {
			close(timedOut)
			_ = killProcess(cmd.Process.Pid)
		})
	}

	err := cmd.Wait()
	if timer != nil {
		timer.Stop()
	}

	ended := time.Now().UTC()
	rec.EndedAt = &ended
	code := cmd.ProcessState.ExitCode()
	rec.ExitCode = &code

	b.mu.Lock()
	_, stillActive := b.active[rec.JobID]
	delete(b.active, rec.JobID)
	b.mu.Unlock()

	select {
	case <-timedOut:
		rec.Status = instance.JobFailed
		rec.Reason = fmt.Sprintf("timed out after %s", rec.Timeout)
	default:
		switch {
		case !stillActive:
			rec.Status = instance.JobFailed
			rec.Reason = "stopped"
		case err == nil:
			rec.Status = instance.JobCompleted
		default:
			rec.Status = instance.JobFailed
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				rec.Reason = exitErr.Error()
			} else {
				rec.Reason = err.Error()
			}
		}
	}

	if werr := b.store.Write(&rec); werr != nil {
		b.logger.Error("failed to record local job result", zap.String("job_id", rec.JobID), zap.Error(werr))
	}
	b.logger.Debug("local job finished",
		zap.String("job_id", rec.JobID),
		zap.String("status", string(rec.Status)),
		zap.Int("exit_code", code),
	)

	b.mu.Lock()
	delete(b.done, rec.JobID)
	b.mu.Unlock()
}

// Status returns the recorded status of a job.
func (b *Backend) Status(ctx context.Context, jobID string) (instance.JobHandle, error) {
	if err := ctx.Err(); err != nil {
		return instance.JobHandle{}, &backend.Error{Op: "Status", Backend: backendName, JobID: jobID, Err: err}
	}

	// Jobs this process is still reaping must not be mistaken for dead ones.
	b.mu.Lock()
	_, reaping := b.done[jobID]
	b.mu.Unlock()

	rec, err := b.store.read(jobID, !reaping)
	if err != nil {
		return instance.JobHandle{}, &backend.Error{Op: "Status", Backend: backendName, JobID: jobID, Err: err}
	}
	return rec.Handle(), nil
}

// Stop kills a running job. Finished jobs are left alone.
func (b *Backend) Stop(ctx context.Context, jobID string) error {
	b.mu.Lock()
	cmd, ok := b.active[jobID]
	if ok {
		delete(b.active, jobID)
	}
	done := b.done[jobID]
	b.mu.Unlock()

	if ok {
		if err := killProcess(cmd.Process.Pid); err != nil && !errors.Is(err, os.ErrProcessDone) && !errors.Is(err, syscall.ESRCH) {
			return &backend.Error{Op: "Stop", Backend: backendName, JobID: jobID, Err: err}
		}
		select {
		case <-done:
		case <-ctx.Done():
			return &backend.Error{Op: "Stop", Backend: backendName, JobID: jobID, Err: ctx.Err()}
		}
		return nil
	}

	rec, err := b.store.Get(jobID)
	if err != nil {
		return &backend.Error{Op: "Stop", Backend: backendName, JobID: jobID, Err: err}
	}
	if rec.Status.Terminal() {
		return nil
	}

	// Started by an earlier orchestrator process.
	if rec.PID > 0 {
		_ = killProcess(rec.PID)
	}
	ended := time.Now().UTC()
	rec.Status = instance.JobFailed
	rec.Reason = "stopped"
	rec.EndedAt = &ended
	if err := b.store.Write(rec); err != nil {
		return &backend.Error{Op: "Stop", Backend: backendName, JobID: jobID, Err: err}
	}
	return nil
}

// Wait blocks until every job started by this backend has been reaped.
func (b *Backend) Wait(ctx context.Context) error {
	for {
		b.mu.Lock()
		var pending chan struct{}
		for _, ch := range b.done {
			pending = ch
			break
		}
		b.mu.Unlock()
		if pending == nil {
			return nil
		}
		select {
		case <-pending:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s is not an executable file", path)
	}
	return nil
}

func jobEnvironment(spec backend.JobSpec) []string {
	env := os.Environ()
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	if spec.Version != "" {
		env = append(env, EnvBinaryVersion+"="+spec.Version)
	}
	if spec.Timeout > 0 {
		env = append(env, EnvJobTimeout+"="+strconv.Itoa(int(spec.Timeout.Seconds())))
	}
	return env
}
