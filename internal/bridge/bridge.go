package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sopworks/playground/internal/envelope"
)

const maxLineBytes = 1 << 20 // worker output lines beyond this are truncated by the scanner

// Bridge owns the agent worker subprocess and its line-oriented
// request/response channel.
type Bridge struct {
	cfg    Config
	logger *slog.Logger

	mu              sync.Mutex
	cmd             *exec.Cmd
	stdin           io.WriteCloser
	exited          chan struct{}
	status          Status
	restartAttempts int
	lastError       error
	stopping        bool // Stop in progress; suppress restart
	restartArmed    bool // auto-restart allowed on next exit
	restartTimer    *time.Timer

	writeMu sync.Mutex // serializes stdin line writes

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest
}

// pendingRequest holds the single-assignment completion handle and the
// cancellable deadline timer for one in-flight request. An entry is
// removed on matching response or timeout, never both.
type pendingRequest struct {
	ch    chan result
	timer *time.Timer
}

type result struct {
	data json.RawMessage
	err  error
}

// New creates a Bridge. Call Start to spawn the worker.
func New(cfg Config, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	return &Bridge{
		cfg:     cfg,
		logger:  logger,
		status:  StatusStopped,
		pending: make(map[string]*pendingRequest),
	}
}

// Start spawns the worker and waits for its readiness marker. A startup
// failure leaves the bridge in StatusFailed and returns the error; it
// never schedules an automatic restart. Start also clears a permanent
// failed state left behind by an exhausted restart budget.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.status == StatusHealthy {
		b.mu.Unlock()
		return ErrAlreadyRunning
	}
	b.stopRestartTimer()
	b.restartAttempts = 0
	b.mu.Unlock()

	return b.spawn(ctx, false)
}

// Stop signals the worker to terminate, rejects every pending request,
// and force-kills if the worker ignores the signal within StopGrace.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	b.stopping = true
	b.restartArmed = false
	b.stopRestartTimer()
	cmd := b.cmd
	exited := b.exited
	b.mu.Unlock()

	b.rejectAll(ErrStopped)

	if cmd == nil || cmd.Process == nil {
		b.mu.Lock()
		b.status = StatusStopped
		b.stopping = false
		b.mu.Unlock()
		return nil
	}

	b.logger.Info("stopping worker", "pid", cmd.Process.Pid)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		cmd.Process.Kill()
	}

	select {
	case <-exited:
	case <-time.After(b.cfg.StopGrace):
		b.logger.Warn("worker ignored SIGTERM, killing", "pid", cmd.Process.Pid)
		cmd.Process.Kill()
		select {
		case <-exited:
		case <-ctx.Done():
		}
	case <-ctx.Done():
		cmd.Process.Kill()
	}

	b.mu.Lock()
	b.status = StatusStopped
	b.stopping = false
	b.mu.Unlock()

	b.logger.Info("worker stopped")
	return nil
}

// Send writes one request line to the worker and waits for the response
// bearing the same correlation id, or fails after MessageTimeout. Any
// number of requests may be in flight simultaneously.
func (b *Bridge) Send(ctx context.Context, msgType string, data json.RawMessage) (json.RawMessage, error) {
	b.mu.Lock()
	if b.status != StatusHealthy || b.stdin == nil {
		b.mu.Unlock()
		return nil, envelope.Classify(envelope.ClassService, ErrNotRunning)
	}
	stdin := b.stdin
	b.mu.Unlock()

	id := envelope.NewID()
	line, err := json.Marshal(workerRequest{
		Type:      msgType,
		ID:        id,
		Timestamp: envelope.Now(),
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal worker request: %w", err)
	}

	pr := &pendingRequest{ch: make(chan result, 1)}
	b.pendingMu.Lock()
	b.pending[id] = pr
	pr.timer = time.AfterFunc(b.cfg.MessageTimeout, func() {
		b.reject(id, envelope.Classify(envelope.ClassTimeout, ErrTimeout))
	})
	b.pendingMu.Unlock()

	b.writeMu.Lock()
	_, werr := stdin.Write(append(line, '\n'))
	b.writeMu.Unlock()
	if werr != nil {
		b.reject(id, envelope.Classify(envelope.ClassService, werr))
	}

	select {
	case res := <-pr.ch:
		return res.data, res.err
	case <-ctx.Done():
		b.reject(id, ctx.Err())
		return nil, ctx.Err()
	}
}

// IsRunning reports whether the worker is up and ready.
func (b *Bridge) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status == StatusHealthy
}

// Health returns a point-in-time snapshot of the worker.
func (b *Bridge) Health() Health {
	b.pendingMu.Lock()
	inFlight := len(b.pending)
	b.pendingMu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	h := Health{
		Status:          b.status,
		RestartAttempts: b.restartAttempts,
		InFlight:        inFlight,
	}
	if b.cmd != nil && b.cmd.Process != nil {
		h.PID = b.cmd.Process.Pid
	}
	if b.lastError != nil {
		h.LastError = b.lastError.Error()
	}
	return h
}

// spawn starts the worker process and waits for readiness. auto marks
// spawns initiated by the supervision loop: their startup windows stay
// armed for restart so a crash-looping worker burns through the bounded
// attempt budget rather than parking after one failure.
func (b *Bridge) spawn(ctx context.Context, auto bool) error {
	cmd := exec.Command(b.cfg.Command, b.cfg.Args...)
	cmd.Dir = b.cfg.Dir
	cmd.Env = append(os.Environ(), b.cfg.Env...)
	cmd.Env = append(cmd.Env,
		b.cfg.HostEnv+"="+b.cfg.Host,
		b.cfg.PortEnv+"="+strconv.Itoa(b.cfg.Port),
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return b.failSpawn(fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return b.failSpawn(fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return b.failSpawn(fmt.Errorf("stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return b.failSpawn(fmt.Errorf("start worker: %w", err))
	}

	exited := make(chan struct{})

	b.mu.Lock()
	b.cmd = cmd
	b.stdin = stdin
	b.exited = exited
	b.restartArmed = auto
	b.mu.Unlock()

	b.logger.Info("worker spawned",
		"command", b.cfg.Command,
		"pid", cmd.Process.Pid,
		"auto", auto,
	)

	ready := make(chan struct{})
	go b.readLoop(stdout, ready)
	go b.stderrLoop(stderr)
	go func() {
		err := cmd.Wait()
		b.onExit(cmd, err)
		close(exited)
	}()

	select {
	case <-ready:
		b.mu.Lock()
		if b.cmd != cmd {
			// The worker printed the marker and exited before the
			// promotion ran; onExit already recorded the failure.
			err := b.lastError
			b.mu.Unlock()
			if err == nil {
				err = ErrWorkerExited
			}
			return err
		}
		b.status = StatusHealthy
		b.restartArmed = true
		b.lastError = nil
		// The attempt counter resets only on an operator-initiated
		// Start (which clears it up front), never on an automatic
		// restart: a crash-looping worker must exhaust the bounded
		// budget instead of resetting it on every readiness marker.
		b.mu.Unlock()
		b.logger.Info("worker ready", "pid", cmd.Process.Pid)
		return nil

	case <-time.After(b.cfg.StartupTimeout):
		b.mu.Lock()
		b.status = StatusFailed
		b.lastError = ErrStartupTimeout
		b.mu.Unlock()
		b.logger.Error("worker readiness timeout",
			"pid", cmd.Process.Pid,
			"marker", b.cfg.ReadyMarker,
		)
		cmd.Process.Kill()
		return ErrStartupTimeout

	case <-ctx.Done():
		b.mu.Lock()
		b.status = StatusFailed
		b.lastError = ctx.Err()
		b.restartArmed = false
		b.mu.Unlock()
		cmd.Process.Kill()
		return ctx.Err()
	}
}

// failSpawn records a pre-exec failure.
func (b *Bridge) failSpawn(err error) error {
	b.mu.Lock()
	b.status = StatusFailed
	b.lastError = err
	b.mu.Unlock()
	return err
}

// readLoop scans worker stdout one line at a time. A line that parses as
// JSON and carries a recognized pending id is a response; every other
// line, JSON or not, is worker logging. The loop must never bring the
// bridge down on unexpected output.
func (b *Bridge) readLoop(stdout io.Reader, ready chan<- struct{}) {
	var readyOnce sync.Once

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		if strings.Contains(line, b.cfg.ReadyMarker) {
			readyOnce.Do(func() { close(ready) })
		}

		var resp workerResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil || resp.ID == "" {
			b.logger.Debug("worker output", "line", line)
			continue
		}

		if !b.resolve(resp.ID, json.RawMessage(line)) {
			// Late response for an expired id, or worker logging that
			// happens to carry an id field. Discarded either way.
			b.logger.Debug("unmatched worker response", "id", resp.ID)
		}
	}

	if err := scanner.Err(); err != nil {
		b.logger.Debug("worker stdout closed", "error", err)
	}
}

// stderrLoop relays worker stderr into the server log.
func (b *Bridge) stderrLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		b.logger.Debug("worker stderr", "line", scanner.Text())
	}
}

// onExit handles a worker exit. Intentional stops park in StatusStopped;
// a clean zero exit stays down; an unintentional non-zero exit schedules
// a restart until the attempt budget is exhausted.
func (b *Bridge) onExit(cmd *exec.Cmd, err error) {
	b.mu.Lock()
	if b.cmd != cmd {
		// A newer spawn superseded this process.
		b.mu.Unlock()
		return
	}
	b.cmd = nil
	b.stdin = nil

	intentional := b.stopping
	armed := b.restartArmed

	var restart bool
	switch {
	case intentional:
		b.status = StatusStopped

	case err == nil:
		b.status = StatusStopped
		b.lastError = ErrWorkerExited

	default:
		b.lastError = err
		b.restartAttempts++
		switch {
		case !armed:
			b.status = StatusFailed
		case b.restartAttempts > b.cfg.MaxRestartAttempts:
			b.status = StatusFailed
		default:
			b.status = StatusStopped
			restart = true
		}
	}
	attempts := b.restartAttempts
	status := b.status

	if restart {
		b.restartTimer = time.AfterFunc(b.cfg.RestartDelay, b.autoRestart)
	}
	b.mu.Unlock()

	if !intentional {
		b.rejectAll(envelope.Classify(envelope.ClassService, ErrWorkerExited))
	}

	switch {
	case intentional:
	case err == nil:
		b.logger.Info("worker exited cleanly")
	case restart:
		b.logger.Warn("worker exited, restart scheduled",
			"error", err,
			"attempt", attempts,
			"max_attempts", b.cfg.MaxRestartAttempts,
			"delay", b.cfg.RestartDelay,
		)
	case status == StatusFailed:
		b.logger.Error("worker failed permanently",
			"error", err,
			"attempts", attempts,
		)
	}
}

// autoRestart is the supervision path: respawn with the startup window
// armed so a failed startup counts against the attempt budget.
func (b *Bridge) autoRestart() {
	b.mu.Lock()
	if b.stopping || b.cmd != nil {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	if err := b.spawn(context.Background(), true); err != nil {
		b.logger.Warn("automatic restart failed", "error", err)
	}
}

// resolve completes the pending request for id. Returns false when no
// entry is tracked, which makes late responses a no-op.
func (b *Bridge) resolve(id string, data json.RawMessage) bool {
	pr, ok := b.take(id)
	if !ok {
		return false
	}
	pr.ch <- result{data: data}
	return true
}

// reject fails the pending request for id. A no-op when the entry was
// already resolved or timed out.
func (b *Bridge) reject(id string, err error) {
	if pr, ok := b.take(id); ok {
		pr.ch <- result{err: err}
	}
}

// rejectAll fails every in-flight request, used on Stop and worker exit.
func (b *Bridge) rejectAll(err error) {
	b.pendingMu.Lock()
	pending := b.pending
	b.pending = make(map[string]*pendingRequest)
	b.pendingMu.Unlock()

	for _, pr := range pending {
		pr.timer.Stop()
		pr.ch <- result{err: err}
	}
}

// take atomically removes and returns the pending entry for id. Removal
// and timer cancellation happen under one lock, so a response and a
// timeout can never both fire for the same id.
func (b *Bridge) take(id string) (*pendingRequest, bool) {
	b.pendingMu.Lock()
	pr, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
		if pr.timer != nil {
			pr.timer.Stop()
		}
	}
	b.pendingMu.Unlock()
	return pr, ok
}

// stopRestartTimer cancels a scheduled automatic restart. Caller holds b.mu.
func (b *Bridge) stopRestartTimer() {
	if b.restartTimer != nil {
		b.restartTimer.Stop()
		b.restartTimer = nil
	}
}
