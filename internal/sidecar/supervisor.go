package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"

	"github.com/daymonio/daymon-sub001/internal/events"
)

const (
	defaultHealthInterval   = 30 * time.Second
	defaultHealthTimeout    = 5 * time.Second
	defaultFailureThreshold = 3
	defaultLaunchTimeout    = 8 * time.Second
	defaultPortPoll         = 200 * time.Millisecond
	defaultRequestTimeout   = 10 * time.Second
	defaultReconnectDelay   = 2 * time.Second

	maxResponseBytes = 4 << 20
)

var (
	// ErrStopped is returned by Launch once shutdown has begun.
	ErrStopped = errors.New("sidecar supervisor stopped")
	// ErrLaunchTimeout is returned when the worker never publishes its port.
	ErrLaunchTimeout = errors.New("sidecar did not publish its port in time")
)

// State is the supervisor lifecycle state.
type State int

const (
	StateNotLaunched State = iota
	StateLaunching
	StateReady
	StateRestarting
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotLaunched:
		return "not_launched"
	case StateLaunching:
		return "launching"
	case StateReady:
		return "ready"
	case StateRestarting:
		return "restarting"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SpawnFunc starts a worker process and returns its pid. The worker announces
// readiness by writing the handshake files.
type SpawnFunc func(ctx context.Context) (int, error)

// EventHandler receives task events streamed from the worker.
type EventHandler func(eventType string, ev events.TaskEvent)

// Config controls how the worker is launched and watched.
type Config struct {
	StateDir string
	// Binary defaults to the running executable.
	Binary string
	Args   []string
	Env    []string
	// LogFile receives the worker's stdout and stderr when set.
	LogFile string
	// Token is sent as a bearer token on every call except /health.
	Token string

	HealthInterval   time.Duration
	HealthTimeout    time.Duration
	FailureThreshold int
	LaunchTimeout    time.Duration
	PortPollInterval time.Duration
	RequestTimeout   time.Duration
	ReconnectDelay   time.Duration
}

func (c *Config) applyDefaults() {
	if c.HealthInterval <= 0 {
		c.HealthInterval = defaultHealthInterval
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = defaultHealthTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = defaultLaunchTimeout
	}
	if c.PortPollInterval <= 0 {
		c.PortPollInterval = defaultPortPoll
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithSpawn(fn SpawnFunc) Option {
	return func(s *Supervisor) {
		if fn != nil {
			s.spawn = fn
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *Supervisor) {
		if c != nil {
			s.client = c
		}
	}
}

func WithEventHandler(h EventHandler) Option {
	return func(s *Supervisor) { s.onEvent = h }
}

// WithStateHook registers fn to observe transitions. fn runs with the
// supervisor lock held and must not call back into the supervisor.
func WithStateHook(fn func(from, to State)) Option {
	return func(s *Supervisor) { s.onState = fn }
}

// Supervisor keeps a detached worker process alive and reachable over its
// loopback HTTP interface.
type Supervisor struct {
	cfg       Config
	logger    *slog.Logger
	clock     clock.Clock
	client    *http.Client
	spawn     SpawnFunc
	terminate func(pid int) error
	onEvent   EventHandler
	onState   func(from, to State)

	life       context.Context
	lifeCancel context.CancelFunc

	mu       sync.Mutex
	state    State
	port     int
	pid      int
	failures int
	cancel   context.CancelFunc
}

// New returns a supervisor in the NotLaunched state.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Supervisor {
	cfg.applyDefaults()
	life, lifeCancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:        cfg,
		logger:     logger,
		clock:      clock.New(),
		client:     &http.Client{},
		terminate:  terminate,
		life:       life,
		lifeCancel: lifeCancel,
	}
	s.spawn = s.spawnProcess
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Port returns the worker port, or 0 when none is known.
func (s *Supervisor) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Launch adopts a live worker advertised by the handshake files or spawns a
// new one, then starts health checks and the event subscription.
func (s *Supervisor) Launch(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateReady, StateLaunching:
		s.mu.Unlock()
		return nil
	case StateShuttingDown, StateStopped:
		s.mu.Unlock()
		return ErrStopped
	}
	s.setStateLocked(StateLaunching)
	s.mu.Unlock()

	hs, err := s.adoptOrSpawn(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateLaunching {
		return ErrStopped
	}
	if err != nil {
		s.setStateLocked(StateNotLaunched)
		return err
	}
	s.port, s.pid, s.failures = hs.Port, hs.PID, 0
	loopCtx, cancel := context.WithCancel(s.life)
	s.cancel = cancel
	s.setStateLocked(StateReady)
	s.logger.Info("sidecar ready", "port", hs.Port, "pid", hs.PID)

	go s.healthLoop(loopCtx)
	go s.eventLoop(loopCtx)
	return nil
}

func (s *Supervisor) adoptOrSpawn(ctx context.Context) (Handshake, error) {
	hs, err := ReadHandshake(s.cfg.StateDir)
	switch {
	case err == nil:
		if ProcessAlive(hs.PID) && s.probe(ctx, hs.Port) {
			s.logger.Info("adopting running sidecar", "port", hs.Port, "pid", hs.PID)
			return hs, nil
		}
		s.logger.Info("removing stale sidecar handshake", "port", hs.Port, "pid", hs.PID)
		if err := RemoveHandshake(s.cfg.StateDir); err != nil {
			s.logger.Warn("remove stale handshake", "err", err)
		}
	case !errors.Is(err, ErrNoHandshake):
		s.logger.Warn("unreadable sidecar handshake, replacing", "err", err)
		if err := RemoveHandshake(s.cfg.StateDir); err != nil {
			s.logger.Warn("remove stale handshake", "err", err)
		}
	}

	pid, err := s.spawn(ctx)
	if err != nil {
		return Handshake{}, fmt.Errorf("spawn sidecar: %w", err)
	}
	s.logger.Info("sidecar spawned", "pid", pid)
	hs, err = s.waitForPort(ctx)
	if err != nil {
		return Handshake{}, err
	}
	return hs, nil
}

func (s *Supervisor) waitForPort(ctx context.Context) (Handshake, error) {
	deadline := s.clock.After(s.cfg.LaunchTimeout)
	ticker := s.clock.Ticker(s.cfg.PortPollInterval)
	defer ticker.Stop()

	var (
		wake <-chan fsnotify.Event
		errs <-chan error
	)
	if w, err := fsnotify.NewWatcher(); err == nil {
		defer w.Close()
		if err := w.Add(s.cfg.StateDir); err == nil {
			wake, errs = w.Events, w.Errors
		} else {
			s.logger.Debug("watch state dir", "err", err)
		}
	}

	for {
		if hs, err := ReadHandshake(s.cfg.StateDir); err == nil {
			return hs, nil
		}
		select {
		case <-ctx.Done():
			return Handshake{}, ctx.Err()
		case <-deadline:
			return Handshake{}, ErrLaunchTimeout
		case <-ticker.C:
		case <-wake:
		case <-errs:
		}
	}
}

func (s *Supervisor) spawnProcess(ctx context.Context) (int, error) {
	binary := s.cfg.Binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return 0, fmt.Errorf("resolve executable: %w", err)
		}
		binary = exe
	}
	// Not bound to ctx: the worker outlives the host.
	cmd := exec.Command(binary, s.cfg.Args...)
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.SysProcAttr = detachAttr()
	if s.cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(s.cfg.LogFile), 0o755); err != nil {
			return 0, fmt.Errorf("ensure log dir: %w", err)
		}
		f, err := os.OpenFile(s.cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("open sidecar log: %w", err)
		}
		defer f.Close()
		cmd.Stdout = f
		cmd.Stderr = f
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start worker: %w", err)
	}
	go func() { _ = cmd.Wait() }()
	return cmd.Process.Pid, nil
}

// Request proxies an HTTP call to the worker and returns the response body.
// It returns nil when no port is known or on any transport failure.
func (s *Supervisor) Request(ctx context.Context, method, path string, body []byte) []byte {
	port := s.Port()
	if port == 0 {
		return nil
	}
	return s.do(ctx, port, method, path, body)
}

func (s *Supervisor) do(ctx context.Context, port int, method, path string, body []byte) []byte {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, workerURL(port, path), rdr)
	if err != nil {
		s.logger.Debug("build sidecar request", "path", path, "err", err)
		return nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	s.authorize(req)
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug("sidecar request failed", "method", method, "path", path, "err", err)
		return nil
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		s.logger.Debug("read sidecar response", "path", path, "err", err)
		return nil
	}
	return data
}

// CheckHealth performs one health probe. Consecutive failures reaching the
// threshold move a Ready supervisor to Restarting and relaunch the worker.
func (s *Supervisor) CheckHealth(ctx context.Context) bool {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return false
	}
	port := s.port
	s.mu.Unlock()

	ok := s.probe(ctx, port)

	s.mu.Lock()
	if s.state != StateReady || s.port != port {
		s.mu.Unlock()
		return ok
	}
	if ok {
		s.failures = 0
		s.mu.Unlock()
		return true
	}
	s.failures++
	failures := s.failures
	trip := failures >= s.cfg.FailureThreshold
	s.mu.Unlock()

	s.logger.Warn("sidecar health check failed", "port", port, "failures", failures)
	if trip {
		s.restart()
	}
	return false
}

func (s *Supervisor) probe(ctx context.Context, port int) bool {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HealthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, workerURL(port, "/health"), nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	return resp.StatusCode == http.StatusOK
}

func (s *Supervisor) restart() {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateRestarting)
	pid := s.pid
	s.port, s.pid, s.failures = 0, 0, 0
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.logger.Warn("sidecar unhealthy, restarting", "pid", pid)
	// A hung worker keeps its scheduler running; stop it before a replacement
	// starts firing the same jobs.
	if pid > 0 && ProcessAlive(pid) {
		if err := s.terminate(pid); err != nil {
			s.logger.Warn("signal unhealthy sidecar", "pid", pid, "err", err)
		}
	}
	s.relaunch()
}

// relaunch retries Launch every health interval until it succeeds or the
// supervisor shuts down.
func (s *Supervisor) relaunch() {
	for {
		err := s.Launch(s.life)
		if err == nil || errors.Is(err, ErrStopped) || s.life.Err() != nil {
			return
		}
		s.logger.Error("relaunch sidecar", "err", err)
		select {
		case <-s.life.Done():
			return
		case <-s.clock.After(s.cfg.HealthInterval):
		}
	}
}

func (s *Supervisor) healthLoop(ctx context.Context) {
	ticker := s.clock.Ticker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckHealth(ctx)
		}
	}
}

func (s *Supervisor) eventLoop(ctx context.Context) {
	for {
		if err := s.streamEvents(ctx); err != nil && ctx.Err() == nil {
			s.logger.Debug("sidecar event stream ended", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.cfg.ReconnectDelay):
		}
	}
}

func (s *Supervisor) streamEvents(ctx context.Context) error {
	port := s.Port()
	if port == 0 {
		return errors.New("no sidecar port")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, workerURL(port, "/events"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	s.authorize(req)
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("events stream: unexpected status %d", resp.StatusCode)
	}
	return events.ReadFrames(resp.Body, s.dispatch)
}

func (s *Supervisor) dispatch(f events.Frame) {
	if f.Event != events.TaskComplete && f.Event != events.TaskFailed {
		return
	}
	var ev events.TaskEvent
	if err := json.Unmarshal(f.Data, &ev); err != nil {
		s.logger.Warn("decode sidecar event", "event", f.Event, "err", err)
		return
	}
	if s.onEvent != nil {
		s.onEvent(f.Event, ev)
	}
}

// Shutdown asks the worker to exit over HTTP and then signals the pid from
// the handshake file regardless of the outcome. Local state is always cleared.
func (s *Supervisor) Shutdown(ctx context.Context) {
	port, pid := s.beginShutdown()
	if port != 0 {
		if s.do(ctx, port, http.MethodPost, "/shutdown", nil) == nil {
			s.logger.Warn("graceful sidecar shutdown request failed")
		}
	}
	s.signalWorker(pid)
	s.finishShutdown()
}

// ShutdownSync signals the worker without any network round-trip.
func (s *Supervisor) ShutdownSync() {
	_, pid := s.beginShutdown()
	s.signalWorker(pid)
	s.finishShutdown()
}

func (s *Supervisor) beginShutdown() (port, pid int) {
	s.mu.Lock()
	s.setStateLocked(StateShuttingDown)
	port, pid = s.port, s.pid
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	s.lifeCancel()
	if cancel != nil {
		cancel()
	}
	return port, pid
}

func (s *Supervisor) signalWorker(known int) {
	pid, err := readInt(filepath.Join(s.cfg.StateDir, PIDFile))
	if err != nil {
		pid = known
	}
	if pid <= 0 || !ProcessAlive(pid) {
		return
	}
	if err := s.terminate(pid); err != nil {
		s.logger.Warn("signal sidecar", "pid", pid, "err", err)
		return
	}
	s.logger.Info("sidecar signalled", "pid", pid)
}

func (s *Supervisor) finishShutdown() {
	if err := RemoveHandshake(s.cfg.StateDir); err != nil {
		s.logger.Warn("remove handshake", "err", err)
	}
	s.mu.Lock()
	s.port, s.pid, s.failures = 0, 0, 0
	s.setStateLocked(StateStopped)
	s.mu.Unlock()
}

func (s *Supervisor) setStateLocked(next State) {
	prev := s.state
	if prev == next {
		return
	}
	s.state = next
	s.logger.Debug("sidecar state", "from", prev, "to", next)
	if s.onState != nil {
		s.onState(prev, next)
	}
}

func (s *Supervisor) authorize(req *http.Request) {
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
}

func workerURL(port int, path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
}
