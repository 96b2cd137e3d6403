package xray

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"nefrit/internal/metrics"
)

// ErrNotRunning is returned by Stop when no process is supervised.
var ErrNotRunning = errors.New("xray is not running")

// ClientSource returns the VLESS client ids the next config should contain.
type ClientSource func(ctx context.Context) ([]string, error)

// SnapshotFunc receives every config written to disk.
type SnapshotFunc func(ctx context.Context, data []byte)

// Options configures a Supervisor.
type Options struct {
	Binary      string
	ConfigPath  string
	LogFile     string
	Inbound     InboundSpec
	Clients     ClientSource
	Snapshot    SnapshotFunc
	StopTimeout time.Duration
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Supervisor owns the local Xray process: it regenerates the config,
// restarts the process under a lock and revives it when it dies.
type Supervisor struct {
	opts   Options
	log    *zap.Logger
	output io.WriteCloser

	mu      sync.Mutex // serializes Start/Stop/Restart
	cmd     *exec.Cmd
	done    chan struct{}
	stopped bool

	stateMu sync.RWMutex
	clients int
}

// NewSupervisor creates a supervisor. Xray output goes to a rotated log file
// when LogFile is set and is discarded otherwise.
func NewSupervisor(opts Options) *Supervisor {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Supervisor{
		opts: opts,
		log:  opts.Logger.With(zap.String("component", "xray")),
	}
	if opts.LogFile != "" {
		s.output = &lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     7, // days
		}
	}
	return s
}

// Start writes a fresh config and launches Xray.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = false
	if err := s.regenerate(ctx); err != nil {
		return err
	}
	return s.start()
}

// Restart stops the running process, regenerates the config and starts
// Xray again. Concurrent restarts are serialized.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		s.log.Warn("stop before restart failed", zap.Error(err))
	}
	if err := s.regenerate(ctx); err != nil {
		return err
	}
	return s.start()
}

// Stop terminates Xray and disables revival by Watch.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	err := s.stop()
	if s.output != nil {
		_ = s.output.Close()
	}
	return err
}

// Running reports whether the Xray process is alive.
func (s *Supervisor) Running() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// PID returns the pid of the running process or 0.
func (s *Supervisor) PID() int {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Clients returns the number of clients in the last written config.
func (s *Supervisor) Clients() int {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.clients
}

// Watch checks the process every interval and restarts it if it died.
// It returns when ctx is done.
func (s *Supervisor) Watch(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.check(ctx)
		}
	}
}

func (s *Supervisor) check(ctx context.Context) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()

	running := s.Running()
	if s.opts.Metrics != nil {
		if running {
			s.opts.Metrics.XrayRunning.Set(1)
		} else {
			s.opts.Metrics.XrayRunning.Set(0)
		}
	}
	if running || stopped {
		return
	}
	s.log.Warn("xray process died, restarting")
	if err := s.Restart(ctx); err != nil {
		s.log.Error("xray restart failed", zap.Error(err))
	}
}

// Version runs `xray version` and returns its first output line.
func (s *Supervisor) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, s.opts.Binary, "version").Output()
	if err != nil {
		return "", fmt.Errorf("xray version: %w", err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

func (s *Supervisor) regenerate(ctx context.Context) error {
	var ids []string
	if s.opts.Clients != nil {
		var err error
		if ids, err = s.opts.Clients(ctx); err != nil {
			return fmt.Errorf("load xray clients: %w", err)
		}
	}
	data, err := BuildConfig(s.opts.Inbound, ids).Marshal()
	if err != nil {
		return fmt.Errorf("marshal xray config: %w", err)
	}
	if err := WriteConfig(s.opts.ConfigPath, data); err != nil {
		return err
	}

	s.stateMu.Lock()
	s.clients = len(ids)
	s.stateMu.Unlock()
	if s.opts.Metrics != nil {
		s.opts.Metrics.NodeUsers.Set(float64(len(ids)))
	}
	if s.opts.Snapshot != nil {
		s.opts.Snapshot(ctx, data)
	}
	s.log.Info("xray config updated", zap.Int("clients", len(ids)))
	return nil
}

func (s *Supervisor) start() error {
	cmd := exec.Command(s.opts.Binary, "run", "-config", s.opts.ConfigPath)
	if s.output != nil {
		cmd.Stdout = s.output
		cmd.Stderr = s.output
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start xray: %w", err)
	}

	done := make(chan struct{})
	go func() {
		err := cmd.Wait()
		if err != nil {
			s.log.Warn("xray exited", zap.Int("pid", cmd.Process.Pid), zap.Error(err))
		}
		close(done)
	}()

	s.stateMu.Lock()
	s.cmd, s.done = cmd, done
	s.stateMu.Unlock()

	if s.opts.Metrics != nil {
		s.opts.Metrics.XrayRestarts.Inc()
		s.opts.Metrics.XrayRunning.Set(1)
	}
	s.log.Info("xray started", zap.Int("pid", cmd.Process.Pid))
	return nil
}

// stop sends SIGTERM and kills the process if it has not exited within
// StopTimeout. Caller holds s.mu.
func (s *Supervisor) stop() error {
	s.stateMu.RLock()
	cmd, done := s.cmd, s.done
	s.stateMu.RUnlock()
	if cmd == nil || done == nil {
		return ErrNotRunning
	}

	defer func() {
		s.stateMu.Lock()
		s.cmd, s.done = nil, nil
		s.stateMu.Unlock()
		if s.opts.Metrics != nil {
			s.opts.Metrics.XrayRunning.Set(0)
		}
	}()

	select {
	case <-done:
		return nil
	default:
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.log.Warn("sigterm failed", zap.Error(err))
	}
	select {
	case <-done:
		s.log.Info("xray stopped")
		return nil
	case <-time.After(s.opts.StopTimeout):
	}

	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill xray: %w", err)
	}
	<-done
	s.log.Warn("xray killed after timeout")
	return nil
}
