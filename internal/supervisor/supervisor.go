// Package supervisor spawns, monitors, and terminates the child processes a
// session depends on (the speech pipeline bot, the audio proxy, tunnel
// helpers). It drains child output into the structured log and extracts
// identifiers that children announce on their own stdout.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/meetkit/bot-gateway/internal/observability"
	"github.com/rs/zerolog"
)

// ErrSpawn is returned when an executable cannot be started.
var ErrSpawn = errors.New("failed to spawn process")

// BotIDMarker is the stdout marker children use to announce the external bot
// id they obtained. Everything after the marker on the same line is the id.
const BotIDMarker = "BOT_ID:"

// Role identifies what a supervised process does for its session.
type Role string

const (
	RoleBot          Role = "bot"
	RoleProxy        Role = "proxy"
	RoleTunnelHelper Role = "tunnel-helper"
)

// Spec describes a process to spawn.
type Spec struct {
	Name    string // Unique name, used for log tagging and lookup
	Role    Role
	Command string
	Args    []string
	Env     []string // Extra KEY=VALUE entries appended to the parent env
}

// Handle is the supervisor's view of one spawned process. Sessions hold the
// handle only for lookup; the supervisor is the sole authority on liveness.
type Handle struct {
	Name      string
	Role      Role
	StartTime time.Time

	cmd    *exec.Cmd
	logger zerolog.Logger

	mu         sync.Mutex
	exited     bool
	exitCode   int
	terminated bool // Terminate was requested; exit is expected
	notified   bool // Monitor already reported this exit

	done    chan struct{}  // Closed once the process has exited
	drainWG sync.WaitGroup // Tracks the per-stream drain goroutines

	botIDOnce sync.Once
	botID     chan string // Single-resolution; fulfilled by the drain goroutine
}

// Supervisor owns all spawned process handles.
type Supervisor struct {
	mu      sync.Mutex
	handles map[string]*Handle
	logger  zerolog.Logger
}

// New creates an empty supervisor.
func New() *Supervisor {
	return &Supervisor{
		handles: make(map[string]*Handle),
		logger:  observability.GetLogger().With().Str("component", "supervisor").Logger(),
	}
}

// Spawn starts the described process, attaches one drain goroutine per output
// stream, and registers the handle under its name. A name collision replaces
// the old entry in the table but never touches the old process.
func (s *Supervisor) Spawn(spec Spec) (*Handle, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, spec.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, spec.Name, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, spec.Name, err)
	}

	h := &Handle{
		Name:      spec.Name,
		Role:      spec.Role,
		StartTime: time.Now(),
		cmd:       cmd,
		logger:    observability.WithProcess(spec.Name),
		done:      make(chan struct{}),
		botID:     make(chan string, 1),
	}

	h.drainWG.Add(2)
	go h.drain(stdout, false)
	go h.drain(stderr, true)
	go h.wait()

	s.mu.Lock()
	s.handles[spec.Name] = h
	s.mu.Unlock()

	s.logger.Info().
		Str("name", spec.Name).
		Str("role", string(spec.Role)).
		Str("command", spec.Command+" "+strings.Join(spec.Args, " ")).
		Int("pid", cmd.Process.Pid).
		Msg("Process started")

	return h, nil
}

// drain reads one output stream line by line until EOF, tagging each line
// with the process name. Marker lines additionally resolve the bot id.
func (h *Handle) drain(r io.Reader, isStderr bool) {
	defer h.drainWG.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if idx := strings.Index(line, BotIDMarker); idx >= 0 {
			id := strings.TrimSpace(line[idx+len(BotIDMarker):])
			if id != "" {
				h.resolveBotID(id)
			}
		}

		if isStderr {
			h.logger.Error().Msg(line)
		} else {
			h.logger.Info().Msg(line)
		}
	}
}

func (h *Handle) resolveBotID(id string) {
	h.botIDOnce.Do(func() {
		h.botID <- id
		close(h.botID)
		h.logger.Info().Str("bot_id", id).Msg("Captured bot id from process output")
	})
}

// BotID blocks until the process announces its bot id, the context ends, or
// the process exits without ever announcing one.
func (h *Handle) BotID(ctx context.Context) (string, error) {
	select {
	case id, ok := <-h.botID:
		if !ok || id == "" {
			return "", fmt.Errorf("process %s exited without announcing a bot id", h.Name)
		}
		return id, nil
	case <-h.done:
		// Late resolve can still have won the race.
		select {
		case id, ok := <-h.botID:
			if ok && id != "" {
				return id, nil
			}
		default:
		}
		return "", fmt.Errorf("process %s exited without announcing a bot id", h.Name)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// wait reaps the process and records its exit code. The pipes must be fully
// drained before Wait per os/exec's contract.
func (h *Handle) wait() {
	h.drainWG.Wait()
	err := h.cmd.Wait()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	h.mu.Lock()
	h.exited = true
	h.exitCode = code
	terminated := h.terminated
	h.mu.Unlock()

	h.botIDOnce.Do(func() { close(h.botID) })
	close(h.done)

	observability.RecordProcessExit(string(h.Role), terminated)

	evt := h.logger.Info()
	if !terminated && code != 0 {
		evt = h.logger.Warn()
	}
	evt.Int("exit_code", code).Bool("expected", terminated).Msg("Process exited")
}

// Poll reports whether the process is still running and, if not, its exit
// code. Non-blocking.
func (h *Handle) Poll() (running bool, exitCode int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.exited, h.exitCode
}

// Done returns a channel closed once the process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Terminate sends a graceful stop signal and escalates to a forced kill if
// the process is still alive after grace. Idempotent on exited handles.
func (h *Handle) Terminate(grace time.Duration) error {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return nil
	}
	h.terminated = true
	h.mu.Unlock()

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Lost the race with the exit path.
		select {
		case <-h.done:
			return nil
		default:
		}
		return fmt.Errorf("failed to signal %s: %w", h.Name, err)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
	}

	h.logger.Warn().Dur("grace", grace).Msg("Process did not stop in time, killing")
	if err := h.cmd.Process.Kill(); err != nil {
		select {
		case <-h.done:
			return nil
		default:
		}
		return fmt.Errorf("failed to kill %s: %w", h.Name, err)
	}

	<-h.done
	return nil
}

// Get looks up a handle by name.
func (s *Supervisor) Get(name string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[name]
	return h, ok
}

// Remove drops a handle from the table. It does not touch the process;
// callers terminate first.
func (s *Supervisor) Remove(name string) {
	s.mu.Lock()
	delete(s.handles, name)
	s.mu.Unlock()
}

// ProcessInfo is a point-in-time snapshot of one supervised process.
type ProcessInfo struct {
	Name      string
	Role      Role
	Running   bool
	ExitCode  int
	StartTime time.Time
}

// List snapshots all known processes.
func (s *Supervisor) List() []ProcessInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]ProcessInfo, 0, len(s.handles))
	for _, h := range s.handles {
		running, code := h.Poll()
		infos = append(infos, ProcessInfo{
			Name:      h.Name,
			Role:      h.Role,
			Running:   running,
			ExitCode:  code,
			StartTime: h.StartTime,
		})
	}
	return infos
}

// Monitor polls all handles at the given interval until the context ends.
// onExit fires exactly once per handle whose process exited without a prior
// Terminate call; exits requested through Terminate are expected and
// reported to nobody.
func (s *Supervisor) Monitor(ctx context.Context, interval time.Duration, onExit func(h *Handle, exitCode int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, h := range s.snapshot() {
				h.mu.Lock()
				unexpected := h.exited && !h.terminated && !h.notified
				if unexpected {
					h.notified = true
				}
				code := h.exitCode
				h.mu.Unlock()

				if unexpected {
					s.logger.Warn().
						Str("name", h.Name).
						Str("role", string(h.Role)).
						Int("exit_code", code).
						Msg("Unexpected process exit")
					if onExit != nil {
						onExit(h, code)
					}
				}
			}
		}
	}
}

func (s *Supervisor) snapshot() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	return handles
}
