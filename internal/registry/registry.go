// Package registry owns session lifecycles. A session groups everything one
// meeting bot needs: two local ports, a pipeline process, a proxy process, a
// public tunnel, and a registration with the meeting-hosting service. The
// registry brings these up in order, tears them down in reverse, and derives
// a session's status from what is actually still alive.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meetkit/bot-gateway/internal/baas"
	"github.com/meetkit/bot-gateway/internal/config"
	"github.com/meetkit/bot-gateway/internal/observability"
	"github.com/meetkit/bot-gateway/internal/supervisor"
	"github.com/meetkit/bot-gateway/internal/tunnel"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrSessionNotFound is returned for lookups of unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStartup wraps any failure during ordered session startup.
	ErrStartup = errors.New("session startup failed")
	// ErrRegistrationTimeout marks a registration that never resolved within
	// the hard ceiling.
	ErrRegistrationTimeout = errors.New("registration timed out")
)

// State is a session's lifecycle state.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// PendingBotID is reported while registration is still resolving in the
// background.
const PendingBotID = "pending"

// ProcessHandle is the slice of a supervised process the registry needs.
type ProcessHandle interface {
	BotID(ctx context.Context) (string, error)
	Poll() (running bool, exitCode int)
	Terminate(grace time.Duration) error
	Done() <-chan struct{}
}

// Spawner starts supervised processes.
type Spawner interface {
	Spawn(spec supervisor.Spec) (ProcessHandle, error)
	Remove(name string)
}

// MeetingClient registers and removes bots with the meeting-hosting service.
type MeetingClient interface {
	JoinMeeting(ctx context.Context, req baas.JoinRequest) (string, error)
	LeaveMeeting(ctx context.Context, botID string) error
}

// PortAllocator finds free local ports.
type PortAllocator interface {
	Allocate(start int) (int, error)
}

// SupervisorSpawner adapts the concrete supervisor to the Spawner interface.
type SupervisorSpawner struct {
	S *supervisor.Supervisor
}

func (a SupervisorSpawner) Spawn(spec supervisor.Spec) (ProcessHandle, error) {
	return a.S.Spawn(spec)
}

func (a SupervisorSpawner) Remove(name string) { a.S.Remove(name) }

// CreateParams describes one session to start.
type CreateParams struct {
	MeetingURL     string
	Persona        string
	RecorderOnly   bool
	EntryMessage   string
	BotImage       string
	DedupSuffix    string // Distinguishes multiple instances of one persona in a meeting
	PublicEndpoint string // Caller-supplied public URL; skips the tunnel step
	Extra          map[string]any
}

// Session is one live (or recently dead) bot session.
type Session struct {
	ID           string
	Persona      string
	MeetingURL   string
	RecorderOnly bool
	BotPort      int
	ProxyPort    int
	PublicURL    string
	WebSocketURL string
	CreatedAt    time.Time

	botName   string
	proxyName string
	bot       ProcessHandle
	proxy     ProcessHandle

	ownsTunnel bool
	metrics    *observability.SessionMetrics

	mu        sync.Mutex
	state     State
	botID     string
	failCause error // Fault recorded while startup is still in progress
}

// BotID returns the externally assigned bot id, or PendingBotID while
// registration is still in flight.
func (s *Session) BotID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.botID == "" {
		return PendingBotID
	}
	return s.botID
}

// adoptBotID records the external id while the session is still starting or
// running. Once teardown has begun it refuses, so a registration that
// resolves late can be rolled back instead of leaking the remote bot.
func (s *Session) adoptBotID(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" || (s.state != StateStarting && s.state != StateRunning) {
		return false
	}
	if s.botID == "" {
		s.botID = id
	}
	return true
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the session's lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status derives the externally reported status from the lifecycle state and
// the liveness of the session's processes: all alive is "running", some alive
// is "partial", none is "stopped".
func (s *Session) Status() string {
	switch s.State() {
	case StateStarting:
		return "pending"
	case StateStopping, StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	}

	if s.RecorderOnly {
		return "running"
	}

	alive := 0
	total := 0
	for _, h := range []ProcessHandle{s.bot, s.proxy} {
		if h == nil {
			continue
		}
		total++
		if running, _ := h.Poll(); running {
			alive++
		}
	}

	switch {
	case total == 0 || alive == total:
		return "running"
	case alive > 0:
		return "partial"
	default:
		return "stopped"
	}
}

// Info is a point-in-time JSON-friendly snapshot of a session.
type Info struct {
	ID           string    `json:"id"`
	Persona      string    `json:"persona"`
	MeetingURL   string    `json:"meeting_url"`
	BotID        string    `json:"bot_id"`
	Status       string    `json:"status"`
	RecorderOnly bool      `json:"recorder_only"`
	BotPort      int       `json:"bot_port,omitempty"`
	ProxyPort    int       `json:"proxy_port,omitempty"`
	WebSocketURL string    `json:"websocket_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Snapshot captures the session's current externally visible state.
func (s *Session) Snapshot() Info {
	return Info{
		ID:           s.ID,
		Persona:      s.Persona,
		MeetingURL:   s.MeetingURL,
		BotID:        s.BotID(),
		Status:       s.Status(),
		RecorderOnly: s.RecorderOnly,
		BotPort:      s.BotPort,
		ProxyPort:    s.ProxyPort,
		WebSocketURL: s.WebSocketURL,
		CreatedAt:    s.CreatedAt,
	}
}

// Registry tracks all sessions and drives their lifecycles.
type Registry struct {
	cfg     *config.Config
	spawner Spawner
	tunnels tunnel.Provisioner
	meeting MeetingClient
	ports   PortAllocator
	logger  zerolog.Logger

	mu        sync.Mutex
	sessions  map[string]*Session
	byProcess map[string]*Session // process name -> owning session
}

// New creates a registry from its collaborators.
func New(cfg *config.Config, spawner Spawner, tunnels tunnel.Provisioner, meeting MeetingClient, ports PortAllocator) *Registry {
	return &Registry{
		cfg:       cfg,
		spawner:   spawner,
		tunnels:   tunnels,
		meeting:   meeting,
		ports:     ports,
		logger:    observability.GetLogger().With().Str("component", "registry").Logger(),
		sessions:  make(map[string]*Session),
		byProcess: make(map[string]*Session),
	}
}

// Create brings up one session in order: ports, pipeline process, proxy
// process, tunnel, registration. Any step failing tears down the steps that
// already succeeded and returns the failure.
//
// Registration is given a short caller-visible window; if the meeting service
// has not answered by then, the session is returned with a pending bot id and
// registration keeps resolving in the background up to a hard ceiling.
func (r *Registry) Create(ctx context.Context, params CreateParams) (*Session, error) {
	id := uuid.NewString()
	logger := observability.WithSession(id)

	s := &Session{
		ID:           id,
		Persona:      params.Persona,
		MeetingURL:   params.MeetingURL,
		RecorderOnly: params.RecorderOnly,
		CreatedAt:    time.Now(),
		state:        StateStarting,
		metrics:      observability.NewSessionMetrics(id),
	}
	s.metrics.RecordSessionStart()

	logger.Info().
		Str("persona", params.Persona).
		Str("meeting_url", params.MeetingURL).
		Bool("recorder_only", params.RecorderOnly).
		Msg("Starting session")

	if !params.RecorderOnly {
		if err := r.startProcesses(s, params, logger); err != nil {
			r.unregister(s)
			r.teardown(context.Background(), s, logger)
			s.metrics.RecordSessionEnd()
			return nil, err
		}

		if err := r.openTunnel(ctx, s, params, logger); err != nil {
			r.unregister(s)
			r.teardown(context.Background(), s, logger)
			s.metrics.RecordSessionEnd()
			return nil, err
		}
	}

	r.register(s)

	if err := r.startRegistration(ctx, s, params, logger); err != nil {
		r.unregister(s)
		r.teardown(context.Background(), s, logger)
		s.metrics.RecordSessionEnd()
		return nil, err
	}

	// Only a fault-free session still in Starting becomes Running; anything
	// else was faulted or destroyed while Create was waiting, and that actor
	// must not be overwritten.
	s.mu.Lock()
	cause := s.failCause
	starting := s.state == StateStarting
	if cause == nil && starting {
		s.state = StateRunning
	}
	s.mu.Unlock()

	if cause != nil {
		s.setState(StateFailed)
		r.unregister(s)
		r.teardown(context.Background(), s, logger)
		s.metrics.RecordSessionEnd()
		return nil, fmt.Errorf("%w: %v", ErrStartup, cause)
	}
	if !starting {
		// Destroyed mid-startup; teardown already ran.
		return s, nil
	}

	logger.Info().Str("bot_id", s.BotID()).Msg("Session running")
	return s, nil
}

// startProcesses allocates ports and spawns the pipeline and proxy processes.
// A pipeline process that dies immediately is respawned once on fresh ports,
// which absorbs the window between the port scan and the child's bind.
func (r *Registry) startProcesses(s *Session, params CreateParams, logger zerolog.Logger) error {
	for attempt := 0; attempt < 2; attempt++ {
		s.metrics.RecordStepStart()
		botPort, err := r.ports.Allocate(r.cfg.BotPortBase)
		if err != nil {
			s.metrics.RecordError("port_exhausted", "registry")
			return fmt.Errorf("%w: %v", ErrStartup, err)
		}
		proxyPort, err := r.ports.Allocate(botPort + 1)
		if err != nil {
			s.metrics.RecordError("port_exhausted", "registry")
			return fmt.Errorf("%w: %v", ErrStartup, err)
		}
		s.BotPort = botPort
		s.ProxyPort = proxyPort
		s.metrics.RecordStepEnd("ports")

		s.metrics.RecordStepStart()
		botName := s.ID + "-bot"
		bot, err := r.spawner.Spawn(processSpec(botName, supervisor.RoleBot, r.cfg.BotCommand,
			[]string{"--port", strconv.Itoa(botPort)},
			[]string{
				"MEETING_URL=" + params.MeetingURL,
				"PERSONA_NAME=" + params.Persona,
				"SAMPLE_RATE=" + strconv.Itoa(r.cfg.SampleRate),
				"NUM_CHANNELS=" + strconv.Itoa(r.cfg.NumChannels),
			}))
		if err != nil {
			s.metrics.RecordError("spawn", "registry")
			return fmt.Errorf("%w: %v", ErrStartup, err)
		}
		s.botName = botName
		s.bot = bot
		r.mapProcess(botName, s)
		s.metrics.RecordStepEnd("bot")

		// An immediate exit usually means the child lost the bind race.
		select {
		case <-bot.Done():
			_, code := bot.Poll()
			r.unmapProcess(botName)
			r.spawner.Remove(botName)
			s.bot = nil
			s.botName = ""
			if attempt == 0 {
				logger.Warn().Int("exit_code", code).Int("port", botPort).
					Msg("Pipeline process died immediately, retrying on fresh ports")
				continue
			}
			s.metrics.RecordError("spawn", "registry")
			return fmt.Errorf("%w: pipeline process exited immediately with code %d", ErrStartup, code)
		case <-time.After(250 * time.Millisecond):
		}

		s.metrics.RecordStepStart()
		proxyName := s.ID + "-proxy"
		proxy, err := r.spawner.Spawn(processSpec(proxyName, supervisor.RoleProxy, r.cfg.ProxyCommand,
			[]string{
				"--port", strconv.Itoa(proxyPort),
				"--bot-host", "127.0.0.1",
				"--bot-port", strconv.Itoa(botPort),
			},
			[]string{"MEETING_URL=" + params.MeetingURL}))
		if err != nil {
			s.metrics.RecordError("spawn", "registry")
			return fmt.Errorf("%w: %v", ErrStartup, err)
		}
		s.proxyName = proxyName
		s.proxy = proxy
		r.mapProcess(proxyName, s)
		s.metrics.RecordStepEnd("proxy")
		return nil
	}

	return fmt.Errorf("%w: pipeline process would not start", ErrStartup)
}

func processSpec(name string, role supervisor.Role, command string, extraArgs, env []string) supervisor.Spec {
	parts := strings.Fields(command)
	return supervisor.Spec{
		Name:    name,
		Role:    role,
		Command: parts[0],
		Args:    append(parts[1:], extraArgs...),
		Env:     env,
	}
}

// openTunnel exposes the proxy port publicly. A caller-supplied public
// endpoint, or the gateway's own public URL, skips tunnel provisioning and
// routes session audio through the gateway's audio endpoints instead.
func (r *Registry) openTunnel(ctx context.Context, s *Session, params CreateParams, logger zerolog.Logger) error {
	s.metrics.RecordStepStart()
	defer s.metrics.RecordStepEnd("tunnel")

	public := params.PublicEndpoint
	if public == "" {
		public = r.cfg.PublicURL
	}
	if public != "" {
		s.WebSocketURL = tunnel.WebSocketURL(strings.TrimRight(public, "/")) + "/session-audio/" + s.ID
		logger.Info().Str("websocket_url", s.WebSocketURL).Msg("Reusing public endpoint for session audio")
		return nil
	}

	tctx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.TunnelTimeoutSeconds)*time.Second)
	defer cancel()

	publicURL, err := r.tunnels.Open(tctx, s.ProxyPort)
	if err != nil {
		s.metrics.RecordError("tunnel", "registry")
		return fmt.Errorf("%w: %v", ErrStartup, err)
	}
	s.PublicURL = publicURL
	s.WebSocketURL = tunnel.WebSocketURL(publicURL)
	s.ownsTunnel = true
	return nil
}

// startRegistration registers the bot with the meeting service. It waits the
// configured caller-visible window for the assigned bot id; a slower answer
// keeps resolving in the background up to the hard ceiling, after which the
// session is failed and torn down.
func (r *Registry) startRegistration(ctx context.Context, s *Session, params CreateParams, logger zerolog.Logger) error {
	s.metrics.RecordStepStart()

	botName := params.Persona
	if params.RecorderOnly && botName == "" {
		botName = "Recorder"
	}

	req := baas.JoinRequest{
		MeetingURL:       params.MeetingURL,
		BotName:          botName,
		WebSocketURL:     s.WebSocketURL,
		DeduplicationKey: baas.DedupKey(params.Persona, params.RecorderOnly, params.DedupSuffix),
		EntryMessage:     params.EntryMessage,
		BotImage:         params.BotImage,
		RecorderOnly:     params.RecorderOnly,
		Extra:            params.Extra,
	}

	// The background context outlives Create; its ceiling is the hard cap.
	regCtx, cancel := context.WithTimeout(context.Background(), time.Duration(r.cfg.RegistrationMaxSeconds)*time.Second)

	type result struct {
		botID string
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		defer cancel()
		botID, err := r.meeting.JoinMeeting(regCtx, req)

		if err == nil {
			if s.adoptBotID(botID) {
				logger.Info().Str("bot_id", botID).Msg("Registration resolved")
			} else {
				// The session was torn down while the registration was in
				// flight; the bot it produced must not stay in the meeting.
				logger.Warn().Str("bot_id", botID).Msg("Session gone before registration resolved, removing bot")
				if lerr := r.meeting.LeaveMeeting(context.Background(), botID); lerr != nil {
					logger.Warn().Err(lerr).Str("bot_id", botID).Msg("Failed to remove late-registered bot")
				}
			}
			resCh <- result{botID, nil}
			return
		}
		resCh <- result{"", err}

		// Create may have already returned with a pending id; fail the
		// session so it does not linger half-registered.
		if s.State() == StateRunning {
			cause := err
			if errors.Is(regCtx.Err(), context.DeadlineExceeded) {
				observability.RecordRegistration("timeout")
				cause = fmt.Errorf("%w: %v", ErrRegistrationTimeout, err)
			}
			logger.Error().Err(cause).Msg("Background registration failed, tearing session down")
			r.Fail(s.ID, cause)
		}
	}()

	// A pipeline process that registers itself announces the id on stdout;
	// adopt it if it lands before the API answer. The shared deduplication
	// key guarantees both sources name the same bot.
	if s.bot != nil {
		bot := s.bot
		go func() {
			id, err := bot.BotID(regCtx)
			if err != nil {
				return
			}
			if s.adoptBotID(id) {
				logger.Info().Str("bot_id", id).Msg("Adopted bot id announced by pipeline process")
			} else if lerr := r.meeting.LeaveMeeting(context.Background(), id); lerr != nil {
				logger.Warn().Err(lerr).Str("bot_id", id).Msg("Failed to remove late-announced bot")
			}
		}()
	}

	wait := time.Duration(r.cfg.RegistrationWaitSeconds) * time.Second
	select {
	case res := <-resCh:
		s.metrics.RecordStepEnd("registration")
		if res.err != nil {
			s.metrics.RecordError("registration", "registry")
			return fmt.Errorf("%w: %v", ErrStartup, res.err)
		}
		return nil
	case <-time.After(wait):
		s.metrics.RecordStepEnd("registration")
		logger.Warn().Dur("waited", wait).Msg("Registration still pending, continuing in background")
		return nil
	case <-ctx.Done():
		s.metrics.RecordStepEnd("registration")
		return fmt.Errorf("%w: %v", ErrStartup, ctx.Err())
	}
}

func (r *Registry) register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// mapProcess makes a just-spawned process attributable to its session, so an
// exit reported by the monitor can fault the session even while Create is
// still working through the remaining startup steps.
func (r *Registry) mapProcess(name string, s *Session) {
	r.mu.Lock()
	r.byProcess[name] = s
	r.mu.Unlock()
}

func (r *Registry) unmapProcess(name string) {
	r.mu.Lock()
	delete(r.byProcess, name)
	r.mu.Unlock()
}

func (r *Registry) unregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.ID)
	if s.botName != "" {
		delete(r.byProcess, s.botName)
	}
	if s.proxyName != "" {
		delete(r.byProcess, s.proxyName)
	}
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List snapshots all sessions.
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Snapshot())
	}
	return infos
}

// Destroy tears a session down in reverse startup order: deregistration,
// proxy, pipeline, tunnel. Each step is best-effort; the combined error is
// returned but teardown always runs to the end. Destroying an unknown id
// returns ErrSessionNotFound.
func (r *Registry) Destroy(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	logger := observability.WithSession(id)

	s.mu.Lock()
	if s.state == StateStopping || s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	s.mu.Unlock()

	err := r.teardown(ctx, s, logger)

	s.setState(StateStopped)
	r.unregister(s)
	s.metrics.RecordSessionEnd()

	logger.Info().Msg("Session stopped")
	return err
}

func (r *Registry) teardown(ctx context.Context, s *Session, logger zerolog.Logger) error {
	var errs []error
	grace := time.Duration(r.cfg.TerminateGraceSeconds) * time.Second

	s.mu.Lock()
	botID := s.botID
	s.mu.Unlock()
	if botID != "" {
		if err := r.meeting.LeaveMeeting(ctx, botID); err != nil {
			logger.Warn().Err(err).Msg("Failed to deregister bot")
			errs = append(errs, err)
		}
	}

	if s.proxy != nil {
		if err := s.proxy.Terminate(grace); err != nil {
			logger.Warn().Err(err).Msg("Failed to stop proxy process")
			errs = append(errs, err)
		}
		r.spawner.Remove(s.proxyName)
	}
	if s.bot != nil {
		if err := s.bot.Terminate(grace); err != nil {
			logger.Warn().Err(err).Msg("Failed to stop pipeline process")
			errs = append(errs, err)
		}
		r.spawner.Remove(s.botName)
	}

	if s.ownsTunnel && s.PublicURL != "" {
		if err := r.tunnels.Close(ctx, s.PublicURL); err != nil {
			logger.Warn().Err(err).Msg("Failed to close tunnel")
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Fail marks a session failed and tears down whatever is still up. Used when
// a supervised process dies unexpectedly or background registration gives up.
func (r *Registry) Fail(id string, cause error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.failSession(s, cause)
}

// failSession faults one session. While Create still owns the session (state
// Starting) only the cause is recorded; Create notices it before declaring
// the session Running and runs the ordered teardown itself. A Running session
// is torn down here.
func (r *Registry) failSession(s *Session, cause error) {
	s.mu.Lock()
	switch s.state {
	case StateStopping, StateStopped, StateFailed:
		s.mu.Unlock()
		return
	case StateStarting:
		if s.failCause == nil {
			s.failCause = cause
		}
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.mu.Unlock()

	logger := observability.WithSession(s.ID)
	logger.Error().Err(cause).Msg("Session failed")

	_ = r.teardown(context.Background(), s, logger)
	r.unregister(s)
	s.metrics.RecordSessionEnd()
}

// HandleProcessExit is the supervisor monitor callback: it maps a dead
// process back to its session and fails that session. Processes are mapped
// at spawn time, so exits during the remaining startup steps are attributable
// too.
func (r *Registry) HandleProcessExit(processName string, exitCode int) {
	r.mu.Lock()
	s, ok := r.byProcess[processName]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.failSession(s, fmt.Errorf("process %s exited with code %d", processName, exitCode))
}

// Shutdown destroys all sessions in parallel. Used on gateway shutdown.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := r.Destroy(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
