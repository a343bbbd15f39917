package realtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/parlo-app/parlo-go/pkg/core"
	"github.com/parlo-app/parlo-go/pkg/core/conversation"
	"github.com/parlo-app/parlo-go/pkg/core/cost"
	"github.com/parlo-app/parlo-go/pkg/media"
)

// Dependencies supplies the session's collaborators. Every field is
// optional; zero values select production defaults.
type Dependencies struct {
	// Logger receives structured session logs. Defaults to text output
	// on stderr, at debug level when SessionConfig.Debug is set.
	Logger *slog.Logger

	// Metrics records session counters. Nil disables recording.
	Metrics *Metrics

	// Hooks carries the caller's decision points.
	Hooks Hooks

	// AudioSource overrides microphone capture. The session closes it
	// on teardown. Defaults to the platform capture device.
	AudioSource io.ReadCloser

	// AudioSink overrides speaker playback and stays open across
	// teardown. Defaults to the platform playback device, which the
	// session then owns and closes.
	AudioSink AudioSink

	// Now and NewTimer substitute the clock in tests.
	Now      func() time.Time
	NewTimer func(time.Duration, func()) *time.Timer
}

// transportCallbacks bundles the wiring a transport needs from the
// session.
type transportCallbacks struct {
	onMessage func([]byte)
	onTrack   func(*webrtc.TrackRemote)
	monitor   *linkMonitor
	onClosed  func(*core.Error)
}

// dialFunc negotiates one connection attempt and returns the ready
// transport. Tests substitute it to connect without a network.
type dialFunc func(ctx context.Context, cb transportCallbacks) (transport, *core.Error)

// Session is the public facade over the connection, the audio
// pipeline, the session clock, and the event dispatcher. Cost and
// conversation state live on the Session and survive reconnects; the
// transport, pipeline, and clock are rebuilt per connection. Methods
// are safe for concurrent use.
type Session struct {
	cfg  SessionConfig
	log  *slog.Logger
	deps Dependencies

	costs   *cost.Accountant
	memory  *conversation.Log
	metrics *Metrics
	http    *http.Client

	// dial is replaced in tests; negotiate is set by the registry
	// before the first Connect and serializes credential negotiation
	// across sessions. onClosed unregisters the session on disconnect.
	dial      dialFunc
	negotiate sync.Locker
	onClosed  func()

	events       chan Event
	done         chan struct{}
	closeOnce    sync.Once
	closed       atomic.Bool
	emitMu       sync.RWMutex
	eventsClosed bool

	errMu sync.Mutex
	err   *core.Error

	mu        sync.Mutex
	state     ConnectionState
	muted     bool
	transport transport
	pipe      *pipeline
	clock     *sessionClock
	monitor   *linkMonitor
	runCancel context.CancelFunc
}

// NewSession builds a session from the config. TokenEndpoint is
// required; everything else defaults.
func NewSession(cfg SessionConfig, deps Dependencies) (*Session, error) {
	if cfg.TokenEndpoint == "" {
		return nil, core.NewConfigurationError("token endpoint is required")
	}
	cfg.applyDefaults()

	if deps.Logger == nil {
		level := slog.LevelInfo
		if cfg.Debug {
			level = slog.LevelDebug
		}
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewTimer == nil {
		deps.NewTimer = time.AfterFunc
	}

	s := &Session{
		cfg:     cfg,
		log:     deps.Logger,
		deps:    deps,
		costs:   cost.NewAccountant(cfg.Rates),
		memory:  conversation.NewLog(cfg.Memory),
		metrics: deps.Metrics,
		http:    &http.Client{Timeout: cfg.HTTPTimeout},
		events:  make(chan Event, 256),
		done:    make(chan struct{}),
		state:   StateIdle,
	}
	s.dial = s.defaultDial
	s.costs.SetOnUpdate(func(snap cost.Snapshot) {
		s.metrics.SetTotalCost(snap.TotalCost)
		s.emit(CostUpdatedEvent{Snapshot: snap})
	})
	return s, nil
}

// Events yields the session's event stream. The stream ends with a
// DisconnectedEvent and is then closed.
func (s *Session) Events() <-chan Event {
	if s == nil {
		return nil
	}
	return s.events
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err blocks until the session ends and returns the first fatal error
// it observed, if any.
func (s *Session) Err() *core.Error {
	if s == nil {
		return nil
	}
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Done is closed when the session has fully shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Connect establishes the session: microphone, negotiation, control
// channel, configuration, timers. It returns only after the control
// channel is actually open, so a nil error means the session is live.
// Fatal failures are returned and also emitted on the event stream.
func (s *Session) Connect(ctx context.Context) error {
	if s.closed.Load() {
		return core.NewConnectionError("session is closed")
	}
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateFailed {
		state := s.state
		s.mu.Unlock()
		return core.NewConnectionError("connect while session is " + state.String())
	}
	from := s.state
	s.state = StateAcquiringMedia
	s.mu.Unlock()
	s.emit(StateChangedEvent{From: from, To: StateAcquiringMedia})
	s.log.Info("connecting", "transport", string(s.cfg.Transport), "model", s.cfg.Model)

	start := s.deps.Now()
	cerr := s.establish(ctx)
	s.metrics.RecordConnect(s.cfg.Transport, cerr == nil, s.deps.Now().Sub(start))
	if cerr != nil {
		s.setErr(cerr)
		s.setState(StateFailed)
		s.emit(ErrorEvent{Err: cerr})
		s.log.Error("connect failed", "error", cerr)
		return cerr
	}

	s.setState(StateConnected)
	s.log.Info("connected")
	return nil
}

// establish runs the connect sequence and wires every per-connection
// collaborator into the session.
func (s *Session) establish(ctx context.Context) *core.Error {
	source := s.deps.AudioSource
	if source == nil && s.cfg.Transport == TransportWebRTC {
		capture, err := media.NewCapture(media.DefaultCaptureOptions())
		if err != nil {
			return core.Wrap(core.ErrConnection, "open microphone", err)
		}
		source = capture
	}
	sink := s.deps.AudioSink
	ownsSink := false
	if sink == nil {
		player, err := media.NewPlayer(media.DefaultFormat())
		if err != nil {
			if source != nil && s.deps.AudioSource == nil {
				source.Close()
			}
			return core.Wrap(core.ErrConnection, "open speaker", err)
		}
		sink = player
		ownsSink = true
	}
	pipe, err := newPipeline(s.log, media.DefaultFormat(), source, sink, ownsSink)
	if err != nil {
		if source != nil {
			source.Close()
		}
		if ownsSink {
			sink.Close()
		}
		return core.Wrap(core.ErrConnection, "build audio pipeline", err)
	}

	d := &dispatcher{
		log:           s.log,
		costs:         s.costs,
		memory:        s.memory,
		metrics:       s.metrics,
		emit:          s.emit,
		format:        media.DefaultFormat(),
		flushPlayback: pipe.FlushPlayback,
	}
	if s.cfg.Transport == TransportWebSocket {
		d.audioSink = pipe.WritePlayback
	}

	mon := newLinkMonitor(s.cfg.GracePeriod,
		func(outage time.Duration) {
			s.log.Info("link recovered", "outage", outage)
			s.metrics.RecordLinkRecovery()
			s.emit(LinkRecoveredEvent{Outage: outage})
		},
		s.handleFatal,
	)

	s.setState(StateNegotiating)
	if s.negotiate != nil {
		s.negotiate.Lock()
	}
	tr, cerr := s.dial(ctx, transportCallbacks{
		onMessage: d.Route,
		onTrack:   func(track *webrtc.TrackRemote) { pipe.AttachRemote(track) },
		monitor:   mon,
		onClosed:  s.handleFatal,
	})
	if s.negotiate != nil {
		s.negotiate.Unlock()
	}
	if cerr != nil {
		mon.Stop()
		pipe.Cleanup()
		return cerr
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.transport = tr
	s.pipe = pipe
	s.monitor = mon
	s.runCancel = runCancel
	muted := s.muted
	s.mu.Unlock()
	pipe.SetMuted(muted)

	s.setState(StateChannelOpening)
	if cerr := tr.WaitChannel(ctx); cerr != nil {
		s.teardownConn()
		return cerr
	}

	clock := newSessionClock(clockDeps{
		cfg:      &s.cfg,
		log:      s.log,
		channel:  tr,
		costs:    s.costs,
		memory:   s.memory,
		hooks:    s.deps.Hooks,
		metrics:  s.metrics,
		emit:     s.emit,
		fatal:    s.handleFatal,
		ctx:      runCtx,
		now:      s.deps.Now,
		newTimer: s.deps.NewTimer,
	})
	if err := clock.ConfigureSession(ctx); err != nil {
		clock.Cleanup()
		s.teardownConn()
		if cerr, ok := err.(*core.Error); ok {
			return cerr
		}
		return core.Wrap(core.ErrConfiguration, "initial configuration", err)
	}
	clock.StartTimers()
	s.mu.Lock()
	s.clock = clock
	s.mu.Unlock()

	if wt, ok := tr.(*webrtcTransport); ok {
		pipe.Start(wt.Mic())
	}

	if s.closed.Load() {
		// Disconnect raced the tail of the connect sequence; release
		// everything it could not see yet.
		s.teardownConn()
		return core.NewConnectionError("session closed while connecting")
	}
	return nil
}

// defaultDial fetches an ephemeral credential and dials the configured
// transport with it.
func (s *Session) defaultDial(ctx context.Context, cb transportCallbacks) (transport, *core.Error) {
	credential, cerr := fetchCredential(ctx, s.http, s.cfg.TokenEndpoint)
	if cerr != nil {
		return nil, cerr
	}
	var tr transport
	switch s.cfg.Transport {
	case TransportWebSocket:
		tr = newWSTransport(&s.cfg, s.log, cb.onMessage, cb.onClosed)
	default:
		tr = newWebRTCTransport(&s.cfg, s.log, cb.monitor, cb.onMessage, cb.onTrack)
	}
	if cerr := tr.Dial(ctx, credential); cerr != nil {
		tr.Close()
		return nil, cerr
	}
	return tr, nil
}

// Disconnect ends the session: timers cancelled, devices released,
// transport closed, a final DisconnectedEvent delivered, and the event
// stream closed. Safe to call at any point in the lifecycle, including
// before Connect and repeatedly.
func (s *Session) Disconnect() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.log.Info("disconnecting")
		s.setState(StateDisconnecting)
		s.teardownConn()
		s.setState(StateIdle)
		s.emit(DisconnectedEvent{Reason: "client disconnect"})
		s.emitMu.Lock()
		s.eventsClosed = true
		close(s.events)
		s.emitMu.Unlock()
		s.metrics.RecordDisconnect()
		close(s.done)
		if s.onClosed != nil {
			s.onClosed()
		}
	})
}

// Reconnect tears down the current connection and establishes a fresh
// one with the same configuration. Cost and conversation state carry
// over; the timer cycle restarts at index 1.
func (s *Session) Reconnect(ctx context.Context) error {
	if s.closed.Load() {
		return core.NewConnectionError("session is closed")
	}
	s.log.Info("reconnecting")
	s.setState(StateDisconnecting)
	s.teardownConn()
	s.setState(StateIdle)
	return s.Connect(ctx)
}

// SendMessage injects a typed user message into the conversation and
// asks the assistant to respond to it.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	s.mu.Lock()
	tr := s.transport
	state := s.state
	s.mu.Unlock()
	if tr == nil || state != StateConnected {
		return core.NewChannelError("session is not connected")
	}

	item, err := encodeUserMessage(text)
	if err != nil {
		return core.Wrap(core.ErrChannel, "encode user message", err)
	}
	if err := tr.Send(ctx, item); err != nil {
		return err
	}
	respond, err := encodeResponseCreate()
	if err != nil {
		return core.Wrap(core.ErrChannel, "encode response request", err)
	}
	return tr.Send(ctx, respond)
}

// UpdateInstructions replaces the tutoring instructions on the live
// session. Re-sending unchanged text is skipped. The text also becomes
// the configuration a reconnect re-applies.
func (s *Session) UpdateInstructions(ctx context.Context, text string) error {
	s.mu.Lock()
	clock := s.clock
	s.mu.Unlock()
	if clock == nil {
		return core.NewConfigurationError("session is not connected")
	}
	if err := clock.UpdateInstructions(ctx, text); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg.Instructions = text
	s.mu.Unlock()
	return nil
}

// CurrentCosts returns the cost ledger snapshot.
func (s *Session) CurrentCosts() cost.Snapshot {
	return s.costs.Snapshot()
}

// ResetCostTracking zeroes the cost ledger.
func (s *Session) ResetCostTracking() {
	s.costs.Reset()
}

// History returns the retained conversation entries.
func (s *Session) History() []conversation.Entry {
	return s.memory.History()
}

// Summary returns the rolling summary of compacted conversation turns.
func (s *Session) Summary() string {
	return s.memory.Summary()
}

// SessionIndex returns the 1-based index of the current timer cycle, or
// zero when not connected.
func (s *Session) SessionIndex() int {
	s.mu.Lock()
	clock := s.clock
	s.mu.Unlock()
	if clock == nil {
		return 0
	}
	return clock.Index()
}

// SetMuted drops microphone frames without releasing the device. The
// choice survives reconnects.
func (s *Session) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	pipe := s.pipe
	s.mu.Unlock()
	if pipe != nil {
		pipe.SetMuted(muted)
	}
}

// Muted reports whether the microphone is muted.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// handleFatal reacts to an unrecoverable connection failure: surface
// the error, mark the session failed, and tear the connection down off
// the callback goroutine.
func (s *Session) handleFatal(err *core.Error) {
	if s.closed.Load() {
		return
	}
	s.log.Error("connection failed", "error", err)
	s.setErr(err)
	s.emit(ErrorEvent{Err: err})
	s.setState(StateFailed)
	go s.teardownConn()
}

// teardownConn releases every per-connection resource. Idempotent. The
// transport closes before the pipeline so blocked track reads unwind.
func (s *Session) teardownConn() {
	s.mu.Lock()
	tr := s.transport
	pipe := s.pipe
	clock := s.clock
	mon := s.monitor
	cancel := s.runCancel
	s.transport = nil
	s.pipe = nil
	s.clock = nil
	s.monitor = nil
	s.runCancel = nil
	s.mu.Unlock()

	if clock != nil {
		clock.Cleanup()
	}
	if mon != nil {
		mon.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if tr != nil {
		tr.Close()
	}
	if pipe != nil {
		pipe.Cleanup()
	}
}

func (s *Session) setState(to ConnectionState) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()

	s.log.Debug("connection state changed", "from", from.String(), "to", to.String())
	s.emit(StateChangedEvent{From: from, To: to})
}

func (s *Session) setErr(err *core.Error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// emit delivers an event to the stream without blocking protocol
// handling.
func (s *Session) emit(e Event) {
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- e:
	default:
		// Avoid stalling the dispatch path if the caller stops
		// consuming.
	}
}
