package link

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/lifelinetty/internal/cachedir"
	"github.com/danmuck/lifelinetty/internal/observability"
	"github.com/danmuck/lifelinetty/internal/protocol"
	"github.com/danmuck/lifelinetty/internal/protocol/frame"
	"github.com/danmuck/lifelinetty/internal/protocol/negotiation"
	"github.com/danmuck/lifelinetty/internal/protocol/session"
	tunnelproto "github.com/danmuck/lifelinetty/internal/protocol/tunnel"
	"github.com/danmuck/lifelinetty/internal/serial"
	"github.com/danmuck/lifelinetty/internal/tunnel"
	"github.com/danmuck/lifelinetty/internal/watchdog"
	"github.com/rs/zerolog/log"
)

// maxIdleWait bounds how long a disconnected Step sleeps before re-checking
// the backoff schedule and the watchdog.
const maxIdleWait = 100 * time.Millisecond

// ServiceConfig configures the link daemon.
type ServiceConfig struct {
	Device        string
	Serial        serial.Options
	CacheDir      string
	Negotiation   negotiation.Config
	Capabilities  negotiation.Capabilities
	Reliability   session.Config
	TunnelEnabled bool
	Allowlist     []string
}

// DefaultServiceConfig returns daemon defaults.
func DefaultServiceConfig() ServiceConfig {
	reliability := session.DefaultConfig()
	nego := negotiation.DefaultConfig()
	nego.HandshakeTimeout = reliability.HandshakeTimeout
	opts := serial.DefaultOptions()
	opts.ReadTimeout = reliability.ReadTimeout
	return ServiceConfig{
		Device:        serial.DefaultDevice,
		Serial:        opts,
		CacheDir:      cachedir.Default,
		Negotiation:   nego,
		Capabilities:  negotiation.DefaultCapabilities(),
		Reliability:   reliability,
		TunnelEnabled: true,
	}
}

// PayloadSink receives lines that are not tunnel frames.
type PayloadSink func(line string)

// TunnelSink receives tunnel replies sent by the peer (stdout, stderr, exit,
// busy) when this side acts as the requesting client.
type TunnelSink func(msg tunnelproto.Message)

// Options wires optional collaborators into a Service.
type Options struct {
	Opener  serial.Opener
	Payload PayloadSink
	Tunnel  TunnelSink
	Now     func() time.Time
}

// Status is a point-in-time snapshot of the link.
type Status struct {
	Connected      bool      `json:"connected"`
	Device         string    `json:"device"`
	Role           string    `json:"role"`
	PeerRole       string    `json:"peer_role"`
	Fallback       bool      `json:"fallback"`
	PeerCaps       uint32    `json:"peer_caps"`
	PeerCapsKnown  bool      `json:"peer_caps_known"`
	Reconnects     int       `json:"reconnects"`
	LastError      string    `json:"last_error,omitempty"`
	BackoffDelayMS int64     `json:"backoff_delay_ms"`
	CommandRunning bool      `json:"command_running"`
	SerialExpired  bool      `json:"serial_expired"`
	TunnelExpired  bool      `json:"tunnel_expired"`
	ConnectedAt    time.Time `json:"connected_at,omitempty"`
}

// Service owns the poll loop. Step and Run must be driven from one
// goroutine; Snapshot and UpdateBackoff are safe from any goroutine.
type Service struct {
	cfg     ServiceConfig
	opener  serial.Opener
	payload PayloadSink
	replies TunnelSink
	now     func() time.Time

	backoff *session.Backoff
	monitor *watchdog.Monitor
	tunnel  *tunnel.Controller

	conn          *Connection
	pending       string
	lastHeartbeat time.Time

	mu     sync.RWMutex
	status Status
}

// NewService prepares the tunnel and watchdog cache directories. Directory
// failures other than permission or read-only problems are returned.
func NewService(cfg ServiceConfig, opts Options) (*Service, error) {
	if opts.Opener == nil {
		opts.Opener = serial.Open
	}
	if opts.Payload == nil {
		opts.Payload = func(line string) {
			log.Debug().Str("payload", line).Msg("payload line")
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctrl, err := tunnel.NewController(cfg.CacheDir, tunnel.ExecutorConfig{Allowlist: cfg.Allowlist})
	if err != nil {
		return nil, err
	}
	monitor, err := watchdog.NewMonitor(watchdog.Config{
		SerialTimeout: cfg.Reliability.SerialDeadAfter,
		TunnelTimeout: cfg.Reliability.TunnelDeadAfter,
		CacheDir:      cfg.CacheDir,
		Now:           opts.Now,
	})
	if err != nil {
		return nil, err
	}
	backoff := session.NewBackoff(cfg.Reliability.Backoff, nil)
	observability.SetBackoffDelay(backoff.CurrentDelay())
	return &Service{
		cfg:     cfg,
		opener:  opts.Opener,
		payload: opts.Payload,
		replies: opts.Tunnel,
		now:     opts.Now,
		backoff: backoff,
		monitor: monitor,
		tunnel:  ctrl,
		status:  Status{Device: cfg.Device, Role: negotiation.RoleUnknown.String(), PeerRole: negotiation.RoleUnknown.String()},
	}, nil
}

// Run steps the poll loop until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	log.Info().Str("device", s.cfg.Device).Bool("tunnel", s.cfg.TunnelEnabled).Msg("link service started")
	defer s.disconnect(nil)
	for ctx.Err() == nil {
		s.Step(ctx)
	}
	log.Info().Msg("link service shutdown")
	return nil
}

// Step runs one poll iteration: connect when allowed, otherwise process one
// line, drain executor output, emit heartbeats, and evaluate liveness.
func (s *Service) Step(ctx context.Context) {
	if s.conn == nil {
		s.tryConnect(ctx)
	} else {
		s.pollLine()
	}
	if s.conn != nil {
		s.drainOutgoing()
	}
	if s.conn != nil {
		s.maybeHeartbeat()
	}
	s.evaluateWatchdog()
}

// Snapshot returns the current link status.
func (s *Service) Snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// UpdateBackoff hot-reloads reconnect delays.
func (s *Service) UpdateBackoff(initial, max time.Duration) {
	s.backoff.Update(initial, max)
	observability.SetBackoffDelay(s.backoff.CurrentDelay())
	s.setStatus(func(st *Status) { st.BackoffDelayMS = s.backoff.CurrentDelay().Milliseconds() })
	log.Info().Dur("initial", initial).Dur("max", max).Msg("backoff updated")
}

func (s *Service) setStatus(mutate func(*Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(&s.status)
}

func (s *Service) tryConnect(ctx context.Context) {
	now := s.now()
	if !s.backoff.ShouldRetry(now) {
		wait := s.backoff.NextRetryAt().Sub(now)
		if wait > maxIdleWait {
			wait = maxIdleWait
		}
		sleepCtx(ctx, wait)
		return
	}

	conn, err := Connect(ctx, s.opener, ConnectConfig{
		Device:       s.cfg.Device,
		Serial:       s.cfg.Serial,
		Negotiation:  s.cfg.Negotiation,
		Capabilities: s.cfg.Capabilities,
		CacheDir:     s.cfg.CacheDir,
	})
	if err != nil {
		s.backoff.MarkFailure(now)
		event := log.Warn().Err(err).Dur("retry_in", s.backoff.NextRetryAt().Sub(now))
		var cerr *ConnectError
		if errors.As(err, &cerr) {
			event = event.Str("kind", string(cerr.Kind))
			if hint := cerr.Hint(); hint != "" {
				event = event.Str("hint", hint)
			}
		}
		event.Msg("serial connect failed; will retry")
		observability.SetBackoffDelay(s.backoff.CurrentDelay())
		s.setStatus(func(st *Status) {
			st.LastError = err.Error()
			st.BackoffDelayMS = s.backoff.CurrentDelay().Milliseconds()
		})
		return
	}

	s.backoff.MarkSuccess(now)
	s.conn = conn
	s.pending = conn.Negotiation.Pending
	s.lastHeartbeat = now
	s.monitor.TouchSerial()
	s.monitor.TouchTunnel()
	observability.SetLinkConnected(true)
	observability.SetBackoffDelay(s.backoff.CurrentDelay())
	res := conn.Negotiation
	s.setStatus(func(st *Status) {
		st.Connected = true
		st.Role = res.Role.String()
		st.PeerRole = res.PeerRole.String()
		st.Fallback = res.Fallback
		st.PeerCapsKnown = res.PeerCapsKnown
		st.PeerCaps = 0
		if res.PeerCapsKnown {
			st.PeerCaps = res.PeerCaps.Bits()
		}
		st.LastError = ""
		st.BackoffDelayMS = s.backoff.CurrentDelay().Milliseconds()
		st.ConnectedAt = now
	})
}

func (s *Service) pollLine() {
	if s.pending != "" {
		line := s.pending
		s.pending = ""
		s.handleLine(line)
		return
	}
	line, err := s.conn.Port.ReadLine()
	if err != nil {
		if errors.Is(err, serial.ErrLineTooLong) {
			s.monitor.TouchSerial()
			observability.RecordFrameRejected("line_too_long")
			log.Warn().Err(err).Msg("serial line discarded")
			return
		}
		s.disconnect(err)
		return
	}
	if strings.TrimSpace(line) == "" {
		return
	}
	s.monitor.TouchSerial()
	s.handleLine(line)
}

// handleLine routes one line. Enveloped lines belong to the tunnel or
// control plane; anything else is payload for the render collaborator.
func (s *Service) handleLine(line string) {
	trimmed := strings.TrimSpace(line)
	raw := []byte(trimmed)
	if len(raw) > frame.MaxFrameBytes {
		s.rejectFrame("too_large", fmt.Errorf("%w: %d bytes exceeds %d", frame.ErrFrameTooLarge, len(raw), frame.MaxFrameBytes), trimmed)
		return
	}
	if !frame.IsEnvelope(raw) {
		s.payload(trimmed)
		return
	}

	msg, err := tunnelproto.Decode(raw)
	if err == nil {
		s.monitor.TouchTunnel()
		s.dispatch(msg)
		return
	}
	if errors.Is(err, protocol.ErrUnknownMessageType) {
		if ctrl, cerr := negotiation.DecodeControl(raw); cerr == nil {
			s.handleLateControl(ctrl)
			return
		}
	}

	reason := "malformed"
	switch {
	case errors.Is(err, frame.ErrChecksumMismatch):
		reason = "checksum"
	case errors.Is(err, frame.ErrFrameTooLarge):
		reason = "too_large"
	case errors.Is(err, protocol.ErrUnknownMessageType):
		reason = "unknown_type"
	}
	s.rejectFrame(reason, err, trimmed)
}

func (s *Service) rejectFrame(reason string, err error, raw string) {
	observability.RecordFrameRejected(reason)
	log.Warn().Err(err).Str("reason", reason).Msg("tunnel frame rejected")
	s.tunnel.LogFrameError(err.Error(), raw)
}

func (s *Service) dispatch(msg tunnelproto.Message) {
	switch msg.Kind {
	case tunnelproto.KindCmdRequest:
		s.handleCommand(msg)
	case tunnelproto.KindHeartbeat:
		log.Trace().Msg("tunnel heartbeat")
	default:
		log.Debug().Str("msg", msg.String()).Msg("tunnel reply from peer")
		if s.replies != nil {
			s.replies(msg)
		}
	}
}

func (s *Service) handleCommand(msg tunnelproto.Message) {
	role := s.conn.Negotiation.Role
	if !s.cfg.TunnelEnabled || role != negotiation.RoleServer {
		reason := "command tunnel disabled"
		if s.cfg.TunnelEnabled {
			reason = fmt.Sprintf("command tunnel unavailable: local role is %s", role)
		}
		observability.RecordCommand("refused")
		log.Warn().Str("role", role.String()).Msg(reason)
		s.writeTunnel(tunnelproto.StderrText(reason))
		s.writeTunnel(tunnelproto.Exit(1))
		return
	}

	busy := s.tunnel.Running()
	switch {
	case s.tunnel.HandleMessage(msg):
		observability.RecordCommand("started")
	case busy:
		observability.RecordCommand("busy")
	default:
		observability.RecordCommand("rejected")
	}
	s.setStatus(func(st *Status) { st.CommandRunning = s.tunnel.Running() })
}

// handleLateControl answers a peer that restarted its handshake after we
// already settled. Our own role is kept.
func (s *Service) handleLateControl(ctrl negotiation.ControlFrame) {
	if ctrl.Kind != negotiation.KindHello {
		log.Debug().Str("kind", string(ctrl.Kind)).Msg("late control frame ignored")
		return
	}
	remote, err := negotiation.RemoteHelloFromParts(ctrl.NodeID, ctrl.Pref, ctrl.Caps)
	if err != nil {
		log.Warn().Err(err).Msg("late hello carried invalid preference")
	}
	local := s.conn.Negotiation.Role
	peer := local.Opposite()
	if peer == negotiation.RoleUnknown {
		peer = negotiation.NewNegotiator(s.cfg.Negotiation, s.cfg.Capabilities).DecideRoles(remote).Remote
	}
	raw, err := negotiation.EncodeControl(negotiation.HelloAckFrame(peer, s.cfg.Capabilities))
	if err != nil {
		log.Warn().Err(err).Msg("encode late hello_ack")
		return
	}
	if err := s.conn.Port.WriteLine(string(raw)); err != nil {
		s.disconnect(err)
		return
	}
	log.Info().Uint32("node_id", remote.NodeID).Str("peer_role", peer.String()).Msg("answered late hello")
}

func (s *Service) drainOutgoing() {
	for s.conn != nil {
		msg, ok := s.tunnel.NextOutgoing()
		if !ok {
			break
		}
		s.writeTunnel(msg)
	}
	s.setStatus(func(st *Status) { st.CommandRunning = s.tunnel.Running() })
}

func (s *Service) writeTunnel(msg tunnelproto.Message) {
	if s.conn == nil {
		return
	}
	raw, err := tunnelproto.Encode(msg)
	if err != nil {
		log.Warn().Err(err).Str("msg", msg.String()).Msg("tunnel encode failed")
		return
	}
	if err := s.conn.Port.WriteLine(string(raw)); err != nil {
		s.disconnect(err)
	}
}

func (s *Service) maybeHeartbeat() {
	if !s.conn.HeartbeatShared() {
		// Without negotiated heartbeats tunnel silence is normal.
		s.monitor.TouchTunnel()
		return
	}
	interval := s.cfg.Reliability.HeartbeatInterval
	now := s.now()
	if interval <= 0 || now.Sub(s.lastHeartbeat) < interval {
		return
	}
	s.lastHeartbeat = now
	s.writeTunnel(tunnelproto.Heartbeat())
}

func (s *Service) evaluateWatchdog() {
	status := s.monitor.Evaluate()
	if status.SerialExpired {
		observability.RecordWatchdogExpiry(string(watchdog.ChannelSerial))
	}
	if status.TunnelExpired {
		observability.RecordWatchdogExpiry(string(watchdog.ChannelTunnel))
	}
	s.setStatus(func(st *Status) {
		st.SerialExpired = s.monitor.Expired(watchdog.ChannelSerial)
		st.TunnelExpired = s.monitor.Expired(watchdog.ChannelTunnel)
	})
}

// disconnect drops the current port. A nil cause is a clean shutdown.
func (s *Service) disconnect(cause error) {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		log.Debug().Err(err).Msg("serial close")
	}
	s.conn = nil
	s.pending = ""
	observability.SetLinkConnected(false)
	if cause == nil {
		s.setStatus(func(st *Status) { st.Connected = false })
		return
	}

	now := s.now()
	s.backoff.MarkFailure(now)
	observability.SetBackoffDelay(s.backoff.CurrentDelay())
	kind := serial.Classify(cause)
	log.Warn().Err(cause).Str("kind", string(kind)).Msg("serial link lost; will retry")
	s.setStatus(func(st *Status) {
		st.Connected = false
		st.Reconnects++
		st.LastError = cause.Error()
		st.BackoffDelayMS = s.backoff.CurrentDelay().Milliseconds()
	})
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
