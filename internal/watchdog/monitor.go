package watchdog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/lifelinetty/internal/cachedir"
	"github.com/danmuck/lifelinetty/internal/tools"
	"github.com/rs/zerolog/log"
)

const (
	dirName   = "watchdog"
	hookName  = "offline_hook.sh"
	eventsLog = "events.log"
)

// Channel names a monitored link channel.
type Channel string

const (
	ChannelSerial Channel = "serial"
	ChannelTunnel Channel = "tunnel"
)

// Status carries the transitions observed by one Evaluate call. Each flag is
// set only on the evaluation where the edge happened.
type Status struct {
	SerialExpired   bool
	TunnelExpired   bool
	SerialRecovered bool
	TunnelRecovered bool
	HookTriggered   bool
}

// Config configures a Monitor. A zero timeout disables that channel.
type Config struct {
	SerialTimeout time.Duration
	TunnelTimeout time.Duration
	CacheDir      string
	Runner        tools.CommandRunner
	Now           func() time.Time
}

// Monitor watches the serial and tunnel channels. The offline hook runs at
// most once per expiry episode and is re-armed by any recovery.
type Monitor struct {
	mu            sync.Mutex
	serial        Watchdog
	tunnel        Watchdog
	serialExpired bool
	tunnelExpired bool
	hookInvoked   bool

	dir    string
	runner tools.CommandRunner
	now    func() time.Time
	hooks  sync.WaitGroup
}

// NewMonitor prepares <cache>/watchdog. Permission and read-only failures are
// tolerated; other directory failures are returned.
func NewMonitor(cfg Config) (*Monitor, error) {
	dir := cachedir.Sub(cfg.CacheDir, dirName)
	if err := cachedir.Ensure(dir); err != nil {
		return nil, fmt.Errorf("watchdog: prepare %s: %w", dir, err)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	runner := cfg.Runner
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	start := now()
	return &Monitor{
		serial: New(cfg.SerialTimeout, start),
		tunnel: New(cfg.TunnelTimeout, start),
		dir:    dir,
		runner: runner,
		now:    now,
	}, nil
}

func (m *Monitor) TouchSerial() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serial.Touch(m.now())
}

func (m *Monitor) TouchTunnel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tunnel.Touch(m.now())
}

// Expired reports the current level of ch's expiry as of the last Evaluate.
func (m *Monitor) Expired(ch Channel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ch {
	case ChannelSerial:
		return m.serialExpired
	case ChannelTunnel:
		return m.tunnelExpired
	default:
		return false
	}
}

func (m *Monitor) HookPath() string {
	return filepath.Join(m.dir, hookName)
}

func (m *Monitor) EventsPath() string {
	return filepath.Join(m.dir, eventsLog)
}

// Evaluate samples both channels and reports edge transitions.
func (m *Monitor) Evaluate() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var status Status

	status.SerialExpired, status.SerialRecovered = m.edge(ChannelSerial, &m.serial, &m.serialExpired, now)
	status.TunnelExpired, status.TunnelRecovered = m.edge(ChannelTunnel, &m.tunnel, &m.tunnelExpired, now)

	if (m.serialExpired || m.tunnelExpired) && !m.hookInvoked {
		m.hookInvoked = true
		status.HookTriggered = m.triggerHook()
	}
	return status
}

func (m *Monitor) edge(ch Channel, w *Watchdog, expired *bool, now time.Time) (becameExpired, recovered bool) {
	if w.ExpiredAt(now) {
		if !*expired {
			*expired = true
			log.Warn().Str("channel", string(ch)).Dur("timeout", w.Timeout()).Msg("watchdog: channel expired")
			m.appendEvent(string(ch) + "_expired")
			return true, false
		}
		return false, false
	}
	if *expired {
		*expired = false
		m.hookInvoked = false
		log.Info().Str("channel", string(ch)).Msg("watchdog: channel recovered")
		m.appendEvent(string(ch) + "_recovered")
		return false, true
	}
	return false, false
}

// triggerHook starts the offline hook in the background. A missing hook is
// not an error.
func (m *Monitor) triggerHook() bool {
	path := m.HookPath()
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Debug().Str("hook", path).Msg("watchdog: offline hook missing; skipping")
		} else {
			log.Debug().Err(err).Str("hook", path).Msg("watchdog: offline hook unavailable")
		}
		return false
	}
	log.Warn().Str("hook", path).Msg("watchdog: triggering offline hook")
	m.hooks.Add(1)
	go func() {
		defer m.hooks.Done()
		stdout, stderr, code, err := m.runner.Run(path)
		line := fmt.Sprintf("hook status=%d stdout=%s stderr=%s",
			code, strings.TrimSpace(string(stdout)), strings.TrimSpace(string(stderr)))
		if err != nil && code == tools.ExitNotFound {
			line = fmt.Sprintf("hook failed to run: %v", err)
		}
		m.mu.Lock()
		m.appendEvent(line)
		m.mu.Unlock()
	}()
	return true
}

// WaitHooks blocks until every started hook has finished.
func (m *Monitor) WaitHooks() {
	m.hooks.Wait()
}

func (m *Monitor) appendEvent(line string) {
	file, err := os.OpenFile(m.EventsPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Debug().Err(err).Msg("watchdog: events log unavailable")
		return
	}
	defer file.Close()
	_, _ = fmt.Fprintf(file, "[%d] %s\n", m.now().Unix(), line)
}
