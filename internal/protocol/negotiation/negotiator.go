package negotiation

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultHandshakeTimeout bounds one handshake when the config leaves it unset.
const DefaultHandshakeTimeout = 500 * time.Millisecond

// Config is read once per connection attempt.
type Config struct {
	NodeID           uint32
	Preference       RolePreference
	HandshakeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		NodeID:           1,
		Preference:       NoPreference,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

// Decision is the complementary role pair produced by an election.
type Decision struct {
	Local  Role
	Remote Role
}

// RemoteHello is the peer's parsed announcement.
type RemoteHello struct {
	NodeID       uint32
	Preference   RolePreference
	Capabilities Capabilities
}

// RemoteHelloFromParts parses a peer hello. An unparsable preference degrades
// to NoPreference and is returned as a non-fatal warning.
func RemoteHelloFromParts(nodeID uint32, pref string, bits uint32) (RemoteHello, error) {
	remote := RemoteHello{
		NodeID:       nodeID,
		Preference:   NoPreference,
		Capabilities: CapabilitiesFromBits(bits),
	}
	parsed, err := ParsePreference(pref)
	if err != nil {
		return remote, err
	}
	remote.Preference = parsed
	return remote, nil
}

// Negotiator holds the local side of the election. It is stateless beyond
// its configuration.
type Negotiator struct {
	cfg  Config
	caps Capabilities
	now  func() time.Time
}

func NewNegotiator(cfg Config, caps Capabilities) *Negotiator {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Negotiator{cfg: cfg, caps: caps}
}

// WithClock replaces the clock sampled against the handshake deadline.
func (n *Negotiator) WithClock(now func() time.Time) *Negotiator {
	n.now = now
	return n
}

func (n *Negotiator) Config() Config {
	return n.cfg
}

func (n *Negotiator) LocalCapabilities() Capabilities {
	return n.caps
}

func (n *Negotiator) Hello() ControlFrame {
	return HelloFrame(n.cfg.NodeID, n.caps, n.cfg.Preference)
}

// DecideRoles runs the election against remote. The higher preference rank
// takes the server role; equal ranks go to the larger node id. Equal node ids
// resolve to the local side.
func (n *Negotiator) DecideRoles(remote RemoteHello) Decision {
	return Elect(n.cfg.Preference, n.cfg.NodeID, remote.Preference, remote.NodeID)
}

// Elect is the symmetric election used by DecideRoles.
func Elect(localPref RolePreference, localID uint32, remotePref RolePreference, remoteID uint32) Decision {
	localRank, remoteRank := localPref.Rank(), remotePref.Rank()
	var localServer bool
	if localRank != remoteRank {
		localServer = localRank > remoteRank
	} else {
		localServer = localID >= remoteID
	}
	if localServer {
		return Decision{Local: RoleServer, Remote: RoleClient}
	}
	return Decision{Local: RoleClient, Remote: RoleServer}
}

// Log appends handshake transitions to <cache>/logs/negotiation.log. A zero
// or disabled Log discards records.
type Log struct {
	mu   sync.Mutex
	file *os.File
}

// OpenLog truncates and opens the negotiation log under cacheDir.
func OpenLog(cacheDir string) (*Log, error) {
	path := filepath.Join(cacheDir, "logs", "negotiation.log")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: file}, nil
}

func DisabledLog() *Log {
	return &Log{}
}

func (l *Log) Record(format string, args ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	ts := float64(time.Now().UnixMilli()) / 1000
	_, _ = fmt.Fprintf(l.file, "[%.3f] %s\n", ts, fmt.Sprintf(format, args...))
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
