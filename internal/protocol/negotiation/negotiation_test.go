package negotiation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/lifelinetty/internal/protocol"
	"github.com/danmuck/lifelinetty/internal/serial"
	"github.com/danmuck/lifelinetty/internal/testutil/testlog"
)

func testNegotiator(pref RolePreference, nodeID uint32) *Negotiator {
	return NewNegotiator(Config{
		NodeID:           nodeID,
		Preference:       pref,
		HandshakeTimeout: 200 * time.Millisecond,
	}, DefaultCapabilities())
}

func mustEncode(t *testing.T, f ControlFrame) string {
	t.Helper()
	raw, err := EncodeControl(f)
	if err != nil {
		t.Fatalf("encode control: %v", err)
	}
	return string(raw)
}

func TestCapabilityBitsAlwaysCarryHandshake(t *testing.T) {
	testlog.Start(t)
	if got := (Capabilities{}).Bits(); got != CapHandshakeV1 {
		t.Fatalf("unexpected empty bits: %#x", got)
	}
	caps := Capabilities{Compression: true}
	bits := caps.Bits()
	if bits&CapCompressionV1 == 0 || bits&CapHandshakeV1 == 0 {
		t.Fatalf("unexpected bits: %#x", bits)
	}
	decoded := CapabilitiesFromBits(bits)
	if !decoded.Compression || decoded.Tunnel || decoded.Heartbeat {
		t.Fatalf("unexpected decoded caps: %+v", decoded)
	}
	if CapabilitiesFromBits(CapLCDV2) != (Capabilities{}) {
		t.Fatalf("reserved lcd bit should not map to a capability")
	}
	if got := DefaultCapabilities().Bits(); got != CapHandshakeV1|CapCmdTunnelV1|CapHeartbeatV1 {
		t.Fatalf("unexpected default bits: %#x", got)
	}
}

func TestParseRoleAndPreference(t *testing.T) {
	testlog.Start(t)
	if r, err := ParseRole("SERVER"); err != nil || r != RoleServer {
		t.Fatalf("unexpected role parse: %v %v", r, err)
	}
	if _, err := ParseRole("leader"); !errors.Is(err, protocol.ErrInvalidValue) {
		t.Fatalf("expected invalid role error, got %v", err)
	}
	if p, err := ParsePreference("none"); err != nil || p != NoPreference {
		t.Fatalf("unexpected none alias parse: %v %v", p, err)
	}
	if p, err := ParsePreference("Prefer_Client"); err != nil || p != PreferClient {
		t.Fatalf("unexpected preference parse: %v %v", p, err)
	}
	if _, err := ParsePreference("whatever"); err == nil {
		t.Fatalf("expected preference parse error")
	}
	if RoleServer.Opposite() != RoleClient || RoleClient.Opposite() != RoleServer || RoleUnknown.Opposite() != RoleUnknown {
		t.Fatalf("unexpected opposite mapping")
	}
}

func TestRemoteHelloDegradesInvalidPreference(t *testing.T) {
	testlog.Start(t)
	remote, err := RemoteHelloFromParts(7, "bogus", CapCmdTunnelV1)
	if err == nil {
		t.Fatalf("expected warning for bogus preference")
	}
	if remote.Preference != NoPreference || remote.NodeID != 7 || !remote.Capabilities.Tunnel {
		t.Fatalf("unexpected remote hello: %+v", remote)
	}
}

func TestElectionIsCommutative(t *testing.T) {
	testlog.Start(t)
	prefs := []RolePreference{PreferServer, NoPreference, PreferClient}
	ids := []uint32{0, 1, 42, 1 << 31}
	for _, ap := range prefs {
		for _, bp := range prefs {
			for _, aid := range ids {
				for _, bid := range ids {
					if aid == bid {
						continue
					}
					a := Elect(ap, aid, bp, bid)
					b := Elect(bp, bid, ap, aid)
					if a.Local == a.Remote {
						t.Fatalf("non-complementary decision: %+v", a)
					}
					if a.Local != b.Remote || a.Remote != b.Local {
						t.Fatalf("disagreement a=(%s,%d) b=(%s,%d): %+v vs %+v", ap, aid, bp, bid, a, b)
					}
					var wantServer bool
					if ap.Rank() != bp.Rank() {
						wantServer = ap.Rank() > bp.Rank()
					} else {
						wantServer = aid > bid
					}
					if (a.Local == RoleServer) != wantServer {
						t.Fatalf("unexpected winner a=(%s,%d) b=(%s,%d): %+v", ap, aid, bp, bid, a)
					}
				}
			}
		}
	}
}

func TestControlFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	frames := []ControlFrame{
		HelloFrame(9, DefaultCapabilities(), PreferServer),
		HelloAckFrame(RoleClient, Capabilities{Tunnel: true}),
		LegacyFallbackFrame(),
	}
	for _, f := range frames {
		raw := mustEncode(t, f)
		got, err := DecodeControl([]byte(raw))
		if err != nil {
			t.Fatalf("decode %s: %v", f.Kind, err)
		}
		if got != f {
			t.Fatalf("round trip mismatch: got=%+v want=%+v", got, f)
		}
	}
}

func TestDecodeControlRejectsUnknownAndIncomplete(t *testing.T) {
	testlog.Start(t)
	if _, err := DecodeControl([]byte(`{"type":"cmd_request","cmd":"ls"}`)); !errors.Is(err, protocol.ErrUnknownMessageType) {
		t.Fatalf("expected unknown type, got %v", err)
	}
	if _, err := DecodeControl([]byte(`{"type":"hello","node_id":1}`)); !errors.Is(err, protocol.ErrMissingField) {
		t.Fatalf("expected missing field, got %v", err)
	}
	if _, err := DecodeControl([]byte(`{"payload":"render"}`)); !errors.Is(err, protocol.ErrMissingField) {
		t.Fatalf("expected missing type, got %v", err)
	}
}

func TestNegotiateBareHelloAckResolvesClient(t *testing.T) {
	testlog.Start(t)
	fake := serial.NewFake(`{"type":"hello_ack","chosen_role":"client","peer_caps":{"bits":3}}`)
	res := testNegotiator(PreferServer, 1).Negotiate(context.Background(), fake, DisabledLog())
	if res.Fallback {
		t.Fatalf("unexpected fallback: %+v", res)
	}
	if res.Role != RoleClient || res.PeerRole != RoleServer {
		t.Fatalf("unexpected roles: %+v", res)
	}
	if !res.PeerCapsKnown || res.PeerCaps.Bits() != 3 {
		t.Fatalf("unexpected peer caps: %+v bits=%#x", res.PeerCaps, res.PeerCaps.Bits())
	}
	writes := fake.Writes()
	if len(writes) != 1 {
		t.Fatalf("expected only the hello write, got %+v", writes)
	}
	hello, err := DecodeControl([]byte(writes[0]))
	if err != nil || hello.Kind != KindHello || hello.NodeID != 1 || hello.Pref != "prefer_server" {
		t.Fatalf("unexpected hello: %+v err=%v", hello, err)
	}
}

func TestNegotiatePayloadLineFallsBackWithPending(t *testing.T) {
	testlog.Start(t)
	line := `{"payload":"render"}`
	fake := serial.NewFake(line)
	res := testNegotiator(NoPreference, 1).Negotiate(context.Background(), fake, DisabledLog())
	if !res.Fallback || res.Pending != line {
		t.Fatalf("expected fallback with pending line, got %+v", res)
	}
	if res.Role != RoleServer || res.PeerCapsKnown {
		t.Fatalf("unexpected fallback shape: %+v", res)
	}
}

func TestNegotiateLegacyFallbackFromPeer(t *testing.T) {
	testlog.Start(t)
	fake := serial.NewFake("")
	fake.PushLines(mustEncode(t, LegacyFallbackFrame()))
	res := testNegotiator(NoPreference, 1).Negotiate(context.Background(), fake, DisabledLog())
	if !res.Fallback || res.Pending != "" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestNegotiateRepliesToPeerHello(t *testing.T) {
	testlog.Start(t)
	fake := serial.NewFake(
		mustEncode(t, HelloFrame(5, DefaultCapabilities(), PreferClient)),
		mustEncode(t, HelloAckFrame(RoleServer, DefaultCapabilities())),
	)
	res := testNegotiator(NoPreference, 1).Negotiate(context.Background(), fake, DisabledLog())
	if res.Fallback || res.Role != RoleServer {
		t.Fatalf("unexpected result: %+v", res)
	}
	writes := fake.Writes()
	if len(writes) != 2 {
		t.Fatalf("expected hello and hello_ack writes, got %+v", writes)
	}
	ack, err := DecodeControl([]byte(writes[1]))
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Kind != KindHelloAck || ack.ChosenRole != "client" || ack.PeerCaps != DefaultCapabilities().Bits() {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestNegotiateInvalidPeerPreferenceWarns(t *testing.T) {
	testlog.Start(t)
	fake := serial.NewFake(
		`{"type":"hello","proto_version":1,"node_id":9,"caps":{"bits":1},"pref":"bossy"}`,
		`{"type":"hello_ack","chosen_role":"client","peer_caps":{"bits":1}}`,
	)
	res := testNegotiator(NoPreference, 1).Negotiate(context.Background(), fake, DisabledLog())
	if res.Fallback || len(res.Warnings) != 1 {
		t.Fatalf("expected one warning, got %+v", res)
	}
	ack, err := DecodeControl([]byte(fake.Writes()[1]))
	if err != nil || ack.ChosenRole != "server" {
		t.Fatalf("peer with larger id should be told server: %+v err=%v", ack, err)
	}
}

func TestNegotiateInvalidChosenRoleAssumesServer(t *testing.T) {
	testlog.Start(t)
	fake := serial.NewFake(`{"type":"hello_ack","chosen_role":"boss","peer_caps":{"bits":1}}`)
	res := testNegotiator(NoPreference, 1).Negotiate(context.Background(), fake, DisabledLog())
	if res.Fallback || res.Role != RoleServer || len(res.Warnings) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestNegotiateDropsCorruptControlFrame(t *testing.T) {
	testlog.Start(t)
	good := mustEncode(t, HelloAckFrame(RoleClient, Capabilities{}))
	corrupt := strings.Replace(good, "client", "server", 1)
	fake := serial.NewFake(corrupt, good)
	res := testNegotiator(NoPreference, 1).Negotiate(context.Background(), fake, DisabledLog())
	if res.Fallback || res.Role != RoleClient {
		t.Fatalf("expected corrupt frame to be skipped, got %+v", res)
	}
}

func TestNegotiateTimeoutSendsLegacyFallback(t *testing.T) {
	testlog.Start(t)
	fake := serial.NewFake()
	n := NewNegotiator(Config{NodeID: 1, HandshakeTimeout: 20 * time.Millisecond}, DefaultCapabilities())
	start := time.Now()
	res := n.Negotiate(context.Background(), fake, DisabledLog())
	if !res.Fallback {
		t.Fatalf("expected fallback on timeout")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("returned before deadline")
	}
	writes := fake.Writes()
	if len(writes) != 2 {
		t.Fatalf("expected hello and legacy_fallback, got %+v", writes)
	}
	f, err := DecodeControl([]byte(writes[1]))
	if err != nil || f.Kind != KindLegacyFallback {
		t.Fatalf("unexpected final frame: %+v err=%v", f, err)
	}
}

func TestNegotiateDeadlineUsesInjectedClock(t *testing.T) {
	testlog.Start(t)
	base := time.Unix(1000, 0)
	calls := 0
	clock := func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Second)
	}
	fake := serial.NewFake()
	n := NewNegotiator(Config{NodeID: 1, HandshakeTimeout: 3 * time.Second}, DefaultCapabilities()).WithClock(clock)
	res := n.Negotiate(context.Background(), fake, DisabledLog())
	if !res.Fallback {
		t.Fatalf("expected fallback")
	}
	if calls > 5 {
		t.Fatalf("deadline not driven by injected clock: calls=%d", calls)
	}
}

func TestNegotiateWriteAndReadFailuresFallBack(t *testing.T) {
	testlog.Start(t)
	fake := serial.NewFake(`{"type":"hello_ack","chosen_role":"client","peer_caps":{"bits":1}}`)
	fake.FailWrites(errors.New("unplugged"))
	res := testNegotiator(NoPreference, 1).Negotiate(context.Background(), fake, DisabledLog())
	if !res.Fallback || fake.Pending() != 1 {
		t.Fatalf("expected immediate fallback without reading: %+v", res)
	}

	failing := serial.NewFakeScript(serial.FakeEntry{Err: errors.New("io")})
	res = testNegotiator(NoPreference, 1).Negotiate(context.Background(), failing, DisabledLog())
	if !res.Fallback {
		t.Fatalf("expected fallback on read error")
	}
}

func TestNegotiateStopsOnCancelledContext(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n := NewNegotiator(Config{NodeID: 1, HandshakeTimeout: time.Minute}, DefaultCapabilities())
	res := n.Negotiate(ctx, serial.NewFake(), DisabledLog())
	if !res.Fallback {
		t.Fatalf("expected fallback on cancellation")
	}
}

func TestNegotiationLogRecords(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	nlog, err := OpenLog(dir)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	fake := serial.NewFake(`{"payload":"render"}`)
	testNegotiator(NoPreference, 1).Negotiate(context.Background(), fake, nlog)
	if err := nlog.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "logs", "negotiation.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "hello sent") || !strings.Contains(string(data), "pending") {
		t.Fatalf("unexpected log contents: %q", data)
	}
}
