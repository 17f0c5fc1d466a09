package tunnel

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"reflect"
	"strings"
	"testing"
	"time"

	tunnelproto "github.com/danmuck/lifelinetty/internal/protocol/tunnel"
	"github.com/danmuck/lifelinetty/internal/testutil/testlog"
	"github.com/danmuck/lifelinetty/internal/tools"
)

type failingSpawner struct{ err error }

func (s failingSpawner) Spawn(name string, args ...string) (*tools.Process, error) {
	return nil, s.err
}

func requireBinaries(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			t.Skipf("%s not available", name)
		}
	}
}

// collectUntilExit drains the executor until an Exit arrives.
func collectUntilExit(t *testing.T, e *Executor, timeout time.Duration) []tunnelproto.Message {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var got []tunnelproto.Message
	for time.Now().Before(deadline) {
		msg, ok := e.NextOutgoing()
		if !ok {
			time.Sleep(2 * time.Millisecond)
			continue
		}
		got = append(got, msg)
		if msg.Kind == tunnelproto.KindExit {
			return got
		}
	}
	t.Fatalf("no exit within %s; got %+v", timeout, got)
	return nil
}

func TestTokenize(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		in   string
		want []string
	}{
		{"echo 'hello world'", []string{"echo", "hello world"}},
		{`echo "it's" fine`, []string{"echo", "it's", "fine"}},
		{`echo a\ b`, []string{"echo", "a b"}},
		{`printf "x\"y"`, []string{"printf", `x"y`}},
		{"  ls   -la\t/tmp  ", []string{"ls", "-la", "/tmp"}},
		{"echo ''", []string{"echo", ""}},
		{"a'b'c", []string{"abc"}},
	}
	for _, tc := range cases {
		got, err := Tokenize(tc.in)
		if err != nil {
			t.Fatalf("tokenize %q: %v", tc.in, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("tokenize %q: got=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestTokenizeErrors(t *testing.T) {
	testlog.Start(t)
	cases := map[string]error{
		"echo 'foo": ErrUnterminatedQuote,
		`echo "foo`: ErrUnterminatedQuote,
		`echo foo\`: ErrDanglingEscape,
		"":          ErrEmptyCommand,
		"   \t  ":   ErrEmptyCommand,
	}
	for in, want := range cases {
		if _, err := Tokenize(in); !errors.Is(err, want) {
			t.Fatalf("tokenize %q: got=%v want=%v", in, err, want)
		}
	}
}

func TestExecutorBusyWhileRunning(t *testing.T) {
	testlog.Start(t)
	requireBinaries(t, "sleep", "true")
	e := NewExecutor(ExecutorConfig{})

	if _, started := e.Handle("sleep 1"); !started {
		t.Fatalf("expected first request to start")
	}
	if _, ok := e.NextOutgoing(); ok {
		t.Fatalf("expected no immediate reply for started session")
	}
	if _, started := e.Handle("true"); started {
		t.Fatalf("second request should not start while running")
	}
	msg, ok := e.NextOutgoing()
	if !ok || msg.Kind != tunnelproto.KindBusy {
		t.Fatalf("expected busy, got %+v ok=%v", msg, ok)
	}

	out := collectUntilExit(t, e, 5*time.Second)
	if exit := out[len(out)-1]; exit.Code != 0 {
		t.Fatalf("unexpected exit: %+v", exit)
	}
	if e.Running() {
		t.Fatalf("executor should be idle after exit delivered")
	}
	if _, started := e.Handle("true"); !started {
		t.Fatalf("third request should be accepted")
	}
	collectUntilExit(t, e, 5*time.Second)
}

func TestExecutorStreamsEchoWithAllowlist(t *testing.T) {
	testlog.Start(t)
	requireBinaries(t, "echo")
	e := NewExecutor(ExecutorConfig{Allowlist: []string{"echo"}})
	if _, started := e.Handle("echo hello"); !started {
		t.Fatalf("expected echo to start")
	}
	out := collectUntilExit(t, e, 5*time.Second)
	var stdout bytes.Buffer
	for _, msg := range out[:len(out)-1] {
		if msg.Kind != tunnelproto.KindStdout {
			t.Fatalf("unexpected message before exit: %+v", msg)
		}
		stdout.Write(msg.Chunk)
	}
	if !strings.Contains(stdout.String(), "hello") {
		t.Fatalf("unexpected stdout: %q", stdout.String())
	}
	if out[len(out)-1].Code != 0 {
		t.Fatalf("unexpected exit: %+v", out[len(out)-1])
	}
}

func TestExecutorChunksLargeOutput(t *testing.T) {
	testlog.Start(t)
	requireBinaries(t, "head")
	e := NewExecutor(ExecutorConfig{})
	if _, started := e.Handle("head -c 2000 /dev/zero"); !started {
		t.Fatalf("expected head to start")
	}
	out := collectUntilExit(t, e, 5*time.Second)
	total := 0
	for _, msg := range out {
		if msg.Kind == tunnelproto.KindStdout {
			if len(msg.Chunk) > ChunkSize {
				t.Fatalf("chunk too large: %d", len(msg.Chunk))
			}
			total += len(msg.Chunk)
		}
	}
	if total != 2000 {
		t.Fatalf("unexpected total bytes: %d", total)
	}
}

func TestExecutorRelaysStderrAndExitCode(t *testing.T) {
	testlog.Start(t)
	requireBinaries(t, "sh")
	e := NewExecutor(ExecutorConfig{})
	if _, started := e.Handle(`sh -c "echo boom >&2; exit 4"`); !started {
		t.Fatalf("expected sh to start")
	}
	out := collectUntilExit(t, e, 5*time.Second)
	var stderr bytes.Buffer
	for _, msg := range out {
		if msg.Kind == tunnelproto.KindStderr {
			stderr.Write(msg.Chunk)
		}
	}
	if strings.TrimSpace(stderr.String()) != "boom" {
		t.Fatalf("unexpected stderr: %q", stderr.String())
	}
	if out[len(out)-1].Code != 4 {
		t.Fatalf("unexpected exit code: %+v", out[len(out)-1])
	}
}

func TestExecutorRejectsDisallowedCommand(t *testing.T) {
	testlog.Start(t)
	e := NewExecutor(ExecutorConfig{Allowlist: []string{"echo"}})
	if _, started := e.Handle("rm -rf /"); started {
		t.Fatalf("disallowed command started")
	}
	first, _ := e.NextOutgoing()
	second, _ := e.NextOutgoing()
	if first.Kind != tunnelproto.KindStderr || !strings.Contains(string(first.Chunk), "command not allowed") {
		t.Fatalf("unexpected first reply: %+v", first)
	}
	if second.Kind != tunnelproto.KindExit || second.Code != 1 {
		t.Fatalf("unexpected second reply: %+v", second)
	}
	if e.Running() {
		t.Fatalf("executor should stay idle")
	}
}

func TestExecutorSplitsLongRejectionAcrossFrames(t *testing.T) {
	testlog.Start(t)
	e := NewExecutor(ExecutorConfig{Allowlist: []string{"echo"}})
	name := strings.Repeat("z", 1200)
	request, err := tunnelproto.Encode(tunnelproto.CmdRequest(name))
	if err != nil {
		t.Fatalf("request should fit a frame: %v", err)
	}
	if len(request) > 4096 {
		t.Fatalf("unexpected request size: %d", len(request))
	}
	if _, started := e.Handle(name); started {
		t.Fatalf("disallowed command started")
	}

	var replies []tunnelproto.Message
	for {
		msg, ok := e.NextOutgoing()
		if !ok {
			break
		}
		replies = append(replies, msg)
	}
	if len(replies) < 3 {
		t.Fatalf("expected stderr split across messages: %+v", replies)
	}
	var stderr bytes.Buffer
	for i, msg := range replies {
		if _, err := tunnelproto.Encode(msg); err != nil {
			t.Fatalf("reply %d does not encode: %v", i, err)
		}
		if i == len(replies)-1 {
			if msg.Kind != tunnelproto.KindExit || msg.Code != 1 {
				t.Fatalf("unexpected final reply: %+v", msg)
			}
			continue
		}
		if msg.Kind != tunnelproto.KindStderr || len(msg.Chunk) > ChunkSize {
			t.Fatalf("unexpected reply %d: kind=%s len=%d", i, msg.Kind, len(msg.Chunk))
		}
		stderr.Write(msg.Chunk)
	}
	if !strings.Contains(stderr.String(), "command not allowed: "+name) {
		t.Fatalf("stderr text incomplete: %d bytes", stderr.Len())
	}
}

func TestExecutorAllowlistMatchesBaseName(t *testing.T) {
	testlog.Start(t)
	e := NewExecutor(ExecutorConfig{Allowlist: []string{"echo", "/usr/local/bin/tool"}})
	if !e.allowed("/bin/echo") || !e.allowed("echo") || !e.allowed("/usr/local/bin/tool") {
		t.Fatalf("expected allow-list matches")
	}
	if e.allowed("/bin/echox") || e.allowed("cat") {
		t.Fatalf("unexpected allow-list match")
	}
}

func TestExecutorReportsTokenizeAndSpawnFailures(t *testing.T) {
	testlog.Start(t)
	e := NewExecutor(ExecutorConfig{Spawner: failingSpawner{err: os.ErrPermission}})
	for _, cmd := range []string{"echo 'unterminated", "   ", "anything"} {
		if _, started := e.Handle(cmd); started {
			t.Fatalf("%q should not start", cmd)
		}
		stderr, ok := e.NextOutgoing()
		if !ok || stderr.Kind != tunnelproto.KindStderr || len(stderr.Chunk) == 0 {
			t.Fatalf("%q: expected stderr reply, got %+v", cmd, stderr)
		}
		exit, ok := e.NextOutgoing()
		if !ok || exit.Kind != tunnelproto.KindExit || exit.Code != 1 {
			t.Fatalf("%q: expected exit 1, got %+v", cmd, exit)
		}
		if _, ok := e.NextOutgoing(); ok {
			t.Fatalf("%q: unexpected extra reply", cmd)
		}
	}
}

func TestExecutorRequestIDsIncrease(t *testing.T) {
	testlog.Start(t)
	e := NewExecutor(ExecutorConfig{Spawner: failingSpawner{err: errors.New("nope")}})
	first, _ := e.Handle("a")
	second, _ := e.Handle("b")
	if second != first+1 {
		t.Fatalf("unexpected request ids: %d %d", first, second)
	}
}

func TestControllerLogsFrameErrors(t *testing.T) {
	testlog.Start(t)
	c, err := NewController(t.TempDir(), ExecutorConfig{})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	c.LogFrameError("checksum mismatch", "{\"msg\":1}\r\n")
	data, err := os.ReadFile(c.ErrorLogPath())
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `checksum mismatch: {"msg":1}\r\n`) {
		t.Fatalf("unexpected log: %q", data)
	}
	if c.HandleMessage(tunnelproto.Heartbeat()) {
		t.Fatalf("heartbeat should not start a command")
	}
}
