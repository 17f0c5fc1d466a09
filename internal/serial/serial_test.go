package serial

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	"github.com/danmuck/lifelinetty/internal/testutil/testlog"
)

func TestFakeScriptsReadsAndWrites(t *testing.T) {
	testlog.Start(t)
	boom := errors.New("boom")
	fake := NewFakeScript(FakeEntry{Line: "first"}, FakeEntry{Err: boom})

	line, err := fake.ReadLine()
	if err != nil || line != "first" {
		t.Fatalf("unexpected read: line=%q err=%v", line, err)
	}
	if _, err := fake.ReadLine(); !errors.Is(err, boom) {
		t.Fatalf("expected scripted error, got %v", err)
	}
	line, err = fake.ReadLine()
	if err != nil || line != "" {
		t.Fatalf("expected quiet read after script, got line=%q err=%v", line, err)
	}
	if err := fake.WriteLine("PING"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := fake.Writes(); len(got) != 1 || got[0] != "PING" {
		t.Fatalf("unexpected writes: %+v", got)
	}
}

func TestFakeScriptedDelay(t *testing.T) {
	testlog.Start(t)
	fake := NewFakeScript(FakeEntry{Line: "later", Delay: 5 * time.Millisecond})
	start := time.Now()
	line, err := fake.ReadLine()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Fatalf("delay not respected: %v", elapsed)
	}
	if line != "later" {
		t.Fatalf("unexpected line: %q", line)
	}
}

func TestFakeClosedRejectsIO(t *testing.T) {
	testlog.Start(t)
	fake := NewFake("x")
	_ = fake.Close()
	if err := fake.WriteLine("y"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on write, got %v", err)
	}
	if _, err := fake.ReadLine(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on read, got %v", err)
	}
}

func TestClassifyOpenFailures(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{&fs.PathError{Op: "open", Path: "/dev/ttyUSB0", Err: fs.ErrPermission}, KindPermissionDenied},
		{&fs.PathError{Op: "open", Path: "/dev/ttyUSB0", Err: fs.ErrNotExist}, KindDeviceMissing},
		{fmt.Errorf("wrapped: %w", fs.ErrNotExist), KindDeviceMissing},
		{errors.New("i/o error"), KindOther},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("classify %v: got=%s want=%s", tc.err, got, tc.want)
		}
	}
	if Classify(nil) != "" {
		t.Fatalf("expected empty kind for nil error")
	}
}

func TestOpenErrorCarriesHint(t *testing.T) {
	testlog.Start(t)
	open := FakeOpener(nil, &fs.PathError{Op: "open", Path: "/dev/ttyACM0", Err: fs.ErrPermission})
	_, err := open("/dev/ttyACM0", DefaultOptions())
	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected OpenError, got %T", err)
	}
	if openErr.Kind != KindPermissionDenied {
		t.Fatalf("unexpected kind: %s", openErr.Kind)
	}
	if openErr.Hint() == "" {
		t.Fatalf("expected permission hint")
	}
	if !errors.Is(err, fs.ErrPermission) {
		t.Fatalf("expected wrapped fs.ErrPermission")
	}
}
