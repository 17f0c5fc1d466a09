package serial

import (
	"sync"
	"time"
)

// FakeEntry is one scripted ReadLine result.
type FakeEntry struct {
	Line  string
	Err   error
	Delay time.Duration
}

// Fake is a scripted LineIO for tests. Reads pop the script in order; once
// the script is empty ReadLine behaves like a quiet line and returns "".
type Fake struct {
	mu       sync.Mutex
	script   []FakeEntry
	writes   []string
	writeErr error
	idle     time.Duration
	closed   bool
}

func NewFake(lines ...string) *Fake {
	entries := make([]FakeEntry, 0, len(lines))
	for _, line := range lines {
		entries = append(entries, FakeEntry{Line: line})
	}
	return NewFakeScript(entries...)
}

func NewFakeScript(entries ...FakeEntry) *Fake {
	return &Fake{
		script: entries,
		idle:   time.Millisecond,
	}
}

// Push appends entries to the read script.
func (f *Fake) Push(entries ...FakeEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, entries...)
}

// PushLines appends plain lines to the read script.
func (f *Fake) PushLines(lines ...string) {
	for _, line := range lines {
		f.Push(FakeEntry{Line: line})
	}
}

// FailWrites makes every subsequent WriteLine return err.
func (f *Fake) FailWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *Fake) WriteLine(line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, line)
	return nil
}

func (f *Fake) ReadLine() (string, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return "", ErrClosed
	}
	if len(f.script) == 0 {
		idle := f.idle
		f.mu.Unlock()
		time.Sleep(idle)
		return "", nil
	}
	entry := f.script[0]
	f.script = f.script[1:]
	f.mu.Unlock()

	if entry.Delay > 0 {
		time.Sleep(entry.Delay)
	}
	if entry.Err != nil {
		return "", entry.Err
	}
	return entry.Line, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Writes returns a copy of every line written so far.
func (f *Fake) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes))
	copy(out, f.writes)
	return out
}

// Pending reports how many scripted reads remain.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.script)
}

// FakeOpener returns an Opener that hands out port, or fails with err.
func FakeOpener(port Port, err error) Opener {
	return func(device string, opts Options) (Port, error) {
		if err != nil {
			return nil, newOpenError(device, err)
		}
		return port, nil
	}
}
