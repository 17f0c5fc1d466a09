package tunnel

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	tunnelproto "github.com/danmuck/lifelinetty/internal/protocol/tunnel"
	"github.com/danmuck/lifelinetty/internal/tools"
	"github.com/rs/zerolog/log"
)

const (
	// ChunkSize caps the bytes carried by one stdout/stderr message.
	ChunkSize = 512
	// DefaultQueueDepth bounds outgoing messages buffered from workers.
	DefaultQueueDepth = 256
)

var ErrNotAllowed = errors.New("tunnel: command not allowed")

// ExecutorConfig configures a command session executor.
type ExecutorConfig struct {
	// Allowlist holds command names (or full paths). Empty allows anything.
	Allowlist  []string
	QueueDepth int
	Spawner    tools.Spawner
}

type outgoing struct {
	requestID uint64
	msg       tunnelproto.Message
}

// Executor runs at most one subprocess at a time and turns its output into
// tunnel messages.
//
// Handle and NextOutgoing belong to the caller's poll loop and must not be
// called concurrently. Worker goroutines only post to the queue.
type Executor struct {
	spawner tools.Spawner
	allow   map[string]struct{}

	queue   chan outgoing
	replies []outgoing

	running   atomic.Bool
	currentID uint64
	nextID    uint64
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	spawner := cfg.Spawner
	if spawner == nil {
		spawner = tools.ExecRunner{}
	}
	allow := make(map[string]struct{}, len(cfg.Allowlist))
	for _, name := range cfg.Allowlist {
		name = strings.TrimSpace(name)
		if name != "" {
			allow[name] = struct{}{}
		}
	}
	return &Executor{
		spawner: spawner,
		allow:   allow,
		queue:   make(chan outgoing, depth),
	}
}

// Running reports whether a session is in flight.
func (e *Executor) Running() bool {
	return e.running.Load()
}

// Handle processes one command request and returns its request id. It
// reports false when no subprocess was started; the reply (Busy, or Stderr
// followed by Exit 1) is already queued for NextOutgoing.
func (e *Executor) Handle(cmd string) (uint64, bool) {
	e.nextID++
	id := e.nextID

	if e.running.Load() {
		log.Debug().Uint64("request_id", id).Msg("tunnel: busy")
		e.reply(id, tunnelproto.Busy())
		return id, false
	}

	tokens, err := Tokenize(cmd)
	if err != nil {
		e.fail(id, err)
		return id, false
	}
	if !e.allowed(tokens[0]) {
		e.fail(id, fmt.Errorf("%w: %s", ErrNotAllowed, tokens[0]))
		return id, false
	}
	proc, err := e.spawner.Spawn(tokens[0], tokens[1:]...)
	if err != nil {
		e.fail(id, fmt.Errorf("tunnel: spawn %s: %w", tokens[0], err))
		return id, false
	}

	e.currentID = id
	e.running.Store(true)
	log.Info().Uint64("request_id", id).Str("cmd", tokens[0]).Int("pid", proc.Pid()).Msg("tunnel: command started")

	var readers sync.WaitGroup
	readers.Add(2)
	go e.pump(id, proc.Stdout, tunnelproto.Stdout, &readers)
	go e.pump(id, proc.Stderr, tunnelproto.Stderr, &readers)
	go func() {
		readers.Wait()
		code := proc.Wait()
		e.queue <- outgoing{requestID: id, msg: tunnelproto.Exit(code)}
	}()
	return id, true
}

// NextOutgoing returns the next queued message without blocking. Popping the
// Exit of the running session returns the executor to idle.
func (e *Executor) NextOutgoing() (tunnelproto.Message, bool) {
	if len(e.replies) > 0 {
		next := e.replies[0]
		e.replies = e.replies[1:]
		return next.msg, true
	}
	select {
	case next := <-e.queue:
		if next.msg.Kind == tunnelproto.KindExit && next.requestID == e.currentID {
			e.running.Store(false)
			log.Info().Uint64("request_id", next.requestID).Int32("code", next.msg.Code).Msg("tunnel: command exited")
		}
		return next.msg, true
	default:
		return tunnelproto.Message{}, false
	}
}

func (e *Executor) allowed(program string) bool {
	if len(e.allow) == 0 {
		return true
	}
	if _, ok := e.allow[program]; ok {
		return true
	}
	_, ok := e.allow[filepath.Base(program)]
	return ok
}

func (e *Executor) reply(id uint64, msg tunnelproto.Message) {
	e.replies = append(e.replies, outgoing{requestID: id, msg: msg})
}

// fail queues the error text in ChunkSize pieces so every reply fits a frame,
// then Exit 1.
func (e *Executor) fail(id uint64, err error) {
	log.Warn().Err(err).Uint64("request_id", id).Msg("tunnel: command rejected")
	text := []byte(err.Error())
	for len(text) > 0 {
		n := min(len(text), ChunkSize)
		e.reply(id, tunnelproto.Stderr(text[:n]))
		text = text[n:]
	}
	e.reply(id, tunnelproto.Exit(1))
}

func (e *Executor) pump(id uint64, r io.Reader, wrap func([]byte) tunnelproto.Message, done *sync.WaitGroup) {
	defer done.Done()
	buf := make([]byte, ChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			e.queue <- outgoing{requestID: id, msg: wrap(chunk)}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Uint64("request_id", id).Msg("tunnel: stream read ended")
			}
			return
		}
	}
}
