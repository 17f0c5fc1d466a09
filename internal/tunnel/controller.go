package tunnel

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/lifelinetty/internal/cachedir"
	tunnelproto "github.com/danmuck/lifelinetty/internal/protocol/tunnel"
	"github.com/rs/zerolog/log"
)

// Controller routes decoded tunnel messages into the executor and records
// rejected frames under <cache>/tunnel/errors.log.
type Controller struct {
	exec *Executor
	dir  string
	mu   sync.Mutex
}

// NewController prepares the tunnel cache directory. Permission and
// read-only failures leave frame-error logging disabled; other failures are
// returned.
func NewController(cacheDir string, cfg ExecutorConfig) (*Controller, error) {
	dir := cachedir.Sub(cacheDir, "tunnel")
	if err := cachedir.Ensure(dir); err != nil {
		return nil, fmt.Errorf("tunnel: prepare %s: %w", dir, err)
	}
	return &Controller{exec: NewExecutor(cfg), dir: dir}, nil
}

func (c *Controller) Executor() *Executor {
	return c.exec
}

// HandleMessage dispatches an incoming tunnel message. Only CmdRequest is
// actionable; it reports whether a subprocess was started.
func (c *Controller) HandleMessage(msg tunnelproto.Message) bool {
	if msg.Kind != tunnelproto.KindCmdRequest {
		return false
	}
	_, started := c.exec.Handle(msg.Cmd)
	return started
}

func (c *Controller) NextOutgoing() (tunnelproto.Message, bool) {
	return c.exec.NextOutgoing()
}

func (c *Controller) Running() bool {
	return c.exec.Running()
}

// ErrorLogPath is the frame-error log location.
func (c *Controller) ErrorLogPath() string {
	return filepath.Join(c.dir, "errors.log")
}

// LogFrameError appends a rejected frame with line breaks escaped.
func (c *Controller) LogFrameError(detail string, raw string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	file, err := os.OpenFile(c.ErrorLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Debug().Err(err).Msg("tunnel: frame error log unavailable")
		return
	}
	defer file.Close()
	sanitized := strings.NewReplacer("\n", `\n`, "\r", `\r`).Replace(raw)
	_, _ = fmt.Fprintf(file, "[%d] %s: %s\n", time.Now().Unix(), detail, sanitized)
}
