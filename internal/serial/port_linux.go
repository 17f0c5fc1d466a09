//go:build linux

package serial

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var baudRates = map[int]uint32{
	1200:    unix.B1200,
	2400:    unix.B2400,
	4800:    unix.B4800,
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	921600:  unix.B921600,
	1000000: unix.B1000000,
}

type termiosPort struct {
	file    *os.File
	maxLine int

	mu         sync.Mutex
	buf        []byte
	scratch    []byte
	discarding bool
}

// Open opens device as a raw 8N1 line port at opts.Baud. Reads block for at
// most opts.ReadTimeout (rounded to deciseconds, clamped to [0.1s, 25.5s]).
func Open(device string, opts Options) (Port, error) {
	defaults := DefaultOptions()
	if opts.Baud <= 0 {
		opts.Baud = defaults.Baud
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaults.ReadTimeout
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = defaults.MaxLineBytes
	}
	speed, ok := baudRates[opts.Baud]
	if !ok {
		return nil, &OpenError{Device: device, Kind: KindOther, Err: fmt.Errorf("%w: %d", ErrUnsupportedBaud, opts.Baud)}
	}

	fd, err := unix.Open(device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, newOpenError(device, &fs.PathError{Op: "open", Path: device, Err: err})
	}
	if err := configureRaw(fd, speed, opts.ReadTimeout); err != nil {
		_ = unix.Close(fd)
		return nil, newOpenError(device, err)
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		_ = unix.Close(fd)
		return nil, newOpenError(device, err)
	}
	return &termiosPort{
		file:    os.NewFile(uintptr(fd), device),
		maxLine: opts.MaxLineBytes,
		scratch: make([]byte, 512),
	}, nil
}

func configureRaw(fd int, speed uint32, readTimeout time.Duration) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("serial: get termios: %w", err)
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CBAUD
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | speed
	t.Ispeed = speed
	t.Ospeed = speed

	deci := readTimeout / (100 * time.Millisecond)
	if deci < 1 {
		deci = 1
	}
	if deci > 255 {
		deci = 255
	}
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = uint8(deci)
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("serial: set termios: %w", err)
	}
	return nil
}

func (p *termiosPort) WriteLine(line string) error {
	if _, err := p.file.Write([]byte(line + "\n")); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

func (p *termiosPort) ReadLine() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if i := bytes.IndexByte(p.buf, '\n'); i >= 0 {
			line := string(p.buf[:i])
			p.buf = append(p.buf[:0], p.buf[i+1:]...)
			if p.discarding || i > p.maxLine {
				p.discarding = false
				return "", ErrLineTooLong
			}
			return strings.TrimRight(line, "\r"), nil
		}
		if len(p.buf) > p.maxLine {
			p.buf = p.buf[:0]
			p.discarding = true
		}
		n, err := p.file.Read(p.scratch)
		if n > 0 {
			p.buf = append(p.buf, p.scratch[:n]...)
			continue
		}
		// VMIN=0/VTIME>0: a timed-out read surfaces as a zero-length read.
		if err == nil || errors.Is(err, io.EOF) {
			return "", nil
		}
		if errors.Is(err, os.ErrClosed) {
			return "", ErrClosed
		}
		return "", err
	}
}

func (p *termiosPort) Close() error {
	return p.file.Close()
}
