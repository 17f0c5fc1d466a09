package serial

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
	"time"
)

// LineIO is the only transport capability the link layer consumes.
//
// ReadLine returns one line without its terminator. An empty string with a
// nil error means nothing arrived within the transport's read timeout.
type LineIO interface {
	WriteLine(line string) error
	ReadLine() (string, error)
}

// Port is a LineIO bound to an opened device.
type Port interface {
	LineIO
	Close() error
}

// Options configures how a device is opened.
type Options struct {
	Baud        int
	ReadTimeout time.Duration
	// MaxLineBytes bounds one buffered line; longer input is discarded up to
	// the next newline and reported as ErrLineTooLong.
	MaxLineBytes int
}

const (
	DefaultDevice = "/dev/ttyUSB0"
	DefaultBaud   = 9600
)

func DefaultOptions() Options {
	return Options{
		Baud:         DefaultBaud,
		ReadTimeout:  100 * time.Millisecond,
		MaxLineBytes: 8 * 1024,
	}
}

// Opener opens a device path into a Port.
type Opener func(device string, opts Options) (Port, error)

var (
	ErrLineTooLong     = errors.New("serial: line too long")
	ErrUnsupportedBaud = errors.New("serial: unsupported baud rate")
	ErrClosed          = errors.New("serial: port closed")
)

// ErrorKind classifies transport failures for diagnostics and retry decisions.
type ErrorKind string

const (
	KindPermissionDenied ErrorKind = "permission_denied"
	KindDeviceMissing    ErrorKind = "device_missing"
	KindOther            ErrorKind = "other_io"
)

// Classify maps an open/read/write error to an ErrorKind.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return KindPermissionDenied
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOENT), errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.ENXIO):
		return KindDeviceMissing
	default:
		return KindOther
	}
}

// Hint returns an operator-facing remediation for kind, or "".
func Hint(kind ErrorKind) string {
	switch kind {
	case KindPermissionDenied:
		return "add the service user to the dialout group or install a udev rule granting access to the device"
	case KindDeviceMissing:
		return "check the cable and the configured device path"
	default:
		return ""
	}
}

// OpenError is a classified device open failure.
type OpenError struct {
	Device string
	Kind   ErrorKind
	Err    error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("serial: open %s (%s): %v", e.Device, e.Kind, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// Hint returns the remediation for the classified kind.
func (e *OpenError) Hint() string {
	return Hint(e.Kind)
}

func newOpenError(device string, err error) error {
	return &OpenError{Device: device, Kind: Classify(err), Err: err}
}
