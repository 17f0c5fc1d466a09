//go:build !linux

package serial

import (
	"errors"
	"fmt"
	"runtime"
)

// Open is only implemented for linux termios devices.
func Open(device string, opts Options) (Port, error) {
	return nil, &OpenError{
		Device: device,
		Kind:   KindOther,
		Err:    fmt.Errorf("%w on %s", errors.ErrUnsupported, runtime.GOOS),
	}
}
