//go:build !unix

package recorder

import (
	"errors"
	"os"
)

const canSuspend = false

var errSuspendUnsupported = errors.New("process suspension is not supported on this platform")

func suspendProcess(*os.Process) error {
	return errSuspendUnsupported
}

func resumeProcess(*os.Process) error {
	return errSuspendUnsupported
}
