//go:build unix

package recorder

import (
	"os"

	"golang.org/x/sys/unix"
)

// canSuspend reports whether pause can freeze the encoder in place. A
// stopped ffmpeg does not stop the capture server: pulse or avfoundation
// keep buffering, and part of that audio is encoded after SIGCONT. Set
// encoder.pause to "stop" when a pause must not leak into the file.
const canSuspend = true

func suspendProcess(p *os.Process) error {
	return p.Signal(unix.SIGSTOP)
}

func resumeProcess(p *os.Process) error {
	return p.Signal(unix.SIGCONT)
}
