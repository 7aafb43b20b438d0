//go:build unix

package process

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// killGroup terminates the process group led by p.
func killGroup(p *os.Process) error {
	if p == nil || p.Pid <= 0 {
		return os.ErrProcessDone
	}

	if err := unix.Kill(-p.Pid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return killProcess(p)
		}
		return errors.Wrap(err, "kill process group")
	}
	return nil
}

// setNice sets the niceness of pid to nice.
func setNice(pid, nice int) error {
	if err := unix.Setpriority(unix.PRIO_PROCESS, pid, nice); err != nil {
		return errors.Wrapf(err, "setpriority %d", nice)
	}
	return nil
}
