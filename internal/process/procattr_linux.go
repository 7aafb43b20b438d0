package process

import "syscall"

// sysProcAttr puts the child in its own process group. Pdeathsig makes the
// kernel kill the child if the agent dies first.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
