//go:build !unix

package process

import (
	"os"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

func killGroup(p *os.Process) error {
	return killProcess(p)
}

func setNice(pid, nice int) error {
	return nil
}
