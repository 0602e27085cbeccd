package wrapper

import "syscall"

// procAttr puts the worker in its own process group and kills it with the host
func procAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
