//go:build !unix

package operations

import "syscall"

func detached() *syscall.SysProcAttr { return nil }
