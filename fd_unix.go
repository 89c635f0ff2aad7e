//go:build linux || darwin

package corosio

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// closeFD, readFD and writeFD are thin wrappers over the raw syscalls that
// return failures as *IOError, so their callers (Acceptor uses closeFD)
// never have to branch on error types returned by golang.org/x/sys/unix
// directly.

func closeFD(fd int) error {
	if err := unix.Close(fd); err != nil {
		return newIOError("close", "", err.(unix.Errno))
	}
	return nil
}

func readFD(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		return 0, newIOError("read", "", err.(unix.Errno))
	}
	return n, nil
}

func writeFD(fd int, buf []byte) (int, error) {
	n, err := unix.Write(fd, buf)
	if err != nil {
		return 0, newIOError("write", "", err.(unix.Errno))
	}
	return n, nil
}

func setNonblocking(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return newIOError("fcntl", "", err.(unix.Errno))
	}
	return nil
}

// readvFD and writevFD perform a single scatter/gather system call over an
// already-unrolled unix.Iovec array (buffers.go's unrollMutable/unrollConst),
// per spec §4.D. syscall.Errno EAGAIN/EWOULDBLOCK is returned unwrapped so
// callers can distinguish "would block, re-arm" from a hard failure.
func readvFD(fd int, iov []unix.Iovec) (int, error) {
	if len(iov) == 0 {
		return 0, nil
	}
	n, _, errno := unix.Syscall(unix.SYS_READV, uintptr(fd), uintptr(unsafe.Pointer(&iov[0])), uintptr(len(iov)))
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

func writevFD(fd int, iov []unix.Iovec) (int, error) {
	if len(iov) == 0 {
		return 0, nil
	}
	n, _, errno := unix.Syscall(unix.SYS_WRITEV, uintptr(fd), uintptr(unsafe.Pointer(&iov[0])), uintptr(len(iov)))
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}
