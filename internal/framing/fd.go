package framing

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// SendFD sends fd as an SCM_RIGHTS ancillary message over a Unix domain
// socket connection, writing a single dummy byte as the regular payload
// (required on some platforms for the control message to be delivered at
// all).
func SendFD(conn *net.UnixConn, fd int) error {
	rights := unix.UnixRights(fd)

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("framing: get raw conn for fd send: %w", err)
	}

	var sendErr error
	ctrlErr := rawConn.Write(func(sysFd uintptr) bool {
		sendErr = unix.Sendmsg(int(sysFd), []byte{0}, rights, nil, 0)
		return sendErr != unix.EAGAIN
	})
	if ctrlErr != nil {
		return fmt.Errorf("framing: control send: %w", ctrlErr)
	}
	if sendErr != nil {
		return fmt.Errorf("framing: sendmsg: %w", sendErr)
	}
	return nil
}

// RecvFD receives a single file descriptor passed via SCM_RIGHTS over a
// Unix domain socket connection.
func RecvFD(conn *net.UnixConn) (int, error) {
	oob := make([]byte, unix.CmsgSpace(4))
	buf := make([]byte, 1)

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("framing: get raw conn for fd recv: %w", err)
	}

	var (
		oobn    int
		recvErr error
	)
	ctrlErr := rawConn.Read(func(sysFd uintptr) bool {
		_, oobn, _, _, recvErr = unix.Recvmsg(int(sysFd), buf, oob, 0)
		return recvErr != unix.EAGAIN
	})
	if ctrlErr != nil {
		return -1, fmt.Errorf("framing: control recv: %w", ctrlErr)
	}
	if recvErr != nil {
		return -1, fmt.Errorf("framing: recvmsg: %w", recvErr)
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, fmt.Errorf("framing: parse control message: %w", err)
	}
	if len(cmsgs) == 0 {
		return -1, fmt.Errorf("%w: no control message received", ErrProtocol)
	}

	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil {
		return -1, fmt.Errorf("framing: parse unix rights: %w", err)
	}
	if len(fds) != 1 {
		return -1, fmt.Errorf("%w: expected exactly one fd, got %d", ErrProtocol, len(fds))
	}
	return fds[0], nil
}

// SendFDWithNegotiation performs the full sender-side handshake of
// spec.md section 4.1: wait for the receiver's "pass IO" array message,
// send the fd via SCM_RIGHTS, then wait for "got IO" before the caller is
// allowed to close its copy of fd. This ordering keeps an over-reading
// receiver from ever silently swallowing the descriptor.
func SendFDWithNegotiation(conn *net.UnixConn, fd int, budget *Budget) error {
	args, err := ReadArrayMessage(conn, budget)
	if err != nil {
		return fmt.Errorf("framing: fd send negotiation, awaiting pass IO: %w", err)
	}
	if len(args) != 1 || args[0] != "pass IO" {
		return fmt.Errorf("%w: expected [\"pass IO\"], got %v", ErrProtocol, args)
	}

	if err := SendFD(conn, fd); err != nil {
		return err
	}

	args, err = ReadArrayMessage(conn, budget)
	if err != nil {
		return fmt.Errorf("framing: fd send negotiation, awaiting got IO: %w", err)
	}
	if len(args) != 1 || args[0] != "got IO" {
		return fmt.Errorf("%w: expected [\"got IO\"], got %v", ErrProtocol, args)
	}
	return nil
}

// RecvFDWithNegotiation performs the full receiver-side handshake: send
// "pass IO", receive the fd, then acknowledge with "got IO". On any error
// after the fd has been received, the fd is closed before returning.
func RecvFDWithNegotiation(conn *net.UnixConn, budget *Budget) (fd int, err error) {
	if err := WriteArrayMessage(conn, budget, "pass IO"); err != nil {
		return -1, fmt.Errorf("framing: fd recv negotiation, sending pass IO: %w", err)
	}

	fd, err = RecvFD(conn)
	if err != nil {
		return -1, err
	}

	if err := WriteArrayMessage(conn, budget, "got IO"); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("framing: fd recv negotiation, sending got IO: %w", err)
	}
	return fd, nil
}
