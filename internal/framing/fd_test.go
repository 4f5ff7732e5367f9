package framing

import (
	"net"
	"os"
	"sync"
	"testing"
)

// socketpair returns two connected *net.UnixConn, suitable for exercising
// FD passing without touching the filesystem.
func socketpair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()

	dir := t.TempDir()
	path := dir + "/fdtest.sock"

	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	var serverConn net.Conn
	var acceptErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		serverConn, acceptErr = ln.Accept()
	}()

	clientConn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	<-done
	if acceptErr != nil {
		t.Fatalf("accept: %v", acceptErr)
	}

	return clientConn.(*net.UnixConn), serverConn.(*net.UnixConn)
}

func TestFDNegotiation_PassesRealDescriptor(t *testing.T) {
	sender, receiver := socketpair(t)
	defer sender.Close()
	defer receiver.Close()

	tmp, err := os.CreateTemp(t.TempDir(), "payload")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer tmp.Close()
	if _, err := tmp.WriteString("owner pipe contents"); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	var wg sync.WaitGroup
	var sendErr, recvErr error
	var recvFD int

	wg.Add(2)
	go func() {
		defer wg.Done()
		sendErr = SendFDWithNegotiation(sender, int(tmp.Fd()), nil)
	}()
	go func() {
		defer wg.Done()
		recvFD, recvErr = RecvFDWithNegotiation(receiver, nil)
	}()
	wg.Wait()

	if sendErr != nil {
		t.Fatalf("SendFDWithNegotiation: %v", sendErr)
	}
	if recvErr != nil {
		t.Fatalf("RecvFDWithNegotiation: %v", recvErr)
	}
	defer os.NewFile(uintptr(recvFD), "received").Close()

	got := os.NewFile(uintptr(recvFD), "received")
	buf := make([]byte, 64)
	n, err := got.ReadAt(buf, 0)
	if err != nil && n == 0 {
		t.Fatalf("read received fd: %v", err)
	}
	if string(buf[:n]) != "owner pipe contents" {
		t.Errorf("unexpected content: %q", buf[:n])
	}
}

func TestFDNegotiation_WrongPreambleIsProtocolError(t *testing.T) {
	sender, receiver := socketpair(t)
	defer sender.Close()
	defer receiver.Close()

	// Receiver speaks a bogus preamble instead of "pass IO".
	go func() {
		_ = WriteArrayMessage(receiver, nil, "not the right message")
	}()

	devNull, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatalf("open devnull: %v", err)
	}
	defer devNull.Close()

	err = SendFDWithNegotiation(sender, int(devNull.Fd()), nil)
	if err == nil {
		t.Fatal("expected protocol error for wrong preamble")
	}
}
