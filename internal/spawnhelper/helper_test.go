package spawnhelper

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/arna-oss/poolcore/internal/framing"
	"github.com/arna-oss/poolcore/internal/protocol"
)

func TestHelper_SpawnApplication_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	ln, err := net.Listen("unix", filepath.Join(dir, "helper.sock"))
	if err != nil {
		t.Fatal(err)
	}
	h := New(ln, "secret", dir)
	go h.Serve()
	defer ln.Close()

	conn, err := net.Dial("unix", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	uconn := conn.(*net.UnixConn)

	budget := framing.NewBudget(2 * time.Second)
	if err := framing.WriteArrayMessage(uconn, budget, "secret"); err != nil {
		t.Fatalf("auth: %v", err)
	}
	if err := framing.WriteArrayMessage(uconn, budget, string(protocol.HelperCmdSpawnApplication), "app_root", "/app", "app_group_name", "app", "environment", "production"); err != nil {
		t.Fatalf("send spawn_application: %v", err)
	}

	status, err := framing.ReadArrayMessage(uconn, budget)
	if err != nil || len(status) != 1 || status[0] != "ok" {
		t.Fatalf("expected ok status, got %v err=%v", status, err)
	}

	info, err := framing.ReadArrayMessage(uconn, budget)
	if err != nil || len(info) != 3 || info[0] != "/app" {
		t.Fatalf("unexpected info reply: %v err=%v", info, err)
	}

	sock, err := framing.ReadArrayMessage(uconn, budget)
	if err != nil || len(sock) != 3 || sock[0] != string(protocol.MainSocketRole) {
		t.Fatalf("unexpected socket entry: %v err=%v", sock, err)
	}

	if _, err := framing.RecvFDWithNegotiation(uconn, budget); err != nil {
		t.Fatalf("receive owner pipe: %v", err)
	}
}

func TestHelper_RejectsWrongPassword(t *testing.T) {
	dir := t.TempDir()
	ln, err := net.Listen("unix", filepath.Join(dir, "helper.sock"))
	if err != nil {
		t.Fatal(err)
	}
	h := New(ln, "secret", dir)
	go h.Serve()
	defer ln.Close()

	conn, err := net.Dial("unix", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	uconn := conn.(*net.UnixConn)

	budget := framing.NewBudget(2 * time.Second)
	if err := framing.WriteArrayMessage(uconn, budget, "wrong"); err != nil {
		t.Fatalf("send wrong password: %v", err)
	}
	if err := framing.WriteArrayMessage(uconn, budget, string(protocol.HelperCmdReload), "app"); err != nil {
		t.Fatalf("send reload: %v", err)
	}
	if _, err := framing.ReadArrayMessage(uconn, budget); err == nil {
		t.Fatal("expected connection to be closed after failed authentication")
	}
}

func TestHelper_Reload(t *testing.T) {
	dir := t.TempDir()
	ln, err := net.Listen("unix", filepath.Join(dir, "helper.sock"))
	if err != nil {
		t.Fatal(err)
	}
	h := New(ln, "secret", dir)
	go h.Serve()
	defer ln.Close()

	conn, err := net.Dial("unix", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	uconn := conn.(*net.UnixConn)

	budget := framing.NewBudget(2 * time.Second)
	framing.WriteArrayMessage(uconn, budget, "secret")
	framing.WriteArrayMessage(uconn, budget, string(protocol.HelperCmdReload), "app")

	status, err := framing.ReadArrayMessage(uconn, budget)
	if err != nil || len(status) != 1 || status[0] != "ok" {
		t.Fatalf("expected ok status, got %v err=%v", status, err)
	}
}
