package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"pulse/internal/config"
	"pulse/internal/eventstore"
	"pulse/internal/ingest"
)

func TestStartRun_StopWaitsForLastApply(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	writer := func(eventstore.Record) error {
		entered <- struct{}{}
		<-release
		return nil
	}
	m, err := ingest.New(config.NewMemoryStore(&config.Preferences{Port: port, Enabled: true}),
		ingest.WithEventWriter(writer))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	stop := startRun(context.Background(), m)
	if err := m.StartServer(); err != nil {
		t.Fatalf("StartServer: %v", err)
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatal(err)
	}
	body := `{"service.name":"codex"}`
	fmt.Fprintf(conn, "POST /v1/logs HTTP/1.1\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	io.ReadAll(conn)
	conn.Close()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("event was never applied")
	}

	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("stop returned while an event write was in progress")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return after the write finished")
	}
}
