package container

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"
)

func TestLocal_ProvisionRunsInWorkspace(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	dir := t.TempDir()
	os.WriteFile(dir+"/marker.txt", []byte("x"), 0644)

	l := NewLocal([]string{"/bin/sh"}, nil)
	inst, err := l.Provision(context.Background(), "S1", dir)
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	defer l.Stop(context.Background(), inst)

	if err := l.Resize(context.Background(), inst, 100, 30); err != nil {
		t.Errorf("Resize failed: %v", err)
	}
	if _, err := inst.Write([]byte("ls\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got := make(chan bool, 1)
	go func() {
		var out bytes.Buffer
		buf := make([]byte, 1024)
		for {
			n, err := inst.Read(buf)
			out.Write(buf[:n])
			if bytes.Contains(out.Bytes(), []byte("marker.txt")) {
				got <- true
				return
			}
			if err != nil {
				got <- false
				return
			}
		}
	}()

	select {
	case ok := <-got:
		if !ok {
			t.Fatal("shell output ended before listing the workspace")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for shell output")
	}
}

func TestLocal_StopEndsStream(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	l := NewLocal([]string{"/bin/sh"}, nil)
	inst, err := l.Provision(context.Background(), "S1", t.TempDir())
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 256)
		for {
			if _, err := inst.Read(buf); err != nil {
				close(done)
				return
			}
		}
	}()

	l.Stop(context.Background(), inst)
	// Stopping twice is harmless.
	l.Stop(context.Background(), inst)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not observe the end of the stream")
	}
}
