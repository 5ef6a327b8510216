package clusternode

import (
	"path/filepath"
	"testing"
	"time"
)

var testPortCounter = 20000

func nextTestPort() int {
	testPortCounter++
	return testPortCounter
}

func newTestNode(t *testing.T) *ClusterNode {
	t.Helper()
	dir := t.TempDir()
	n, err := New(Options{
		ClientAddr:  "127.0.0.1",
		ClientPort:  nextTestPort(),
		ConfigPath:  filepath.Join(dir, "clustercore.conf"),
		Cluster:     defaultTestConfig(),
		DialTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		n.Stop()
	})
	return n
}

func TestNewValidatesClientPort(t *testing.T) {
	dir := t.TempDir()
	_, err := New(Options{
		ClientAddr: "127.0.0.1",
		ClientPort: 60000,
		ConfigPath: filepath.Join(dir, "clustercore.conf"),
		Cluster:    defaultTestConfig(),
	})
	if err == nil {
		t.Fatal("expected an error for a client port that leaves no room for the bus offset")
	}
}

func TestNewBindsBusPortAtClientPortPlusOffset(t *testing.T) {
	clientPort := nextTestPort()
	dir := t.TempDir()
	n, err := New(Options{
		ClientAddr:  "127.0.0.1",
		ClientPort:  clientPort,
		ConfigPath:  filepath.Join(dir, "clustercore.conf"),
		Cluster:     defaultTestConfig(),
		DialTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Stop()

	if want := clientPort + 10000; n.Cluster.Directory.Self.Port != want {
		t.Fatalf("self.Port = %d, want %d", n.Cluster.Directory.Self.Port, want)
	}
}

func TestSecondOpenOnSameConfigFails(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "clustercore.conf")
	n, err := New(Options{
		ClientAddr:  "127.0.0.1",
		ClientPort:  nextTestPort(),
		ConfigPath:  cfgPath,
		Cluster:     defaultTestConfig(),
		DialTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Stop()

	_, err = New(Options{
		ClientAddr:  "127.0.0.1",
		ClientPort:  nextTestPort(),
		ConfigPath:  cfgPath,
		Cluster:     defaultTestConfig(),
		DialTimeout: time.Second,
	})
	if err == nil {
		t.Fatal("expected the second node pointed at the same config file to fail")
	}
}

func TestStartAndStopRunsCleanly(t *testing.T) {
	n := newTestNode(t)
	ctx, cancel := testContext()
	defer cancel()

	done := make(chan struct{})
	go func() {
		n.Start(ctx)
		close(done)
	}()

	if err := n.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestSubmitRunsOnEventLoop(t *testing.T) {
	n := newTestNode(t)
	ctx, cancel := testContext()
	defer cancel()

	go n.Start(ctx)
	defer n.Stop()

	var sawSlot bool
	n.Submit(func() {
		n.Cluster.Slots.Assign(42, n.Cluster.Directory.Self.ID.Owner())
		sawSlot = true
	})

	if !sawSlot {
		t.Fatal("Submit should run fn before returning")
	}
	if n.Cluster.Slots.Owner(42) != n.Cluster.Directory.Self.ID.Owner() {
		t.Fatal("Submit's fn should have mutated cluster state visibly to the caller")
	}
}
