package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"clustercore/internal/bus"
	"clustercore/internal/clusternode"
)

var testPort = 22000

func newTestServer(t *testing.T) (*Server, *clusternode.ClusterNode) {
	t.Helper()
	testPort++
	dir := t.TempDir()
	cfg := bus.DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond

	node, err := clusternode.New(clusternode.Options{
		ClientAddr:  "127.0.0.1",
		ClientPort:  testPort,
		ConfigPath:  filepath.Join(dir, "clustercore.conf"),
		Cluster:     cfg,
		DialTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("clusternode.New: %v", err)
	}

	server := NewServer(node)

	ctx, cancel := context.WithCancel(context.Background())
	go node.Start(ctx)
	t.Cleanup(func() {
		cancel()
		node.Stop()
	})

	return server, node
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, "GET", "/health", nil)
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestInfoHandlerReportsClusterState(t *testing.T) {
	s, node := newTestServer(t)
	node.Submit(func() {
		node.Cluster.Slots.Assign(1, node.Cluster.Directory.Self.ID.Owner())
	})
	rec := doJSON(t, s, "GET", "/v1/cluster/info", nil)
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("cluster_slots_assigned:1")) {
		t.Fatalf("info body = %s, want cluster_slots_assigned:1", rec.Body.String())
	}
}

func TestPeersHandlerListsSelf(t *testing.T) {
	s, node := newTestServer(t)
	rec := doJSON(t, s, "GET", "/v1/cluster/peers", nil)
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var peers []clusternode.PeerSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &peers); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(peers) != 1 || peers[0].ID != node.Cluster.Directory.Self.ID.String() {
		t.Fatalf("peers = %+v, want just self", peers)
	}
}

func TestAddSlotsAndFlushSlotsViaHTTP(t *testing.T) {
	s, node := newTestServer(t)

	rec := doJSON(t, s, "POST", "/v1/cluster/slots/add", slotsRequest{Slots: []int{1, 2, 3}})
	if rec.Code != 200 {
		t.Fatalf("addslots status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if node.Cluster.Slots.Owner(2) != node.Cluster.Directory.Self.ID.Owner() {
		t.Fatal("slot 2 should be owned by self after addslots")
	}

	rec = doJSON(t, s, "POST", "/v1/cluster/slots/flush", nil)
	if rec.Code != 200 {
		t.Fatalf("flushslots status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if node.Cluster.Slots.Owner(2) != "" {
		t.Fatal("slot 2 should be released after flushslots")
	}
}

func TestFlushSlotsRefusesWhenStoreNonEmptyViaHTTP(t *testing.T) {
	s, node := newTestServer(t)
	node.Submit(func() {
		node.Cluster.Slots.Assign(1, node.Cluster.Directory.Self.ID.Owner())
		node.Store.Put("k", []byte("v"))
	})

	rec := doJSON(t, s, "POST", "/v1/cluster/slots/flush", nil)
	if rec.Code != 409 {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestKeySlotHandler(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, "GET", "/v1/cluster/keyslot?key=hello", nil)
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var out map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["slot"] < 0 || out["slot"] >= 16384 {
		t.Fatalf("slot = %d, out of range", out["slot"])
	}
}

func TestRouteHandlerServeHereWhenSlotUnowned(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, "GET", "/v1/cluster/route?key=hello", nil)
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var out routeResult
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Decision != "serve_here" {
		t.Fatalf("decision = %q, want serve_here", out.Decision)
	}
}

func TestSetConfigEpochHandler(t *testing.T) {
	s, node := newTestServer(t)
	rec := doJSON(t, s, "POST", "/v1/cluster/config-epoch", configEpochRequest{Epoch: 9})
	if rec.Code != 200 {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if node.Cluster.Directory.Self.ConfigEpoch != 9 {
		t.Fatalf("ConfigEpoch = %d, want 9", node.Cluster.Directory.Self.ConfigEpoch)
	}
}

func TestForgetHandlerUnknownPeerReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	bogus, _ := bus.NewID()
	rec := doJSON(t, s, "POST", "/v1/cluster/forget", idRequest{ID: bogus.String()})
	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, "GET", "/v1/metrics", nil)
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("clustercore_")) {
		t.Fatalf("metrics body missing clustercore_ prefixed series:\n%s", rec.Body.String())
	}
}
