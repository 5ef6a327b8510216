// clusterctl is the operator CLI for spec §6: every cluster-management
// command issues an HTTP request against a node's internal/httpapi
// surface rather than touching cluster state directly (no teacher
// analogue has a CLI framework; the kingpin command-clause layout
// follows prometheus-alertmanager's amtool).
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
)

type client struct {
	baseURL string
	http    *http.Client
}

func (c *client) do(method, path string, body interface{}) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return out, resp.StatusCode, nil
}

func (c *client) run(method, path string, body interface{}) error {
	out, status, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(out)) > 0 {
		fmt.Println(string(out))
	}
	if status >= 400 {
		return fmt.Errorf("clusterctl: node returned status %d", status)
	}
	return nil
}

func main() {
	app := kingpin.New("clusterctl", "Operator CLI for a clustercore node")
	nodeURL := app.Flag("node", "Base URL of the target node's HTTP API").Default("http://127.0.0.1:8080").String()

	c := &client{http: &http.Client{Timeout: 10 * time.Second}}
	app.PreAction(func(*kingpin.ParseContext) error {
		c.baseURL = strings.TrimRight(*nodeURL, "/")
		return nil
	})

	meetCmd := app.Command("meet", "Introduce a new peer by address")
	meetIP := meetCmd.Arg("ip", "Peer IP or hostname").Required().String()
	meetPort := meetCmd.Arg("port", "Peer bus port").Required().Int()
	meetCmd.Action(func(*kingpin.ParseContext) error {
		return c.run("POST", "/v1/cluster/meet", map[string]interface{}{"ip": *meetIP, "port": *meetPort})
	})

	app.Command("peers", "List every known peer").Action(func(*kingpin.ParseContext) error {
		return c.run("GET", "/v1/cluster/peers", nil)
	})

	app.Command("info", "Print cluster state in CLUSTER INFO style").Action(func(*kingpin.ParseContext) error {
		return c.run("GET", "/v1/cluster/info", nil)
	})

	app.Command("saveconfig", "Force a config file save").Action(func(*kingpin.ParseContext) error {
		return c.run("POST", "/v1/cluster/saveconfig", nil)
	})

	app.Command("flushslots", "Release every slot owned by this node").Action(func(*kingpin.ParseContext) error {
		return c.run("POST", "/v1/cluster/slots/flush", nil)
	})

	addslotsCmd := app.Command("addslots", "Assign slots to this node")
	addslotsArgs := addslotsCmd.Arg("slots", "Slot numbers").Required().Ints()
	addslotsCmd.Action(func(*kingpin.ParseContext) error {
		return c.run("POST", "/v1/cluster/slots/add", map[string]interface{}{"slots": *addslotsArgs})
	})

	delslotsCmd := app.Command("delslots", "Release slots from this node")
	delslotsArgs := delslotsCmd.Arg("slots", "Slot numbers").Required().Ints()
	delslotsCmd.Action(func(*kingpin.ParseContext) error {
		return c.run("POST", "/v1/cluster/slots/del", map[string]interface{}{"slots": *delslotsArgs})
	})

	setslotCmd := app.Command("setslot", "Change a single slot's migration state")

	migratingCmd := setslotCmd.Command("migrating", "Mark a slot as migrating to another node")
	migratingSlot := migratingCmd.Arg("slot", "Slot number").Required().Int()
	migratingTarget := migratingCmd.Arg("target-id", "Destination peer ID").Required().String()
	migratingCmd.Action(func(*kingpin.ParseContext) error {
		return c.run("POST", fmt.Sprintf("/v1/cluster/slots/%d/migrating", *migratingSlot), map[string]string{"id": *migratingTarget})
	})

	importingCmd := setslotCmd.Command("importing", "Mark a slot as importing from another node")
	importingSlot := importingCmd.Arg("slot", "Slot number").Required().Int()
	importingSource := importingCmd.Arg("source-id", "Source peer ID").Required().String()
	importingCmd.Action(func(*kingpin.ParseContext) error {
		return c.run("POST", fmt.Sprintf("/v1/cluster/slots/%d/importing", *importingSlot), map[string]string{"id": *importingSource})
	})

	stableCmd := setslotCmd.Command("stable", "Clear a slot's migration state")
	stableSlot := stableCmd.Arg("slot", "Slot number").Required().Int()
	stableCmd.Action(func(*kingpin.ParseContext) error {
		return c.run("POST", fmt.Sprintf("/v1/cluster/slots/%d/stable", *stableSlot), nil)
	})

	nodeCmd := setslotCmd.Command("node", "Assign a slot's owner directly")
	nodeCmdSlot := nodeCmd.Arg("slot", "Slot number").Required().Int()
	nodeCmdOwner := nodeCmd.Arg("owner-id", "New owner peer ID").Required().String()
	nodeCmd.Action(func(*kingpin.ParseContext) error {
		return c.run("POST", fmt.Sprintf("/v1/cluster/slots/%d/owner", *nodeCmdSlot), map[string]string{"id": *nodeCmdOwner})
	})

	keyslotCmd := app.Command("keyslot", "Print the hash slot a key maps to")
	keyslotKey := keyslotCmd.Arg("key", "Key").Required().String()
	keyslotCmd.Action(func(*kingpin.ParseContext) error {
		return c.run("GET", "/v1/cluster/keyslot?key="+*keyslotKey, nil)
	})

	getkeysCmd := app.Command("getkeysinslot", "List keys stored in a slot")
	getkeysSlot := getkeysCmd.Arg("slot", "Slot number").Required().Int()
	getkeysCmd.Action(func(*kingpin.ParseContext) error {
		return c.run("GET", fmt.Sprintf("/v1/cluster/slots/%d/keys", *getkeysSlot), nil)
	})

	forgetCmd := app.Command("forget", "Remove a peer and blacklist it from re-joining via gossip")
	forgetID := forgetCmd.Arg("id", "Peer ID").Required().String()
	forgetCmd.Action(func(*kingpin.ParseContext) error {
		return c.run("POST", "/v1/cluster/forget", map[string]string{"id": *forgetID})
	})

	replicateCmd := app.Command("replicate", "Configure this node as a replica of the given primary")
	replicateID := replicateCmd.Arg("primary-id", "Primary peer ID").Required().String()
	replicateCmd.Action(func(*kingpin.ParseContext) error {
		return c.run("POST", "/v1/cluster/replicate", map[string]string{"id": *replicateID})
	})

	replicasCmd := app.Command("replicas", "List the replicas of a primary")
	replicasID := replicasCmd.Arg("primary-id", "Primary peer ID").Required().String()
	replicasCmd.Action(func(*kingpin.ParseContext) error {
		return c.run("GET", "/v1/cluster/replicas/"+*replicasID, nil)
	})

	failoverCmd := app.Command("failover", "Trigger a manual failover to this replica")
	failoverForce := failoverCmd.Flag("force", "Skip the primary-reachability handshake").Bool()
	failoverCmd.Action(func(*kingpin.ParseContext) error {
		return c.run("POST", "/v1/cluster/failover", map[string]bool{"force": *failoverForce})
	})

	epochCmd := app.Command("set-config-epoch", "Set this node's config epoch before it joins a fresh cluster")
	epochVal := epochCmd.Arg("epoch", "Epoch number").Required().Uint64()
	epochCmd.Action(func(*kingpin.ParseContext) error {
		return c.run("POST", "/v1/cluster/config-epoch", map[string]uint64{"epoch": *epochVal})
	})

	resetCmd := app.Command("reset", "Reset this node's cluster state")
	resetMode := resetCmd.Arg("mode", "soft (default) or hard").Default("soft").Enum("soft", "hard")
	resetCmd.Action(func(*kingpin.ParseContext) error {
		return c.run("POST", "/v1/cluster/reset", map[string]bool{"hard": *resetMode == "hard"})
	})

	if _, err := app.Parse(os.Args[1:]); err != nil {
		kingpin.Fatalf("%v", err)
	}
}
