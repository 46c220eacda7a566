// Command recoveryd runs a single EpochSS replica: it performs
// StorageBootstrap, runs the RecoveryCoordinator to completion, and then
// serves RecoveryAnswer replies and a small inspection RPC for
// cmd/recoveryctl. Adapted from cmd/raftd/main.go's flag layout and
// signal-driven shutdown.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/epochss/spaxos/internal/catchup"
	"github.com/epochss/spaxos/internal/epochstore"
	"github.com/epochss/spaxos/internal/fsm"
	"github.com/epochss/spaxos/internal/recovery"
	"github.com/epochss/spaxos/internal/rlog"
	"github.com/epochss/spaxos/internal/transport"
)

func main() {
	var (
		id       = flag.Int("id", -1, "Replica id (0-based, dense)")
		dataDir  = flag.String("data-dir", "", "Directory holding sync.epoch")
		address  = flag.String("address", ":8080", "RPC listen address")
		peersArg = flag.String("peers", "", "Comma-separated id=address pairs for every other replica")
	)
	flag.Parse()

	if *id < 0 {
		fmt.Fprintln(os.Stderr, "Error: -id is required")
		os.Exit(1)
	}
	if *dataDir == "" {
		fmt.Fprintln(os.Stderr, "Error: -data-dir is required")
		os.Exit(1)
	}

	peerAddrs, err := parsePeers(*peersArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing -peers: %v\n", err)
		os.Exit(1)
	}
	n := len(peerAddrs) + 1

	log := rlog.New(fmt.Sprintf("replica-%d", *id))

	store, err := epochstore.New(*dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening epoch store: %v\n", err)
		os.Exit(1)
	}

	localID := transport.ReplicaID(*id)
	storage, epoch, err := recovery.Bootstrap(store, localID, n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error during bootstrap: %v\n", err)
		os.Exit(1)
	}

	rpcTransport := transport.NewRPC(localID, peerAddrs)
	if err := rpcTransport.Listen(*address); err != nil {
		fmt.Fprintf(os.Stderr, "Error listening on %s: %v\n", *address, err)
		os.Exit(1)
	}

	kv := fsm.NewKVStore()
	cu := catchup.New(storage)

	onLive := func(probe transport.Recovery, sender transport.ReplicaID) {
		storage.BumpEpochSlot(int(sender), probe.Epoch)
		rpcTransport.SendAnswer(sender, transport.RecoveryAnswer{
			View:        storage.View(),
			EpochVector: storage.EpochVector(),
			NextID:      storage.FirstUncommitted(),
		})
	}

	coordinator := recovery.New(localID, n, epoch, storage, rpcTransport, recoveryRetransInterval, cu, onLive, log)

	rpcTransport.RegisterInspectHandler(func() transport.InspectReply {
		return transport.InspectReply{
			State:            coordinator.State().String(),
			View:             storage.View(),
			EpochVector:      storage.EpochVector(),
			FirstUncommitted: storage.FirstUncommitted(),
			Attempts:         coordinator.Attempts(),
		}
	})

	coordinator.Start()
	log.Infof("started on %s, ensemble size %d, localEpoch %d, %d known keys", *address, n, epoch, kv.Len())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Infof("shutting down")
	coordinator.Stop()
	rpcTransport.Stop()
}

// recoveryRetransInterval is how often an unanswered probe is resent.
const recoveryRetransInterval = 200 * time.Millisecond

func parsePeers(raw string) (map[transport.ReplicaID]string, error) {
	peers := make(map[transport.ReplicaID]string)
	if raw == "" {
		return peers, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed peer entry %q, want id=address", pair)
		}
		id, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("malformed peer id %q: %w", parts[0], err)
		}
		peers[transport.ReplicaID(id)] = strings.TrimSpace(parts[1])
	}
	return peers, nil
}
