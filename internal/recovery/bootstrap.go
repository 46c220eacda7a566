package recovery

import (
	"fmt"

	"github.com/epochss/spaxos/internal/epochstore"
	"github.com/epochss/spaxos/internal/paxosvol"
	"github.com/epochss/spaxos/internal/transport"
)

// Bootstrap runs spec.md §4.2's StorageBootstrap sequence once, synchronously,
// before any dispatcher exists: allocate volatile storage, bump the view away
// from self-as-leader, bump and persist the local epoch, and seed the epoch
// vector with it. File I/O is allowed to block here — this is the one place
// in the recovery core's lifetime where that is safe (spec.md §5).
func Bootstrap(store *epochstore.Store, localID transport.ReplicaID, n int) (*paxosvol.Storage, uint64, error) {
	if n <= 0 {
		return nil, 0, fmt.Errorf("recovery: bootstrap: ensemble size must be positive, got %d", n)
	}

	storage := paxosvol.New(n)
	storage.BumpViewIfSelfLeader(int(localID), n)

	prevEpoch, err := store.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("recovery: bootstrap: read epoch: %w", err)
	}
	newEpoch := prevEpoch + 1
	if err := store.Write(newEpoch); err != nil {
		return nil, 0, fmt.Errorf("recovery: bootstrap: persist epoch: %w", err)
	}

	vector := make([]uint64, n)
	vector[localID] = newEpoch
	storage.SetEpochVector(vector)

	return storage, newEpoch, nil
}
