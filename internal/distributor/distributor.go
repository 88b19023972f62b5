// Package distributor is the sole writer of the AssetId -> worker_id
// assignment: it shards incoming assets across a worker fleet under a
// per-worker capacity limit and computes the minimal diff a caller needs
// to apply against its worker registry.
package distributor

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/polystream/streamcore/internal/events"
)

// ErrInvariantViolated is returned when an internal consistency check
// fails. It should never occur in practice; its presence lets callers
// fail loudly rather than silently operate on a corrupt assignment.
var ErrInvariantViolated = errors.New("distributor: invariant violated")

// Update is the diff a caller must apply to move its worker registry from
// the prior assignment to the new one.
type Update struct {
	WorkersToAdd      map[int][]events.AssetID
	WorkersToRemove   map[int][]events.AssetID
	WorkersToShutdown []int
}

func newUpdate() Update {
	return Update{
		WorkersToAdd:    make(map[int][]events.AssetID),
		WorkersToRemove: make(map[int][]events.AssetID),
	}
}

func (u Update) empty() bool {
	return len(u.WorkersToAdd) == 0 && len(u.WorkersToRemove) == 0 && len(u.WorkersToShutdown) == 0
}

// Distributor maintains the AssetId -> worker_id mapping under a capacity
// constraint. All mutating methods are serialized by one lock; reads take
// the same lock briefly to clone state.
type Distributor struct {
	mu sync.RWMutex

	tokensPerWorker int
	nextWorkerID    int

	// assignment maps worker id to its assigned asset set, preserving
	// insertion order within a worker for deterministic diffs.
	assignment map[int][]events.AssetID
	owner      map[events.AssetID]int
}

// New returns an empty Distributor capping each worker at tokensPerWorker
// assets.
func New(tokensPerWorker int) *Distributor {
	if tokensPerWorker <= 0 {
		tokensPerWorker = 100
	}
	return &Distributor{
		tokensPerWorker: tokensPerWorker,
		assignment:      make(map[int][]events.AssetID),
		owner:           make(map[events.AssetID]int),
	}
}

// AddTokens assigns every asset in newAssets that isn't already assigned,
// greedily filling existing workers up to capacity before opening new
// workers with monotonically increasing ids. The returned Update's
// WorkersToAdd is the only populated field.
//
// Tie-break when more than one worker has spare capacity: smallest worker
// id first, then smallest current load — ties are broken deterministically
// so the same input always produces the same diff.
func (d *Distributor) AddTokens(newAssets []events.AssetID) (Update, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	update := newUpdate()

	for _, asset := range newAssets {
		if _, already := d.owner[asset]; already {
			continue
		}

		workerID, ok := d.pickWorkerWithSpareCapacityLocked()
		if !ok {
			workerID = d.nextWorkerID
			d.nextWorkerID++
			d.assignment[workerID] = nil
		}

		d.assignment[workerID] = append(d.assignment[workerID], asset)
		d.owner[asset] = workerID
		update.WorkersToAdd[workerID] = append(update.WorkersToAdd[workerID], asset)
	}

	if err := d.checkInvariantsLocked(); err != nil {
		return Update{}, err
	}
	return update, nil
}

// pickWorkerWithSpareCapacityLocked returns the smallest-id worker with
// room for one more asset, or false if none exists.
func (d *Distributor) pickWorkerWithSpareCapacityLocked() (int, bool) {
	ids := make([]int, 0, len(d.assignment))
	for id := range d.assignment {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		if len(d.assignment[id]) < d.tokensPerWorker {
			return id, true
		}
	}
	return 0, false
}

// RemoveTokens unassigns every asset in gone. A worker left with zero
// assets is added to WorkersToShutdown rather than WorkersToRemove.
func (d *Distributor) RemoveTokens(gone []events.AssetID) (Update, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	update := newUpdate()
	touched := make(map[int]struct{})

	for _, asset := range gone {
		workerID, ok := d.owner[asset]
		if !ok {
			continue
		}
		delete(d.owner, asset)
		d.assignment[workerID] = removeAsset(d.assignment[workerID], asset)
		touched[workerID] = struct{}{}
		update.WorkersToRemove[workerID] = append(update.WorkersToRemove[workerID], asset)
	}

	ids := make([]int, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if len(d.assignment[id]) == 0 {
			delete(d.assignment, id)
			update.WorkersToShutdown = append(update.WorkersToShutdown, id)
			delete(update.WorkersToRemove, id)
		}
	}

	if err := d.checkInvariantsLocked(); err != nil {
		return Update{}, err
	}
	return update, nil
}

func removeAsset(assets []events.AssetID, target events.AssetID) []events.AssetID {
	out := assets[:0]
	for _, a := range assets {
		if a != target {
			out = append(out, a)
		}
	}
	return out
}

// Assignment returns a snapshot copy of the full worker_id -> assets map.
func (d *Distributor) Assignment() map[int][]events.AssetID {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[int][]events.AssetID, len(d.assignment))
	for id, assets := range d.assignment {
		cp := make([]events.AssetID, len(assets))
		copy(cp, assets)
		out[id] = cp
	}
	return out
}

// Tokens returns the full set of assets currently assigned to any worker.
func (d *Distributor) Tokens() []events.AssetID {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]events.AssetID, 0, len(d.owner))
	for asset := range d.owner {
		out = append(out, asset)
	}
	return out
}

// WorkerFor returns the worker id owning asset, if assigned.
func (d *Distributor) WorkerFor(asset events.AssetID) (int, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.owner[asset]
	return id, ok
}

// checkInvariantsLocked verifies I4 (disjoint across workers), I5 (union
// equals the owner index), and I6 (per-worker capacity). Called with mu
// already held.
func (d *Distributor) checkInvariantsLocked() error {
	seen := make(map[events.AssetID]int, len(d.owner))
	for workerID, assets := range d.assignment {
		if len(assets) > d.tokensPerWorker {
			return fmt.Errorf("%w: worker %d holds %d assets, limit %d", ErrInvariantViolated, workerID, len(assets), d.tokensPerWorker)
		}
		for _, asset := range assets {
			if prior, dup := seen[asset]; dup {
				return fmt.Errorf("%w: asset %s assigned to both worker %d and %d", ErrInvariantViolated, asset, prior, workerID)
			}
			seen[asset] = workerID
		}
	}
	if len(seen) != len(d.owner) {
		return fmt.Errorf("%w: assignment/owner size mismatch (%d vs %d)", ErrInvariantViolated, len(seen), len(d.owner))
	}
	for asset, workerID := range d.owner {
		if seen[asset] != workerID {
			return fmt.Errorf("%w: owner index disagrees with assignment for asset %s", ErrInvariantViolated, asset)
		}
	}
	return nil
}
