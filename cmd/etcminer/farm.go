// Copyright (c) 2022-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"sync"

	"github.com/etcsuite/etcminer/internal/pool"
)

// localFarm bridges the pool manager and the mining device backends.  Work
// replacement is atomic and the solution entry point is safe to call from
// any miner goroutine.  Device enumeration and the search kernels
// themselves live behind the registered backends.
type localFarm struct {
	mtx        sync.Mutex
	work       pool.WorkPackage
	haveWork   bool
	hashes     uint64
	onSolution func(sol pool.Solution)
}

// SetWork atomically replaces the current work package.  Backends observe
// the change on their next fetch and abandon the previous package.
func (f *localFarm) SetWork(work pool.WorkPackage) {
	f.mtx.Lock()
	f.work = work
	f.haveWork = true
	f.mtx.Unlock()
	log.Debugf("Farm switched to job %s", work.JobID)
}

// CurrentWork returns the current work package, if any.
func (f *localFarm) CurrentWork() (pool.WorkPackage, bool) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.work, f.haveWork
}

// SetOnSolutionFound registers the handler miner backends report found
// solutions through.
func (f *localFarm) SetOnSolutionFound(handler func(sol pool.Solution)) {
	f.mtx.Lock()
	f.onSolution = handler
	f.mtx.Unlock()
}

// SubmitSolution forwards a solution found by a backend to the registered
// handler.
func (f *localFarm) SubmitSolution(sol pool.Solution) {
	f.mtx.Lock()
	handler := f.onSolution
	f.mtx.Unlock()
	if handler != nil {
		handler(sol)
	}
}

// SetHashRate updates the farm's aggregate hashrate in hashes per second.
func (f *localFarm) SetHashRate(hashes uint64) {
	f.mtx.Lock()
	f.hashes = hashes
	f.mtx.Unlock()
}

// HashRate returns the farm's aggregate hashrate as a hex string suitable
// for hashrate reports.
func (f *localFarm) HashRate() string {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return fmt.Sprintf("0x%x", f.hashes)
}
