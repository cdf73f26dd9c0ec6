// Copyright (c) 2021-2023 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Request ids used for stratum requests.  The submit/response matching in
// the session relies on these being stable across the lifetime of a
// connection.  The hashrate id is 9 rather than 6 because several pools use
// id 6 to push new jobs.
const (
	subscribeID     uint64 = 1
	extranonceSubID uint64 = 2
	authorizeID     uint64 = 3
	submitID        uint64 = 4
	getWorkID       uint64 = 5
	hashrateID      uint64 = 9
)

// HashSize is the size of a pool work hash in bytes.
const HashSize = 32

// Hash represents a 32-byte big-endian hash value such as a header hash,
// seed hash or share target.
type Hash [HashSize]byte

// NewHash creates a Hash from the provided hex string.  A "0x" prefix is
// tolerated.  The string must describe exactly 32 bytes.
func NewHash(hexStr string) (Hash, error) {
	var h Hash
	hexStr = strings.TrimPrefix(hexStr, "0x")
	if len(hexStr) != HashSize*2 {
		desc := fmt.Sprintf("invalid hash length %d, expected %d",
			len(hexStr), HashSize*2)
		return h, poolError(ErrDecode, desc)
	}
	_, err := hex.Decode(h[:], []byte(hexStr))
	if err != nil {
		desc := fmt.Sprintf("invalid hash %q: %v", hexStr, err)
		return h, poolError(ErrDecode, desc)
	}
	return h, nil
}

// String returns the hash as a hex string without a "0x" prefix.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// WorkPackage describes the work a pool session hands to the local farm.
// It replaces any previous package atomically at the farm.
type WorkPackage struct {
	// JobID is the pool's job token as received.  Under the ethereum
	// stratum dialect it is padded to 64 characters for storage and
	// JobLen records the original length so submissions can truncate
	// back to what the pool sent.
	JobID  string
	JobLen int

	Header   Hash
	Seed     Hash
	Boundary Hash

	// StartNonce holds the pool-assigned extranonce in the upper bits of
	// the nonce space.  ExSizeBits is the number of bits reserved for it;
	// the remaining low bits are the miner's search space.
	StartNonce uint64
	ExSizeBits int
}

// Solution represents a candidate nonce found by a miner for a specific
// work package.  It is consumed exactly once by SubmitSolution.
type Solution struct {
	Nonce   uint64
	MixHash Hash
	Work    WorkPackage

	// Stale is set when the work package that produced the solution has
	// been superseded by a new job.
	Stale bool
}

// Events bundles the callbacks a pool client invokes as the session
// progresses.  All callbacks are invoked from the session goroutine and
// must not block.
type Events struct {
	OnConnected        func()
	OnDisconnected     func()
	OnWorkReceived     func(work WorkPackage)
	OnSolutionAccepted func(stale bool)
	OnSolutionRejected func(stale bool)
}

// PoolClient defines the transport and dialect independent contract a pool
// session exposes to the pool manager.
type PoolClient interface {
	// Connect requests establishment of the session.  It is idempotent
	// and may return before network I/O completes; the outcome is
	// reported via the OnConnected/OnDisconnected events.
	Connect()

	// Disconnect tears the session down.  It is idempotent, cancels all
	// timers and closes the socket.  OnDisconnected fires exactly once
	// per session epoch.
	Disconnect()

	// SubmitSolution submits the provided solution to the pool.  It is
	// fire-and-forget; the result surfaces via OnSolutionAccepted or
	// OnSolutionRejected.
	SubmitSolution(sol Solution)

	// SubmitHashrate reports the provided hashrate (hex string) to the
	// pool.  It is best-effort and silently ignored when disabled or
	// disconnected.
	SubmitHashrate(rate string)

	IsConnected() bool
	IsSubscribed() bool
	IsAuthorized() bool
}

// Farm defines the functionality needed from the local collection of mining
// devices.  Implementations must replace work atomically and accept
// solution callbacks from any goroutine.
type Farm interface {
	// SetWork replaces the current work package.  The farm is
	// responsible for stopping in-progress work on the previous package.
	SetWork(work WorkPackage)

	// SetOnSolutionFound registers the handler invoked for every
	// solution found by the farm's miners.
	SetOnSolutionFound(handler func(sol Solution))

	// HashRate returns the farm's current hashrate as a hex string
	// suitable for eth_submitHashrate.
	HashRate() string
}
