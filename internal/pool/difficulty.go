// Copyright (c) 2021-2023 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// minWorkDifficulty is the floor applied to pool-assigned difficulties on
// the ethereum stratum dialect.
const minWorkDifficulty = 0.0001

// extraNonceHexLen is the full hex digit width of the 64-bit nonce.
const extraNonceHexLen = 16

// diffToTarget converts a pool share difficulty to a 32-byte big-endian
// share target.  The mapping writes floor(0xffff0000 / diff) into a
// 256-bit little-endian accumulator at a 32-bit word position derived from
// the magnitude of the difficulty, then byte-reverses the accumulator into
// the returned big-endian target.  A difficulty of zero maps to the
// all-ones target.
func diffToTarget(diff float64) Hash {
	k := 6
	for ; k > 0 && diff > 1.0; k-- {
		diff /= 4294967296.0
	}

	var m uint64
	if diff > 0 {
		q := 4294901760.0 / diff
		if q >= float64(math.MaxUint64) {
			m = math.MaxUint64
		} else {
			m = uint64(q)
		}
	}

	var target Hash
	if m == 0 && k == 6 {
		for i := range target {
			target[i] = 0xff
		}
		return target
	}

	// Words k and k+1 of the little-endian accumulator hold the low and
	// high halves of m.
	var le [HashSize]byte
	for i := 0; i < 8; i++ {
		le[k*4+i] = byte(m >> (8 * i))
	}
	for i := 0; i < HashSize; i++ {
		target[HashSize-1-i] = le[i]
	}
	return target
}

// parseExtranonce parses a pool-assigned extranonce prefix.  The hex string
// is right-padded with zeros to the full 16 digit nonce width; the returned
// value carries the prefix in the upper bits of the nonce space and the
// returned size is the number of hex digits the pool owns.
func parseExtranonce(enonce string) (uint64, int, error) {
	size := len(enonce)
	if size > extraNonceHexLen {
		desc := fmt.Sprintf("extranonce %q exceeds the nonce width", enonce)
		return 0, 0, poolError(ErrDecode, desc)
	}

	padded := enonce + strings.Repeat("0", extraNonceHexLen-size)
	value, err := strconv.ParseUint(padded, 16, 64)
	if err != nil {
		desc := fmt.Sprintf("invalid extranonce %q: %v", enonce, err)
		return 0, 0, poolError(ErrDecode, desc)
	}

	return value, size, nil
}
