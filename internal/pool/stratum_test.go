// Copyright (c) 2021-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
)

// testTimeout bounds every wait in the session tests.
const testTimeout = time.Second * 5

// startTestPool starts a scripted pool server on a loopback listener and
// returns its address.  Each accepted connection is handed to the provided
// handler on its own goroutine.
func startTestPool(t *testing.T, handler func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handler(conn)
		}
	}()
	t.Cleanup(func() {
		ln.Close()
	})
	return ln.Addr().String()
}

// sessionHarness wires a stratum client's events to channels the tests can
// wait on.
type sessionHarness struct {
	client       *StratumClient
	connected    chan struct{}
	disconnected chan struct{}
	work         chan WorkPackage
	accepted     chan bool
	rejected     chan bool
}

// newSessionHarness creates a stratum client for the provided pool url with
// its events bridged to harness channels.
func newSessionHarness(t *testing.T, url string, tweak func(cfg *StratumConfig)) *sessionHarness {
	t.Helper()
	ep, err := ParseEndpoint(url)
	if err != nil {
		t.Fatalf("unable to parse pool url: %v", err)
	}

	h := &sessionHarness{
		connected:    make(chan struct{}, 4),
		disconnected: make(chan struct{}, 4),
		work:         make(chan WorkPackage, 4),
		accepted:     make(chan bool, 4),
		rejected:     make(chan bool, 4),
	}
	cfg := &StratumConfig{
		Endpoint:        ep,
		UserAgent:       "etcminer/test",
		ConnectTimeout:  time.Second * 2,
		WorkTimeout:     testTimeout,
		ResponseTimeout: time.Second * 2,
		Events: &Events{
			OnConnected: func() {
				h.connected <- struct{}{}
			},
			OnDisconnected: func() {
				h.disconnected <- struct{}{}
			},
			OnWorkReceived: func(work WorkPackage) {
				h.work <- work
			},
			OnSolutionAccepted: func(stale bool) {
				h.accepted <- stale
			},
			OnSolutionRejected: func(stale bool) {
				h.rejected <- stale
			},
		},
	}
	if tweak != nil {
		tweak(cfg)
	}

	h.client, err = NewStratumClient(cfg)
	if err != nil {
		t.Fatalf("unable to create stratum client: %v", err)
	}
	t.Cleanup(h.client.Disconnect)
	return h
}

// waitSignal waits for a signal on the provided channel.
func waitSignal(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for %s", what)
	}
}

// waitWork waits for a work package event.
func waitWork(t *testing.T, ch chan WorkPackage, what string) WorkPackage {
	t.Helper()
	select {
	case work := <-ch:
		return work
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for %s", what)
		panic("unreachable")
	}
}

// waitStale waits for a solution result event and returns its stale flag.
func waitStale(t *testing.T, ch chan bool, what string) bool {
	t.Helper()
	select {
	case stale := <-ch:
		return stale
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for %s", what)
		panic("unreachable")
	}
}

// ensureNoSignal ensures no signal arrives on the provided channel for a
// short grace period.
func ensureNoSignal(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("unexpected %s", what)
	case <-time.After(time.Millisecond * 250):
	}
}

// readRequest reads and decodes a single request line sent by the client.
func readRequest(t *testing.T, r *bufio.Reader) map[string]interface{} {
	t.Helper()
	data, err := r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("unable to read client request: %v", err)
	}
	var req map[string]interface{}
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatalf("unable to decode client request %q: %v", data, err)
	}
	return req
}

// expectMethod reads a request and ensures its method matches.
func expectMethod(t *testing.T, r *bufio.Reader, method string) map[string]interface{} {
	t.Helper()
	req := readRequest(t, r)
	if req["method"] != method {
		t.Fatalf("unexpected method -- got %v, want %s", req["method"],
			method)
	}
	return req
}

// sendLine writes a single frame to the client.
func sendLine(t *testing.T, conn net.Conn, frame string) {
	t.Helper()
	if _, err := fmt.Fprintf(conn, "%s\n", frame); err != nil {
		t.Fatalf("unable to write frame: %v", err)
	}
}

// param returns the string at the provided index of a request params array.
func param(t *testing.T, req map[string]interface{}, idx int) string {
	t.Helper()
	params, ok := req["params"].([]interface{})
	if !ok || idx >= len(params) {
		t.Fatalf("missing request param %d", idx)
	}
	str, ok := params[idx].(string)
	if !ok {
		t.Fatalf("request param %d is not a string", idx)
	}
	return str
}

var (
	testHeader1 = "aa" + strings.Repeat("01", 31)
	testHeader2 = "bb" + strings.Repeat("02", 31)
	testSeed    = "cc" + strings.Repeat("03", 31)
	testTarget  = "0x" + strings.Repeat("00", 4) + strings.Repeat("ff", 28)
)

// TestStratumSession exercises the plain stratum happy path: subscribe,
// authorize, work notifications with duplicate suppression, robustness to
// malformed frames and idempotent disconnect.
func TestStratumSession(t *testing.T) {
	addr := startTestPool(t, func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)

		req := expectMethod(t, r, Subscribe)
		if req["jsonrpc"] != "2.0" {
			t.Errorf("subscribe is not jsonrpc v2: %v", req["jsonrpc"])
		}
		sendLine(t, conn, `{"id":1,"result":true,"jsonrpc":"2.0"}`)

		req = expectMethod(t, r, Authorize)
		if got := param(t, req, 0); got != "user.rig1" {
			t.Errorf("unexpected authorize login -- got %s, want user.rig1",
				got)
		}
		if got := param(t, req, 1); got != "pass" {
			t.Errorf("unexpected authorize pass -- got %s, want pass", got)
		}
		sendLine(t, conn, `{"id":3,"result":true}`)

		job := func(id, header string) string {
			return fmt.Sprintf(`{"id":0,"method":"mining.notify",`+
				`"params":["%s","0x%s","0x%s","%s"]}`, id, header,
				testSeed, testTarget)
		}
		sendLine(t, conn, job("a1", testHeader1))

		// A malformed line and a duplicate job must both be survived
		// without losing the job that follows them.
		sendLine(t, conn, `{"this is not json`)
		sendLine(t, conn, job("a1", testHeader1))
		sendLine(t, conn, job("a2", testHeader2))

		// Hold the connection open until the client leaves.
		for {
			if _, err := r.ReadBytes('\n'); err != nil {
				return
			}
		}
	})

	h := newSessionHarness(t, "stratum+tcp://user.rig1:pass@"+addr, nil)
	h.client.Connect()
	waitSignal(t, h.connected, "connect event")

	work := waitWork(t, h.work, "first job")
	if work.Header.String() != testHeader1 {
		t.Errorf("unexpected header -- got %s, want %s", work.Header,
			testHeader1)
	}
	if work.JobID != "a1" {
		t.Errorf("unexpected job id -- got %s, want a1", work.JobID)
	}
	if work.Boundary.String() != strings.TrimPrefix(testTarget, "0x") {
		t.Errorf("unexpected boundary -- got %s, want %s", work.Boundary,
			strings.TrimPrefix(testTarget, "0x"))
	}

	// The duplicate notification is suppressed, so the next job observed
	// must be the second header.
	work = waitWork(t, h.work, "second job")
	if work.Header.String() != testHeader2 {
		t.Errorf("unexpected header -- got %s, want %s", work.Header,
			testHeader2)
	}

	if !h.client.IsConnected() || !h.client.IsSubscribed() ||
		!h.client.IsAuthorized() {
		t.Fatal("expected a connected, subscribed and authorized session")
	}

	// Disconnecting twice fires the disconnect event exactly once.
	h.client.Disconnect()
	waitSignal(t, h.disconnected, "disconnect event")
	h.client.Disconnect()
	ensureNoSignal(t, h.disconnected, "second disconnect event")

	if h.client.IsConnected() {
		t.Fatal("expected a disconnected session")
	}
}

// TestStratumShortTargetPadding ensures share targets with trimmed leading
// zeros are padded back to full width.
func TestStratumShortTargetPadding(t *testing.T) {
	addr := startTestPool(t, func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)

		expectMethod(t, r, Subscribe)
		sendLine(t, conn, `{"id":1,"result":true,"jsonrpc":"2.0"}`)
		expectMethod(t, r, Authorize)
		sendLine(t, conn, `{"id":3,"result":true}`)

		sendLine(t, conn, fmt.Sprintf(`{"id":0,"method":"mining.notify",`+
			`"params":["a1","0x%s","0x%s","0x04ffb6"]}`, testHeader1,
			testSeed))

		for {
			if _, err := r.ReadBytes('\n'); err != nil {
				return
			}
		}
	})

	h := newSessionHarness(t, "stratum+tcp://user:pass@"+addr, nil)
	h.client.Connect()

	work := waitWork(t, h.work, "job")
	want := strings.Repeat("0", 58) + "04ffb6"
	if work.Boundary.String() != want {
		t.Errorf("unexpected boundary -- got %s, want %s", work.Boundary,
			want)
	}
}

// TestEthereumStratumSession exercises the nicehash dialect: extranonce
// extraction from the subscription, difficulty-derived boundaries and the
// truncated submission format.
func TestEthereumStratumSession(t *testing.T) {
	addr := startTestPool(t, func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)

		req := expectMethod(t, r, Subscribe)
		if got := param(t, req, 1); got != ethereumStratumProto {
			t.Errorf("unexpected protocol -- got %s, want %s", got,
				ethereumStratumProto)
		}
		sendLine(t, conn,
			`{"id":1,"result":[["mining.notify","s1"],"abcd"],"error":null}`)

		expectMethod(t, r, ExtranonceSubscribe)
		sendLine(t, conn, `{"id":2,"result":true}`)

		expectMethod(t, r, Authorize)
		sendLine(t, conn, `{"id":3,"result":true}`)

		sendLine(t, conn,
			`{"id":0,"method":"mining.set_difficulty","params":[4]}`)
		sendLine(t, conn, fmt.Sprintf(`{"id":0,"method":"mining.notify",`+
			`"params":["j1","%s","%s"]}`, testSeed, testHeader1))

		req = expectMethod(t, r, Submit)
		if got := param(t, req, 0); got != "user" {
			t.Errorf("unexpected submit login -- got %s, want user", got)
		}
		if got := param(t, req, 1); got != "j1" {
			t.Errorf("unexpected submit job -- got %s, want j1", got)
		}
		if got := param(t, req, 2); got != "0123456789ab" {
			t.Errorf("unexpected submit nonce -- got %s, want 0123456789ab",
				got)
		}
		sendLine(t, conn, `{"id":4,"result":true}`)

		for {
			if _, err := r.ReadBytes('\n'); err != nil {
				return
			}
		}
	})

	h := newSessionHarness(t, "stratum2+tcp://user:pass@"+addr, nil)
	h.client.Connect()
	waitSignal(t, h.connected, "connect event")

	work := waitWork(t, h.work, "job")
	if work.StartNonce != 0xabcd000000000000 {
		t.Errorf("unexpected start nonce -- got %016x, want "+
			"abcd000000000000", work.StartNonce)
	}
	if work.ExSizeBits != 16 {
		t.Errorf("unexpected extranonce bits -- got %d, want 16",
			work.ExSizeBits)
	}
	if wantBoundary := diffToTarget(4); work.Boundary != wantBoundary {
		t.Errorf("unexpected boundary -- got %s, want %s", work.Boundary,
			wantBoundary)
	}
	if work.JobLen != 2 || !strings.HasPrefix(work.JobID, "j1") ||
		len(work.JobID) != 64 {
		t.Errorf("unexpected job id -- got %s (len %d)", work.JobID,
			work.JobLen)
	}
	if work.Header.String() != testHeader1 {
		t.Errorf("unexpected header -- got %s, want %s", work.Header,
			testHeader1)
	}

	// The extranonce prefix abcd is stripped from the submitted nonce.
	h.client.SubmitSolution(Solution{
		Nonce: 0xabcd0123456789ab,
		Work:  work,
	})
	if stale := waitStale(t, h.accepted, "accepted event"); stale {
		t.Error("expected a non-stale acceptance")
	}
}

// TestStratumStaleSolution ensures a submission still awaiting its response
// is marked stale the moment a new job arrives.
func TestStratumStaleSolution(t *testing.T) {
	addr := startTestPool(t, func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)

		expectMethod(t, r, Subscribe)
		sendLine(t, conn, `{"id":1,"result":true,"jsonrpc":"2.0"}`)
		expectMethod(t, r, Authorize)
		sendLine(t, conn, `{"id":3,"result":true}`)

		sendLine(t, conn, fmt.Sprintf(`{"id":0,"method":"mining.notify",`+
			`"params":["a1","0x%s","0x%s","%s"]}`, testHeader1, testSeed,
			testTarget))

		// Answer the submission only after a new job superseded it.
		expectMethod(t, r, Submit)
		sendLine(t, conn, fmt.Sprintf(`{"id":0,"method":"mining.notify",`+
			`"params":["a2","0x%s","0x%s","%s"]}`, testHeader2, testSeed,
			testTarget))
		sendLine(t, conn, `{"id":4,"result":true}`)

		for {
			if _, err := r.ReadBytes('\n'); err != nil {
				return
			}
		}
	})

	h := newSessionHarness(t, "stratum+tcp://user:pass@"+addr, nil)
	h.client.Connect()

	work := waitWork(t, h.work, "first job")
	h.client.SubmitSolution(Solution{Nonce: 1, Work: work})

	work = waitWork(t, h.work, "second job")
	if work.Header.String() != testHeader2 {
		t.Fatalf("unexpected header -- got %s, want %s", work.Header,
			testHeader2)
	}

	if stale := waitStale(t, h.accepted, "accepted event"); !stale {
		t.Error("expected a stale acceptance")
	}
}

// TestStratumId999Quirk ensures pools erroring with the bogus id 999 are
// treated as a failed subscription when the session is not subscribed yet.
func TestStratumId999Quirk(t *testing.T) {
	addr := startTestPool(t, func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)

		expectMethod(t, r, Subscribe)
		sendLine(t, conn,
			`{"id":999,"jsonrpc":"2.0","error":{"code":-1,"message":"denied"}}`)

		for {
			if _, err := r.ReadBytes('\n'); err != nil {
				return
			}
		}
	})

	h := newSessionHarness(t, "stratum+tcp://user:pass@"+addr, nil)
	h.client.Connect()
	waitSignal(t, h.connected, "connect event")
	waitSignal(t, h.disconnected, "disconnect event")

	if h.client.IsSubscribed() {
		t.Fatal("expected an unsubscribed session")
	}
}

// TestStratumProtocolError ensures structurally invalid frames tear the
// session down.
func TestStratumProtocolError(t *testing.T) {
	addr := startTestPool(t, func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)

		expectMethod(t, r, Subscribe)
		sendLine(t, conn, `{"id":1}`)

		for {
			if _, err := r.ReadBytes('\n'); err != nil {
				return
			}
		}
	})

	h := newSessionHarness(t, "stratum+tcp://user:pass@"+addr, nil)
	h.client.Connect()
	waitSignal(t, h.connected, "connect event")
	waitSignal(t, h.disconnected, "disconnect event")
}

// TestStratumWorkTimeout ensures an idle session disconnects once the work
// timer expires.
func TestStratumWorkTimeout(t *testing.T) {
	addr := startTestPool(t, func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)

		expectMethod(t, r, Subscribe)
		sendLine(t, conn, `{"id":1,"result":true,"jsonrpc":"2.0"}`)
		expectMethod(t, r, Authorize)
		sendLine(t, conn, `{"id":3,"result":true}`)

		// Never send any work.
		for {
			if _, err := r.ReadBytes('\n'); err != nil {
				return
			}
		}
	})

	h := newSessionHarness(t, "stratum+tcp://user:pass@"+addr,
		func(cfg *StratumConfig) {
			cfg.WorkTimeout = time.Millisecond * 200
		})
	h.client.Connect()
	waitSignal(t, h.connected, "connect event")
	waitSignal(t, h.disconnected, "disconnect event")
}

// TestEthProxySession exercises the ethproxy dialect: login with worker
// field, first job via eth_getWork and the unknown-id job reroute.
func TestEthProxySession(t *testing.T) {
	addr := startTestPool(t, func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)

		req := expectMethod(t, r, EthLogin)
		if got := param(t, req, 0); got != "0xabc" {
			t.Errorf("unexpected login -- got %s, want 0xabc", got)
		}
		if req["worker"] != "rig1" {
			t.Errorf("unexpected worker -- got %v, want rig1", req["worker"])
		}
		sendLine(t, conn, `{"id":1,"result":true}`)

		expectMethod(t, r, EthGetWork)
		sendLine(t, conn, fmt.Sprintf(
			`{"id":5,"result":["0x%s","0x%s","%s"]}`, testHeader1,
			testSeed, testTarget))

		// Pushed jobs arrive as replies with ids the client never used.
		sendLine(t, conn, fmt.Sprintf(
			`{"id":6,"result":["0x%s","0x%s","%s"]}`, testHeader2,
			testSeed, testTarget))

		for {
			if _, err := r.ReadBytes('\n'); err != nil {
				return
			}
		}
	})

	h := newSessionHarness(t, "stratum1+tcp://0xabc.rig1@"+addr, nil)
	h.client.Connect()
	waitSignal(t, h.connected, "connect event")

	work := waitWork(t, h.work, "first job")
	if work.Header.String() != testHeader1 {
		t.Errorf("unexpected header -- got %s, want %s", work.Header,
			testHeader1)
	}
	if !h.client.IsAuthorized() {
		t.Error("expected an authorized session after login")
	}

	work = waitWork(t, h.work, "rerouted job")
	if work.Header.String() != testHeader2 {
		t.Errorf("unexpected header -- got %s, want %s", work.Header,
			testHeader2)
	}
}
