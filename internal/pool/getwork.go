// Copyright (c) 2021-2023 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// defaultRecheckPeriod is the default interval between eth_getWork polls.
const defaultRecheckPeriod = time.Millisecond * 500

// GetworkConfig contains all of the configuration values which should be
// provided when creating a new instance of GetworkClient.
type GetworkConfig struct {
	// Endpoint is the pool connection target.  Its family must be
	// getwork.
	Endpoint *Endpoint

	// RecheckPeriod is the interval between work polls.
	RecheckPeriod time.Duration

	// SubmitHashrate enables hashrate reporting to the node.
	SubmitHashrate bool

	// Events carries the callbacks invoked as the session progresses.
	Events *Events
}

// getworkResponse is the decoded reply to a getwork family rpc call.
type getworkResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// GetworkClient implements the PoolClient interface over the legacy HTTP
// polling protocol.  Work is pulled on a recheck period rather than pushed;
// everything else mirrors the stratum session contract.
type GetworkClient struct {
	cfg *GetworkConfig

	httpc *http.Client
	url   string

	mtx       sync.Mutex
	cancel    context.CancelFunc
	connected bool
	current   WorkPackage
	pending   bool
	stale     bool
}

// NewGetworkClient creates a getwork pool session for the provided
// endpoint.
func NewGetworkClient(cfg *GetworkConfig) (*GetworkClient, error) {
	if cfg.Endpoint == nil || cfg.Endpoint.Family() != FamilyGetwork {
		desc := "a getwork endpoint is required"
		return nil, poolError(ErrConfig, desc)
	}
	if cfg.RecheckPeriod == 0 {
		cfg.RecheckPeriod = defaultRecheckPeriod
	}
	if cfg.Events == nil {
		cfg.Events = &Events{}
	}

	return &GetworkClient{
		cfg: cfg,
		httpc: &http.Client{
			Timeout: time.Second * 5,
		},
		url: fmt.Sprintf("http://%s%s", cfg.Endpoint.Addr(),
			cfg.Endpoint.Path()),
	}, nil
}

// call performs a single JSON-RPC call against the work provider.
func (c *GetworkClient) call(method string, params interface{}) (*getworkResponse, error) {
	rpcReq := NewRequest(getWorkID, method, params)
	rpcReq.JSONRPC = "2.0"
	payload, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, c.url,
		bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		desc := fmt.Sprintf("%s returned http %d: %.80s", method,
			resp.StatusCode, body)
		return nil, poolError(ErrProtocol, desc)
	}

	var rpcResp getworkResponse
	err = json.Unmarshal(body, &rpcResp)
	if err != nil {
		desc := fmt.Sprintf("invalid %s reply: %v", method, err)
		return nil, poolError(ErrParse, desc)
	}
	if rpcResp.Error != nil {
		desc := fmt.Sprintf("%s error %d: %s", method,
			rpcResp.Error.Code, rpcResp.Error.Message)
		return nil, poolError(ErrProtocol, desc)
	}

	return &rpcResp, nil
}

// Connect starts the polling loop.  It is idempotent while a session is
// active.
func (c *GetworkClient) Connect() {
	c.mtx.Lock()
	if c.cancel != nil {
		c.mtx.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mtx.Unlock()

	go c.run(ctx)
}

// Disconnect stops the polling loop.  It is idempotent.
func (c *GetworkClient) Disconnect() {
	c.mtx.Lock()
	cancel := c.cancel
	c.mtx.Unlock()
	if cancel != nil {
		cancel()
	}
}

// IsConnected returns whether the last poll succeeded.
func (c *GetworkClient) IsConnected() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.connected
}

// IsSubscribed is equivalent to IsConnected for the polling protocol.
func (c *GetworkClient) IsSubscribed() bool {
	return c.IsConnected()
}

// IsAuthorized is equivalent to IsConnected for the polling protocol,
// which carries no authorization step.
func (c *GetworkClient) IsAuthorized() bool {
	return c.IsConnected()
}

// run drives the polling loop.  It must be run as a goroutine.
func (c *GetworkClient) run(ctx context.Context) {
	defer func() {
		c.mtx.Lock()
		c.cancel = nil
		c.connected = false
		c.pending = false
		c.mtx.Unlock()
		notify(c.cfg.Events.OnDisconnected)
	}()

	ticker := time.NewTicker(c.cfg.RecheckPeriod)
	defer ticker.Stop()

	for {
		c.poll()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll pulls the current work and emits a package when the header changed.
func (c *GetworkClient) poll() {
	resp, err := c.call(EthGetWork, []string{})
	if err != nil {
		if c.IsConnected() {
			log.Warnf("Work poll failed: %v", err)
			c.mtx.Lock()
			c.connected = false
			c.mtx.Unlock()
		}
		return
	}

	c.mtx.Lock()
	wasConnected := c.connected
	c.connected = true
	c.mtx.Unlock()
	if !wasConnected {
		log.Infof("Connected to %s", c.cfg.Endpoint)
		notify(c.cfg.Events.OnConnected)
	}

	var result []string
	if err := json.Unmarshal(resp.Result, &result); err != nil ||
		len(result) < 3 {
		log.Warnf("Invalid eth_getWork result")
		return
	}

	header, err := NewHash(result[0])
	if err != nil {
		log.Warnf("Invalid work header: %v", err)
		return
	}

	c.mtx.Lock()
	if header == c.current.Header {
		c.mtx.Unlock()
		return
	}
	if c.pending {
		c.stale = true
	}
	c.mtx.Unlock()

	seed, err := NewHash(result[1])
	if err != nil {
		log.Warnf("Invalid work seed: %v", err)
		return
	}
	boundary, err := NewHash(result[2])
	if err != nil {
		log.Warnf("Invalid work boundary: %v", err)
		return
	}

	work := WorkPackage{
		JobID:    strings.TrimPrefix(result[0], "0x"),
		JobLen:   len(strings.TrimPrefix(result[0], "0x")),
		Header:   header,
		Seed:     seed,
		Boundary: boundary,
	}

	c.mtx.Lock()
	c.current = work
	c.mtx.Unlock()

	log.Debugf("New job %s received from %s", work.JobID, c.cfg.Endpoint)
	if c.cfg.Events.OnWorkReceived != nil {
		c.cfg.Events.OnWorkReceived(work)
	}
}

// SubmitSolution submits a found solution via eth_submitWork.  The call is
// synchronous with the pool but runs on its own goroutine so callers never
// block.
func (c *GetworkClient) SubmitSolution(sol Solution) {
	if !c.IsConnected() {
		log.Warnf("Solution for job %s discarded, session disconnected",
			sol.Work.JobID)
		return
	}

	c.mtx.Lock()
	c.pending = true
	c.stale = sol.Stale
	c.mtx.Unlock()

	go func() {
		params := []string{
			fmt.Sprintf("0x%016x", sol.Nonce),
			"0x" + sol.Work.Header.String(),
			"0x" + sol.MixHash.String(),
		}
		resp, err := c.call(EthSubmitWork, params)

		c.mtx.Lock()
		stale := c.stale
		c.pending = false
		c.mtx.Unlock()

		if err != nil {
			log.Warnf("Solution submission failed: %v", err)
			notifyResult(c.cfg.Events.OnSolutionRejected, stale)
			return
		}
		if resultTruthy(resp.Result) {
			notifyResult(c.cfg.Events.OnSolutionAccepted, stale)
		} else {
			notifyResult(c.cfg.Events.OnSolutionRejected, stale)
		}
	}()
}

// SubmitHashrate reports the provided hashrate via eth_submitHashrate.
func (c *GetworkClient) SubmitHashrate(rate string) {
	if !c.cfg.SubmitHashrate || !c.IsConnected() {
		return
	}
	go func() {
		_, err := c.call(EthSubmitHashrate, []string{rate})
		if err != nil {
			log.Warnf("Hashrate submission failed: %v", err)
		}
	}()
}
