// Copyright (c) 2021-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	// maxEndpoints is the maximum number of failover endpoints the
	// manager accepts.
	maxEndpoints = 8

	// defaultMaxRetries is the number of consecutive disconnects after
	// which the manager rotates to the next endpoint.
	defaultMaxRetries = 3

	// defaultHashrateInterval is the default period between hashrate
	// reports to the pool.
	defaultHashrateInterval = time.Second * 10

	// reconnectDelay is the pause between a disconnect and the next
	// connection attempt.
	reconnectDelay = time.Second * 5
)

// ManagerConfig contains all of the configuration values which should be
// provided when creating a new instance of Manager.
type ManagerConfig struct {
	// Endpoints is the ordered connection target list.  The primary
	// endpoint is at index 0, failovers follow.
	Endpoints []*Endpoint

	// Farm is the local collection of mining devices work is handed to
	// and solutions are pulled from.
	Farm Farm

	// MaxRetries is the number of consecutive disconnects after which
	// the manager rotates to the next endpoint.  Defaults to 3.
	MaxRetries uint32

	// UserAgent is the agent string presented to pools.
	UserAgent string

	// Email is appended to ethproxy logins when set.
	Email string

	// SubmitHashrate enables periodic hashrate reporting.
	SubmitHashrate bool

	// HashrateInterval overrides the hashrate reporting period when
	// non-zero.
	HashrateInterval time.Duration

	// ConnectTimeout, WorkTimeout and ResponseTimeout are handed to the
	// stratum sessions the manager creates.
	ConnectTimeout  time.Duration
	WorkTimeout     time.Duration
	ResponseTimeout time.Duration

	// RecheckPeriod is handed to getwork sessions the manager creates.
	RecheckPeriod time.Duration

	// ReconnectDelay overrides the pause between a disconnect and the
	// next connection attempt when non-zero.
	ReconnectDelay time.Duration

	// Proxy, ProxyUser and ProxyPass describe an optional SOCKS5 proxy
	// for stratum sessions.
	Proxy     string
	ProxyUser string
	ProxyPass string
}

// Manager supervises the active pool session.  It owns the ordered endpoint
// list, selects the active endpoint, constructs the matching pool client,
// wires its events to the farm and rotates endpoints on repeated failures.
type Manager struct {
	cfg *ManagerConfig

	mtx       sync.Mutex
	client    PoolClient
	activeIdx int
	retries   uint32
	running   bool

	accepted uint64
	rejected uint64
	stales   uint64
}

// NewManager creates a pool manager for the provided endpoint list.
func NewManager(cfg *ManagerConfig) (*Manager, error) {
	if len(cfg.Endpoints) == 0 {
		desc := "at least one pool endpoint is required"
		return nil, poolError(ErrConfig, desc)
	}
	if len(cfg.Endpoints) > maxEndpoints {
		desc := fmt.Sprintf("too many pool endpoints, got %d, max %d",
			len(cfg.Endpoints), maxEndpoints)
		return nil, poolError(ErrConfig, desc)
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.HashrateInterval == 0 {
		cfg.HashrateInterval = defaultHashrateInterval
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = reconnectDelay
	}
	return &Manager{cfg: cfg}, nil
}

// IsRunning returns whether the manager has endpoints to supervise and has
// not been stopped.
func (m *Manager) IsRunning() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.running
}

// IsConnected returns whether the active pool session is connected.
func (m *Manager) IsConnected() bool {
	m.mtx.Lock()
	client := m.client
	m.mtx.Unlock()
	return client != nil && client.IsConnected()
}

// ActiveEndpoint returns the endpoint of the active session.
func (m *Manager) ActiveEndpoint() *Endpoint {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.cfg.Endpoints[m.activeIdx]
}

// ShareCounts returns the number of accepted, rejected and stale shares
// reported by pools over the lifetime of the manager.
func (m *Manager) ShareCounts() (uint64, uint64, uint64) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.accepted, m.rejected, m.stales
}

// buildClient creates the pool client matching the transport family of the
// provided endpoint, with its events wired to the manager.
func (m *Manager) buildClient(ep *Endpoint, disconnCh chan struct{}) (PoolClient, error) {
	events := &Events{
		OnConnected: func() {
			log.Infof("Established connection with pool %s", ep)
		},
		OnDisconnected: func() {
			select {
			case disconnCh <- struct{}{}:
			default:
			}
		},
		OnWorkReceived: func(work WorkPackage) {
			m.cfg.Farm.SetWork(work)
		},
		OnSolutionAccepted: func(stale bool) {
			m.mtx.Lock()
			m.accepted++
			if stale {
				m.stales++
			}
			m.mtx.Unlock()
			if stale {
				log.Infof("Accepted stale solution from %s", ep)
				return
			}
			log.Infof("Accepted solution from %s", ep)
		},
		OnSolutionRejected: func(stale bool) {
			m.mtx.Lock()
			m.rejected++
			if stale {
				m.stales++
			}
			m.mtx.Unlock()
			log.Warnf("Rejected solution from %s (stale=%v)", ep, stale)
		},
	}

	if ep.Family() == FamilyGetwork {
		return NewGetworkClient(&GetworkConfig{
			Endpoint:       ep,
			RecheckPeriod:  m.cfg.RecheckPeriod,
			SubmitHashrate: m.cfg.SubmitHashrate,
			Events:         events,
		})
	}

	return NewStratumClient(&StratumConfig{
		Endpoint:        ep,
		UserAgent:       m.cfg.UserAgent,
		Email:           m.cfg.Email,
		SubmitHashrate:  m.cfg.SubmitHashrate,
		ConnectTimeout:  m.cfg.ConnectTimeout,
		WorkTimeout:     m.cfg.WorkTimeout,
		ResponseTimeout: m.cfg.ResponseTimeout,
		Proxy:           m.cfg.Proxy,
		ProxyUser:       m.cfg.ProxyUser,
		ProxyPass:       m.cfg.ProxyPass,
		Events:          events,
	})
}

// Run supervises pool sessions until the provided context is canceled.  On
// every disconnect the retry counter is incremented; once it reaches the
// configured maximum the manager rotates to the next endpoint, wrapping
// back to the primary.
func (m *Manager) Run(ctx context.Context) {
	m.mtx.Lock()
	m.running = true
	m.mtx.Unlock()
	defer func() {
		m.mtx.Lock()
		m.running = false
		m.client = nil
		m.mtx.Unlock()
	}()

	hashrateTicker := time.NewTicker(m.cfg.HashrateInterval)
	defer hashrateTicker.Stop()

	for {
		m.mtx.Lock()
		ep := m.cfg.Endpoints[m.activeIdx]
		m.mtx.Unlock()

		disconnCh := make(chan struct{}, 1)
		client, err := m.buildClient(ep, disconnCh)
		if err != nil {
			log.Errorf("Unable to create pool client for %s: %v", ep, err)
			return
		}

		m.mtx.Lock()
		m.client = client
		m.mtx.Unlock()

		// The farm pushes solutions straight into the active session.
		m.cfg.Farm.SetOnSolutionFound(client.SubmitSolution)

		log.Infof("Selected pool %s", ep)
		client.Connect()

	sessionLoop:
		for {
			select {
			case <-ctx.Done():
				client.Disconnect()
				return

			case <-disconnCh:
				break sessionLoop

			case <-hashrateTicker.C:
				if m.cfg.SubmitHashrate {
					client.SubmitHashrate(m.cfg.Farm.HashRate())
				}
			}
		}

		// The session is gone along with any in-flight submission; the
		// farm's next solutions refer to a new epoch.
		m.mtx.Lock()
		m.retries++
		rotate := m.retries >= m.cfg.MaxRetries
		if rotate {
			m.retries = 0
			m.activeIdx = (m.activeIdx + 1) % len(m.cfg.Endpoints)
			ep = m.cfg.Endpoints[m.activeIdx]
		}
		m.mtx.Unlock()
		if rotate {
			log.Warnf("Failover: switching to pool %s", ep)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.ReconnectDelay):
		}
	}
}
