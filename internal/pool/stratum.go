// Copyright (c) 2021-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/decred/go-socks/socks"
)

const (
	// defaultConnectTimeout bounds each tcp connect attempt.
	defaultConnectTimeout = time.Second * 10

	// defaultWorkTimeout bounds the idle time since the last received
	// job before the session is considered dead.  It should not be set
	// lower than the maximum average block time of the chain mined.
	defaultWorkTimeout = time.Second * 180

	// defaultResponseTimeout bounds the wait for a submission
	// acknowledgement.
	defaultResponseTimeout = time.Second * 10

	// keepAliveInterval is the tcp keepalive period used to detect
	// half-open connections.
	keepAliveInterval = time.Second * 10
)

// StratumConfig contains all of the configuration values which should be
// provided when creating a new instance of StratumClient.
type StratumConfig struct {
	// Endpoint is the pool connection target.  Its family must be
	// stratum.
	Endpoint *Endpoint

	// UserAgent is the agent string sent in subscriptions and
	// client.get_version replies.
	UserAgent string

	// Email is appended to the login parameters on the ethproxy dialect
	// when set.
	Email string

	// SubmitHashrate enables hashrate reporting to the pool.
	SubmitHashrate bool

	// ConnectTimeout, WorkTimeout and ResponseTimeout override the
	// session timer defaults when non-zero.
	ConnectTimeout  time.Duration
	WorkTimeout     time.Duration
	ResponseTimeout time.Duration

	// Proxy, ProxyUser and ProxyPass describe an optional SOCKS5 proxy
	// the connection is dialed through.
	Proxy     string
	ProxyUser string
	ProxyPass string

	// Events carries the callbacks invoked as the session progresses.
	Events *Events
}

// session holds the per-connection protocol state.  It is owned exclusively
// by the session goroutine and recreated on every reconnect.
type session struct {
	current            WorkPackage
	extraNonce         uint64
	extraNonceHexSize  int
	nextWorkDifficulty float64
	stale              bool
	responsePending    bool
	req                map[uint64]string
	reqTime            map[uint64]time.Time
}

// recordRequest logs an outstanding request as an id/method pair along with
// its submission time.
func (s *session) recordRequest(id uint64, method string) {
	s.req[id] = method
	s.reqTime[id] = time.Now()
}

// removeRequest removes the outstanding request referenced by the provided
// id and returns its method.
func (s *session) removeRequest(id uint64) string {
	method := s.req[id]
	delete(s.req, id)
	delete(s.reqTime, id)
	return method
}

// StratumClient represents a stratum pool session.  It implements the
// PoolClient interface over a line-delimited JSON-RPC connection speaking
// one of the three supported dialects.
type StratumClient struct {
	cfg *StratumConfig

	// hashrateReportID identifies this client in hashrate submissions.
	hashrateReportID string

	submitCh   chan Solution
	hashrateCh chan string

	mtx           sync.Mutex
	conn          net.Conn
	cancel        context.CancelFunc
	connected     bool
	subscribed    bool
	authorized    bool
	disconnecting bool
}

// NewStratumClient creates a stratum pool session for the provided
// endpoint.
func NewStratumClient(cfg *StratumConfig) (*StratumClient, error) {
	if cfg.Endpoint == nil || cfg.Endpoint.Family() != FamilyStratum {
		desc := "a stratum endpoint is required"
		return nil, poolError(ErrConfig, desc)
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.WorkTimeout == 0 {
		cfg.WorkTimeout = defaultWorkTimeout
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = defaultResponseTimeout
	}
	if cfg.Events == nil {
		cfg.Events = &Events{}
	}

	id := make([]byte, 32)
	_, err := rand.Read(id)
	if err != nil {
		return nil, err
	}

	return &StratumClient{
		cfg:              cfg,
		hashrateReportID: hex.EncodeToString(id),
		submitCh:         make(chan Solution, 1),
		hashrateCh:       make(chan string, 1),
	}, nil
}

// Connect requests establishment of the session.  It is idempotent while a
// session is active and returns before network I/O completes.
func (c *StratumClient) Connect() {
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

// Disconnect tears the session down.  It is idempotent; the disconnecting
// flag prevents re-entry while a teardown is already in progress.
func (c *StratumClient) Disconnect() {
	c.mtx.Lock()
	if c.disconnecting || c.cancel == nil {
		c.mtx.Unlock()
		return
	}
	c.disconnecting = true
	cancel := c.cancel
	conn := c.conn
	c.mtx.Unlock()

	cancel()
	if conn != nil {
		conn.Close()
	}
}

// IsConnected returns whether the session has an established connection.
func (c *StratumClient) IsConnected() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.connected
}

// IsSubscribed returns whether the session is subscribed to the pool.
func (c *StratumClient) IsSubscribed() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.subscribed
}

// IsAuthorized returns whether the pool authorized the session's worker.
func (c *StratumClient) IsAuthorized() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.authorized
}

// SubmitSolution hands a found solution to the session goroutine.  It is
// safe to call from any goroutine and never blocks; the solution is
// discarded when the session is not connected.
func (c *StratumClient) SubmitSolution(sol Solution) {
	if !c.IsConnected() {
		log.Warnf("Solution for job %s discarded, session disconnected",
			sol.Work.JobID)
		return
	}
	select {
	case c.submitCh <- sol:
	default:
		log.Warnf("Solution for job %s discarded, submission in flight",
			sol.Work.JobID)
	}
}

// SubmitHashrate reports the provided hashrate to the pool.  It is a
// best-effort operation, silently ignored when reporting is disabled or the
// session is disconnected.
func (c *StratumClient) SubmitHashrate(rate string) {
	if !c.cfg.SubmitHashrate || !c.IsConnected() {
		return
	}
	select {
	case c.hashrateCh <- rate:
	default:
	}
}

// tlsConfig builds the TLS client configuration for the endpoint's
// security level.  The CA bundle is taken from SSL_CERT_FILE when set;
// otherwise the platform default verification paths apply, which on
// Windows means the system root store.
func (c *StratumClient) tlsConfig() *tls.Config {
	ep := c.cfg.Endpoint
	tcfg := &tls.Config{ServerName: ep.Host()}

	switch ep.SecLevel() {
	case SecTLS:
		tcfg.MinVersion = tls.VersionTLS10
	case SecTLS12:
		tcfg.MinVersion = tls.VersionTLS12
	case SecAllowSelfSigned:
		tcfg.MinVersion = tls.VersionTLS12
		tcfg.InsecureSkipVerify = true
	}

	if tcfg.InsecureSkipVerify {
		return tcfg
	}

	if certFile := os.Getenv("SSL_CERT_FILE"); certFile != "" {
		pem, err := os.ReadFile(certFile)
		if err != nil {
			log.Warnf("Failed to load ca certificates from %s: %v",
				certFile, err)
			return tcfg
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			log.Warnf("No usable ca certificates in %s", certFile)
			return tcfg
		}
		tcfg.RootCAs = roots
	}

	return tcfg
}

// dial resolves the endpoint host and iterates the candidate addresses
// with a per-attempt connect timeout.  TLS handshake failures advance to
// the next address rather than failing the session outright.
func (c *StratumClient) dial(ctx context.Context) (net.Conn, error) {
	ep := c.cfg.Endpoint

	if c.cfg.Proxy != "" {
		proxy := &socks.Proxy{
			Addr:     c.cfg.Proxy,
			Username: c.cfg.ProxyUser,
			Password: c.cfg.ProxyPass,
		}
		conn, err := proxy.Dial("tcp", ep.Addr())
		if err != nil {
			desc := fmt.Sprintf("unable to dial %s via proxy %s: %v",
				ep.Addr(), c.cfg.Proxy, err)
			return nil, poolError(ErrConnect, desc)
		}
		return c.maybeWrapTLS(ctx, conn)
	}

	addrs, err := net.DefaultResolver.LookupHost(ctx, ep.Host())
	if err != nil {
		desc := fmt.Sprintf("unable to resolve host %s: %v", ep.Host(), err)
		return nil, poolError(ErrResolve, desc)
	}

	port := strconv.FormatUint(uint64(ep.Port()), 10)
	for _, addr := range addrs {
		target := net.JoinHostPort(addr, port)
		log.Debugf("Trying %s ...", target)

		dialer := net.Dialer{
			Timeout:   c.cfg.ConnectTimeout,
			KeepAlive: keepAliveInterval,
		}
		conn, err := dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warnf("Error connecting to %s: %v", target, err)
			continue
		}

		tlsConn, err := c.maybeWrapTLS(ctx, conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warnf("%v", err)
			continue
		}
		return tlsConn, nil
	}

	return nil, poolError(ErrConnect, "no more addresses to try")
}

// maybeWrapTLS performs the TLS handshake over the provided connection when
// the endpoint requires it.  The connection is closed on handshake failure.
func (c *StratumClient) maybeWrapTLS(ctx context.Context, conn net.Conn) (net.Conn, error) {
	if c.cfg.Endpoint.SecLevel() == SecNone {
		return conn, nil
	}

	tlsConn := tls.Client(conn, c.tlsConfig())
	hctx, hcancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	err := tlsConn.HandshakeContext(hctx)
	hcancel()
	if err != nil {
		conn.Close()
		var verifyErr x509.UnknownAuthorityError
		if errors.As(err, &verifyErr) {
			log.Warn("Certificate verification failed. Either install " +
				"the ca-certificates package, point SSL_CERT_FILE at a " +
				"valid bundle, or disable verification for self-signed " +
				"pool certificates.")
		}
		desc := fmt.Sprintf("TLS handshake with %s failed: %v",
			conn.RemoteAddr(), err)
		return nil, poolError(ErrTLS, desc)
	}
	return tlsConn, nil
}

// notify invokes the provided callback when it is set.
func notify(cb func()) {
	if cb != nil {
		cb()
	}
}

// notifyResult invokes the provided solution result callback when set.
func notifyResult(cb func(bool), stale bool) {
	if cb != nil {
		cb(stale)
	}
}

// login returns the authorization login of the endpoint, which is the full
// user component followed by the uri path.
func (c *StratumClient) login() string {
	ep := c.cfg.Endpoint
	return ep.User() + ep.Path()
}

// run drives a single session epoch: dial, handshake, dispatch, teardown.
// It must be run as a goroutine.
func (c *StratumClient) run(ctx context.Context) {
	defer c.teardown()

	conn, err := c.dial(ctx)
	if err != nil {
		log.Errorf("Unable to connect to %s: %v", c.cfg.Endpoint, err)
		return
	}

	c.mtx.Lock()
	if c.disconnecting {
		c.mtx.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.connected = true
	c.mtx.Unlock()

	log.Infof("Connected to %s", c.cfg.Endpoint)
	notify(c.cfg.Events.OnConnected)

	sess := &session{
		nextWorkDifficulty: 1,
		req:                make(map[uint64]string),
		reqTime:            make(map[uint64]time.Time),
	}
	enc := json.NewEncoder(conn)

	// The work timer starts counting towards the first job as soon as the
	// connection is up.
	workTimer := time.NewTimer(c.cfg.WorkTimeout)
	defer workTimer.Stop()
	respTimer := time.NewTimer(c.cfg.ResponseTimeout)
	stopTimer(respTimer)
	defer respTimer.Stop()

	ep := c.cfg.Endpoint
	sub := SubscribeRequest(ep.Dialect(), c.cfg.UserAgent,
		ep.Account()+ep.Path(), ep.Worker(), c.cfg.Email)
	if err := c.send(sess, enc, sub); err != nil {
		log.Errorf("Unable to send handshake request: %v", err)
		return
	}

	// Discard any submission left over from a previous epoch; the session
	// it was found under no longer exists.
	select {
	case <-c.submitCh:
	default:
	}
	select {
	case <-c.hashrateCh:
	default:
	}

	readCh := make(chan []byte)
	readErrCh := make(chan error, 1)
	go read(ctx, conn, readCh, readErrCh)

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-readErrCh:
			if ctx.Err() == nil {
				log.Errorf("Socket read failed: %v", err)
			}
			return

		case data := <-readCh:
			if fatal := c.handleFrame(sess, enc, data, workTimer,
				respTimer); fatal {
				return
			}

		case sol := <-c.submitCh:
			if fatal := c.handleSubmit(sess, enc, sol, respTimer); fatal {
				return
			}

		case rate := <-c.hashrateCh:
			req := HashrateRequest(rate, c.hashrateReportID, ep.Worker())
			if err := c.send(sess, enc, req); err != nil {
				log.Errorf("Unable to submit hashrate: %v", err)
				return
			}

		case <-workTimer.C:
			log.Warnf("No new work received in %s, disconnecting",
				c.cfg.WorkTimeout)
			return

		case <-respTimer.C:
			if sess.responsePending {
				log.Warnf("No response received in %s, disconnecting",
					c.cfg.ResponseTimeout)
				return
			}
		}
	}
}

// teardown releases the session resources and reports the disconnect.  It
// runs exactly once per session epoch, whether the epoch ended through
// Disconnect, a timer, a protocol error or a failed connect.
func (c *StratumClient) teardown() {
	c.mtx.Lock()
	conn := c.conn
	cancel := c.cancel
	c.conn = nil
	c.cancel = nil
	c.connected = false
	c.subscribed = false
	c.authorized = false
	c.disconnecting = false
	c.mtx.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}

	notify(c.cfg.Events.OnDisconnected)
}

// read receives line-delimited frames from the connection and passes them
// to the session goroutine.  It must be run as a goroutine.
func read(ctx context.Context, conn net.Conn, readCh chan<- []byte, errCh chan<- error) {
	reader := bufio.NewReader(conn)
	for {
		data, err := reader.ReadBytes('\n')
		if err != nil {
			select {
			case errCh <- err:
			case <-ctx.Done():
			}
			return
		}
		select {
		case readCh <- data:
		case <-ctx.Done():
			return
		}
	}
}

// send encodes and writes a request, recording it as outstanding when it
// carries an id.
func (c *StratumClient) send(sess *session, enc *json.Encoder, req *Request) error {
	err := enc.Encode(req)
	if err != nil {
		return err
	}
	if req.ID != nil {
		sess.recordRequest(*req.ID, req.Method)
	}
	log.Tracef("Sent message: %v", spew.Sdump(req))
	return nil
}

// handleFrame parses, validates and dispatches a single received frame.
// The returned flag reports whether the session must disconnect.
func (c *StratumClient) handleFrame(sess *session, enc *json.Encoder, data []byte, workTimer *time.Timer, respTimer *time.Timer) bool {
	log.Tracef("Received message: %v", spew.Sdump(string(data)))

	msg, err := parseServerMessage(data)
	if err != nil {
		// A malformed frame never tears the session down.
		log.Warnf("%v", err)
		return false
	}

	isNotification, err := msg.classify()
	if err != nil {
		if errors.Is(err, ErrProtocol) {
			log.Errorf("Pool sent an invalid jsonrpc frame, "+
				"disconnecting: %v", err)
			return true
		}
		log.Warnf("Discarding frame: %v", err)
		return false
	}

	if isNotification {
		return c.handleNotification(sess, enc, msg, workTimer)
	}
	return c.handleResponse(sess, enc, msg, workTimer, respTimer)
}

// handleResponse dispatches a response frame on the id of the request it
// answers.
func (c *StratumClient) handleResponse(sess *session, enc *json.Encoder, msg *serverMessage, workTimer *time.Timer, respTimer *time.Timer) bool {
	ep := c.cfg.Endpoint
	id := msg.id()
	sess.removeRequest(id)

	switch id {
	case subscribeID:
		return c.handleSubscribeResponse(sess, enc, msg)

	case extranonceSubID:
		// Replies to mining.extranonce.subscribe carry no logic.
		return false

	case authorizeID:
		if !msg.success() {
			log.Errorf("Worker %s not authorized: %s", ep.User(),
				msg.errReason())
			return true
		}
		c.mtx.Lock()
		c.authorized = true
		c.mtx.Unlock()
		log.Infof("Authorized worker %s", ep.User())
		return false

	case submitID:
		stopTimer(respTimer)
		sess.responsePending = false
		if msg.success() {
			notifyResult(c.cfg.Events.OnSolutionAccepted, sess.stale)
		} else {
			log.Warnf("Solution rejected: %s", msg.errReason())
			notifyResult(c.cfg.Events.OnSolutionRejected, sess.stale)
		}
		return false

	case hashrateID:
		if !msg.success() {
			log.Warnf("Hashrate submission failed: %s", msg.errReason())
		}
		return false

	case getWorkID:
		// The first ethproxy job arrives as the reply to eth_getWork.
		if ep.Dialect() == DialectEthProxy {
			if arr, ok := msg.resultArray(); ok {
				c.processNotify(sess, arr, workTimer)
			}
			return false
		}
		log.Debugf("Discarding response for unknown message id %d", id)
		return false

	case 999:
		// None of the outgoing requests is marked with id 999, but
		// ethermine.org replies with it when erroring either the
		// subscribe or the authorize request.  Rely on the session flags
		// to tell which.
		if !msg.success() {
			if !c.IsSubscribed() {
				log.Errorf("Subscription failed: %s", msg.errReason())
				return true
			}
			if !c.IsAuthorized() {
				log.Errorf("Worker not authorized: %s", msg.errReason())
				return true
			}
		}
		return false

	default:
		// Several ethproxy pools push new jobs as replies with ids the
		// client never used.  Reroute those, but only when the frame
		// actually looks like work.
		if ep.Dialect() == DialectEthProxy {
			if arr, ok := msg.resultArray(); ok {
				log.Debugf("Rerouting response with unknown id %d to %s",
					id, Notify)
				c.processNotify(sess, arr, workTimer)
				return false
			}
		}
		log.Debugf("Discarding response for unknown message id %d", id)
		return false
	}
}

// handleSubscribeResponse drives the dialect-specific follow-up to the
// handshake request.
func (c *StratumClient) handleSubscribeResponse(sess *session, enc *json.Encoder, msg *serverMessage) bool {
	ep := c.cfg.Endpoint

	if !msg.success() {
		log.Errorf("Could not subscribe to %s: %s", ep, msg.errReason())
		return true
	}

	switch ep.Dialect() {
	case DialectEthProxy:
		// A successful login implies authorization on this dialect.
		c.mtx.Lock()
		c.subscribed = true
		c.authorized = true
		c.mtx.Unlock()
		log.Infof("Logged in to ethproxy server %s", ep)

		if err := c.send(sess, enc, GetWorkRequest()); err != nil {
			log.Errorf("Unable to request work: %v", err)
			return true
		}
		return false

	case DialectEthereumStratum:
		c.mtx.Lock()
		c.subscribed = true
		c.mtx.Unlock()
		log.Infof("Subscribed to stratum server %s", ep)

		sess.nextWorkDifficulty = 1

		// The extranonce rides at index 1 of the subscription result on
		// jsonrpc v1; non-conforming v2 pools place it in params.
		var arr []interface{}
		var ok bool
		if msg.rpcVersion() == 1 {
			arr, ok = msg.resultArray()
		} else {
			arr, ok = msg.paramsArray()
		}
		if ok && len(arr) > 1 {
			if enonce, isStr := arr[1].(string); isStr {
				c.processExtranonce(sess, enonce)
			}
		}

		// Advertise readiness for extranonce changes on the fly.  The
		// reply to this request performs no logic.
		if err := c.send(sess, enc, ExtranonceSubscribeRequest()); err != nil {
			log.Errorf("Unable to subscribe for extranonce changes: %v", err)
			return true
		}

		auth := AuthorizeRequest(ep.Dialect(), c.login(), ep.Pass())
		if err := c.send(sess, enc, auth); err != nil {
			log.Errorf("Unable to send authorize request: %v", err)
			return true
		}
		return false

	default:
		c.mtx.Lock()
		c.subscribed = true
		c.mtx.Unlock()
		log.Infof("Subscribed to stratum server %s", ep)

		auth := AuthorizeRequest(ep.Dialect(), c.login(), ep.Pass())
		if err := c.send(sess, enc, auth); err != nil {
			log.Errorf("Unable to send authorize request: %v", err)
			return true
		}
		return false
	}
}

// processExtranonce updates the session's pool-assigned nonce prefix.
func (c *StratumClient) processExtranonce(sess *session, enonce string) {
	value, size, err := parseExtranonce(enonce)
	if err != nil {
		log.Warnf("Ignoring extranonce: %v", err)
		return
	}
	sess.extraNonce = value
	sess.extraNonceHexSize = size
	log.Infof("Extranonce set to %s", enonce)
}

// handleNotification dispatches an unsolicited frame from the pool.
func (c *StratumClient) handleNotification(sess *session, enc *json.Encoder, msg *serverMessage, workTimer *time.Timer) bool {
	ep := c.cfg.Endpoint
	method := *msg.Method

	switch {
	case method == Notify:
		// Ethproxy pools place the job payload in the result member.
		var arr []interface{}
		var ok bool
		if ep.Dialect() == DialectEthProxy {
			arr, ok = msg.resultArray()
		} else {
			arr, ok = msg.paramsArray()
		}
		if ok {
			c.processNotify(sess, arr, workTimer)
		}
		return false

	case method == SetDifficulty && ep.Dialect() == DialectEthereumStratum:
		arr, ok := msg.paramsArray()
		if !ok || len(arr) == 0 {
			return false
		}
		diff, isNum := arr[0].(float64)
		if !isNum {
			return false
		}
		if diff <= minWorkDifficulty {
			diff = minWorkDifficulty
		}
		sess.nextWorkDifficulty = diff
		log.Infof("Difficulty set to %g", diff)
		return false

	case method == SetExtranonce && ep.Dialect() == DialectEthereumStratum:
		arr, ok := msg.paramsArray()
		if !ok || len(arr) == 0 {
			return false
		}
		if enonce, isStr := arr[0].(string); isStr {
			c.processExtranonce(sess, enonce)
		}
		return false

	case method == GetVersion:
		resp := GetVersionResponse(msg.id(), msg.rpcVersion(),
			c.cfg.UserAgent)
		if err := enc.Encode(resp); err != nil {
			log.Errorf("Unable to send version reply: %v", err)
			return true
		}
		return false

	default:
		log.Warnf("Discarding unknown method %q from pool", method)
		return false
	}
}

// processNotify applies a work notification.  A solution submission still
// awaiting its response goes stale the moment new work arrives.
func (c *StratumClient) processNotify(sess *session, arr []interface{}, workTimer *time.Timer) {
	if len(arr) == 0 {
		return
	}
	job, _ := arr[0].(string)

	if sess.responsePending {
		sess.stale = true
	}

	if c.cfg.Endpoint.Dialect() == DialectEthereumStratum {
		c.processNotifyEthereumStratum(sess, job, arr, workTimer)
		return
	}

	// The job id occupies index 0 under the plain stratum dialect; the
	// ethproxy result array begins directly with the header hash.
	prmIdx := 1
	if c.cfg.Endpoint.Dialect() == DialectEthProxy {
		prmIdx = 0
	}
	if len(arr) < prmIdx+3 {
		return
	}
	sHeader, _ := arr[prmIdx].(string)
	sSeed, _ := arr[prmIdx+1].(string)
	sTarget, _ := arr[prmIdx+2].(string)

	// Some pools trim the leading zeros off the share target.
	if l := len(sTarget); l >= 2 && l < 66 {
		sTarget = "0x" + strings.Repeat("0", 66-l) + sTarget[2:]
	}

	if sHeader == "" || sSeed == "" || sTarget == "" {
		return
	}

	header, err := NewHash(sHeader)
	if err != nil {
		log.Warnf("Ignoring job %s: %v", job, err)
		return
	}

	// Repeated notifications for the same header are dropped.
	if header == sess.current.Header {
		return
	}

	seed, err := NewHash(sSeed)
	if err != nil {
		log.Warnf("Ignoring job %s: %v", job, err)
		return
	}
	boundary, err := NewHash(sTarget)
	if err != nil {
		log.Warnf("Ignoring job %s: %v", job, err)
		return
	}

	resetTimer(workTimer, c.cfg.WorkTimeout)

	sess.current = WorkPackage{
		JobID:    job,
		JobLen:   len(job),
		Header:   header,
		Seed:     seed,
		Boundary: boundary,
	}
	c.dispatchWork(sess)
}

// processNotifyEthereumStratum applies a work notification on the ethereum
// stratum dialect, where the boundary derives from the last difficulty
// notification and the nonce space is split with the pool.
func (c *StratumClient) processNotifyEthereumStratum(sess *session, job string, arr []interface{}, workTimer *time.Timer) {
	if len(arr) < 3 {
		return
	}
	sSeed, _ := arr[1].(string)
	sHeader, _ := arr[2].(string)
	if sHeader == "" || sSeed == "" {
		return
	}

	header, err := NewHash(sHeader)
	if err != nil {
		log.Warnf("Ignoring job %s: %v", job, err)
		return
	}
	seed, err := NewHash(sSeed)
	if err != nil {
		log.Warnf("Ignoring job %s: %v", job, err)
		return
	}

	resetTimer(workTimer, c.cfg.WorkTimeout)

	// Job ids are padded for storage; JobLen records the original length
	// so submissions can truncate back to what the pool sent.
	jobLen := len(job)
	if jobLen < 64 {
		job = job + strings.Repeat("0", 64-jobLen)
	}

	sess.current = WorkPackage{
		JobID:      job,
		JobLen:     jobLen,
		Header:     header,
		Seed:       seed,
		Boundary:   diffToTarget(sess.nextWorkDifficulty),
		StartNonce: sess.extraNonce,
		ExSizeBits: sess.extraNonceHexSize * 4,
	}
	c.dispatchWork(sess)
}

// dispatchWork emits the session's current work package.
func (c *StratumClient) dispatchWork(sess *session) {
	log.Debugf("New job %s received from %s", sess.current.JobID,
		c.cfg.Endpoint)
	if c.cfg.Events.OnWorkReceived != nil {
		c.cfg.Events.OnWorkReceived(sess.current)
	}
}

// handleSubmit sends a solution to the pool and arms the response timer.
func (c *StratumClient) handleSubmit(sess *session, enc *json.Encoder, sol Solution, respTimer *time.Timer) bool {
	ep := c.cfg.Endpoint

	resetTimer(respTimer, c.cfg.ResponseTimeout)

	req := SubmitRequest(ep.Dialect(), ep.User(), ep.Worker(), &sol,
		sess.extraNonceHexSize)
	if err := c.send(sess, enc, req); err != nil {
		log.Errorf("Unable to submit solution: %v", err)
		return true
	}

	sess.stale = sol.Stale
	sess.responsePending = true
	return false
}

// stopTimer stops the timer and drains its channel if it already fired.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// resetTimer rearms the timer with the provided duration.
func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}
