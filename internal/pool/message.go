// Copyright (c) 2021-2023 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Stratum method names recognized by the session.
const (
	Subscribe           = "mining.subscribe"
	Authorize           = "mining.authorize"
	Submit              = "mining.submit"
	Notify              = "mining.notify"
	SetDifficulty       = "mining.set_difficulty"
	SetExtranonce       = "mining.set_extranonce"
	ExtranonceSubscribe = "mining.extranonce.subscribe"
	GetVersion          = "client.get_version"

	EthLogin          = "eth_submitLogin"
	EthGetWork        = "eth_getWork"
	EthSubmitWork     = "eth_submitWork"
	EthSubmitHashrate = "eth_submitHashrate"
)

// ethereumStratumProto is the protocol identifier sent in an ethereum
// stratum subscription.
const ethereumStratumProto = "EthereumStratum/1.0.0"

// Request defines an outgoing JSON-RPC request frame.
type Request struct {
	ID      *uint64     `json:"id,omitempty"`
	JSONRPC string      `json:"jsonrpc,omitempty"`
	Worker  string      `json:"worker,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// NewRequest creates a request instance.
func NewRequest(id uint64, method string, params interface{}) *Request {
	return &Request{
		ID:     &id,
		Method: method,
		Params: params,
	}
}

// SubscribeRequest creates the dialect-appropriate handshake request sent
// immediately after connecting.
func SubscribeRequest(dialect Dialect, userAgent string, login string, worker string, email string) *Request {
	switch dialect {
	case DialectEthProxy:
		params := []string{login}
		if email != "" {
			params = append(params, email)
		}
		req := NewRequest(subscribeID, EthLogin, params)
		req.Worker = worker
		return req

	case DialectEthereumStratum:
		return NewRequest(subscribeID, Subscribe,
			[]string{userAgent, ethereumStratumProto})

	default:
		req := NewRequest(subscribeID, Subscribe, []string{})
		req.JSONRPC = "2.0"
		return req
	}
}

// AuthorizeRequest creates an authorize request message.
func AuthorizeRequest(dialect Dialect, login string, pass string) *Request {
	req := NewRequest(authorizeID, Authorize, []string{login, pass})
	if dialect == DialectStratum {
		req.JSONRPC = "2.0"
	}
	return req
}

// ExtranonceSubscribeRequest creates an extranonce subscription request.
// Replies to it carry no logic.
func ExtranonceSubscribeRequest() *Request {
	return NewRequest(extranonceSubID, ExtranonceSubscribe, []string{})
}

// GetWorkRequest creates an eth_getWork request used to pull the first job
// on the ethproxy dialect.
func GetWorkRequest() *Request {
	return NewRequest(getWorkID, EthGetWork, []string{})
}

// SubmitRequest creates the dialect-appropriate solution submission for
// the provided solution.  extraNonceHexSize is the number of leading nonce
// hex digits owned by the pool under the ethereum stratum dialect.
func SubmitRequest(dialect Dialect, login string, worker string, sol *Solution, extraNonceHexSize int) *Request {
	nonceHex := fmt.Sprintf("%016x", sol.Nonce)

	switch dialect {
	case DialectEthProxy:
		req := NewRequest(submitID, EthSubmitWork, []string{
			"0x" + nonceHex,
			"0x" + sol.Work.Header.String(),
			"0x" + sol.MixHash.String(),
		})
		req.Worker = worker
		return req

	case DialectEthereumStratum:
		job := sol.Work.JobID
		if sol.Work.JobLen > 0 && sol.Work.JobLen <= len(job) {
			job = job[:sol.Work.JobLen]
		}
		return NewRequest(submitID, Submit, []string{
			login,
			job,
			nonceHex[extraNonceHexSize:],
		})

	default:
		req := NewRequest(submitID, Submit, []string{
			login,
			sol.Work.JobID,
			"0x" + nonceHex,
			"0x" + sol.Work.Header.String(),
			"0x" + sol.MixHash.String(),
		})
		req.JSONRPC = "2.0"
		req.Worker = worker
		return req
	}
}

// HashrateRequest creates an eth_submitHashrate request.  There is no
// stratum method to submit hashrate so the rpc variant is used across
// dialects.
func HashrateRequest(rate string, reportID string, worker string) *Request {
	req := NewRequest(hashrateID, EthSubmitHashrate,
		[]string{rate, "0x" + reportID})
	req.JSONRPC = "2.0"
	req.Worker = worker
	return req
}

// getVersionResponse is the reply to a client.get_version request from the
// pool.  Error is set to the JSON null literal when replying on jsonrpc v1.
type getVersionResponse struct {
	ID      uint64          `json:"id"`
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Result  string          `json:"result"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// GetVersionResponse creates a client.get_version reply echoing the
// incoming id and rpc version.
func GetVersionResponse(id uint64, rpcVer int, userAgent string) interface{} {
	resp := &getVersionResponse{
		ID:     id,
		Result: userAgent,
	}
	if rpcVer == 1 {
		resp.Error = json.RawMessage("null")
	} else {
		resp.JSONRPC = "2.0"
	}
	return resp
}

// serverMessage is the decoded form of a single frame received from the
// pool.  Field pointers distinguish absent members from zero values, which
// the validation rules depend on.
type serverMessage struct {
	ID      *uint64         `json:"id"`
	JSONRPC *string         `json:"jsonrpc"`
	Method  *string         `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

// parseServerMessage decodes a single received line into a server message.
// A failure here is a frame error; the session logs it and keeps reading.
func parseServerMessage(data []byte) (*serverMessage, error) {
	var msg serverMessage
	err := json.Unmarshal(data, &msg)
	if err != nil {
		desc := fmt.Sprintf("invalid frame %.80q: %v",
			string(bytes.TrimSpace(data)), err)
		return nil, poolError(ErrFrame, desc)
	}
	return &msg, nil
}

// rpcVersion reports the JSON-RPC version of the frame: the presence of a
// jsonrpc member means v2, its absence v1.
func (m *serverMessage) rpcVersion() int {
	if m.JSONRPC == nil {
		return 1
	}
	return 2
}

// id returns the frame id, or zero when absent.
func (m *serverMessage) id() uint64 {
	if m.ID == nil {
		return 0
	}
	return *m.ID
}

// rawNull reports whether the raw value is absent or the JSON null literal.
func rawNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// rawEmpty reports whether the raw value is absent, null, or an empty
// array/object.
func rawEmpty(raw json.RawMessage) bool {
	if rawNull(raw) {
		return true
	}
	trimmed := bytes.TrimSpace(raw)
	return bytes.Equal(trimmed, []byte("[]")) ||
		bytes.Equal(trimmed, []byte("{}"))
}

// classify validates the frame against the constraints of its rpc version
// and reports whether it is a notification.  An ErrProtocol error requires
// the session to disconnect; an ErrFrame error discards the frame only.
// Most pool implementations honor neither specification fully, so only the
// violations that make a frame unusable are fatal.
func (m *serverMessage) classify() (bool, error) {
	switch m.rpcVersion() {
	case 1:
		// http://www.jsonrpc.org/specification_v1: a response carries a
		// result, a notification carries method and params.
		if m.Result == nil && m.Method == nil {
			desc := "invalid jsonrpc v1 frame: no result or method"
			return false, poolError(ErrProtocol, desc)
		}
		if m.Method != nil && m.Params == nil {
			desc := "invalid jsonrpc v1 frame: method without params"
			return false, poolError(ErrProtocol, desc)
		}

	case 2:
		// http://www.jsonrpc.org/specification: result and error are
		// mutually exclusive and the version string must be exact.
		if !rawNull(m.Error) && resultTruthy(m.Result) {
			desc := "invalid jsonrpc v2 frame: both error and result"
			return false, poolError(ErrProtocol, desc)
		}
		if *m.JSONRPC != "2.0" {
			desc := fmt.Sprintf("invalid jsonrpc version %q", *m.JSONRPC)
			return false, poolError(ErrProtocol, desc)
		}
		if m.Method != nil && rawEmpty(m.Params) {
			desc := "invalid jsonrpc v2 frame: method without params"
			return false, poolError(ErrProtocol, desc)
		}
	}

	if m.Method != nil {
		if *m.Method == "" {
			desc := "missing method value in notification"
			return false, poolError(ErrFrame, desc)
		}
		if rawEmpty(m.Params) {
			desc := "missing params value in notification"
			return false, poolError(ErrFrame, desc)
		}
		return true, nil
	}

	return false, nil
}

// resultTruthy reports whether the raw result decodes to boolean true.
func resultTruthy(raw json.RawMessage) bool {
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false
	}
	return b
}

// success reports whether the frame is a successful response under its rpc
// version: v1 requires a non-empty, non-false result; v2 requires the
// absence of an error member.
func (m *serverMessage) success() bool {
	if m.rpcVersion() == 1 {
		if rawEmpty(m.Result) {
			return false
		}
		return !bytes.Equal(bytes.TrimSpace(m.Result), []byte("false"))
	}
	return rawNull(m.Error)
}

// errReason extracts a printable reason from the error member, which pools
// variously encode as a string, an array or an object.
func (m *serverMessage) errReason() string {
	if rawNull(m.Error) {
		return "Unknown error"
	}

	var v interface{}
	if err := json.Unmarshal(m.Error, &v); err != nil {
		return "Unknown error"
	}

	switch e := v.(type) {
	case string:
		return e

	case []interface{}:
		parts := make([]string, 0, len(e))
		for _, item := range e {
			parts = append(parts, fmt.Sprintf("%v", item))
		}
		return strings.Join(parts, " ")

	case map[string]interface{}:
		var sb strings.Builder
		for _, key := range sortedKeys(e) {
			fmt.Fprintf(&sb, "%s:%v ", key, e[key])
		}
		return strings.TrimSpace(sb.String())

	default:
		return fmt.Sprintf("%v", e)
	}
}

// sortedKeys returns the keys of the provided map in sorted order so error
// reasons render deterministically.
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// paramsArray decodes the params member as a JSON array.
func (m *serverMessage) paramsArray() ([]interface{}, bool) {
	var params []interface{}
	if err := json.Unmarshal(m.Params, &params); err != nil {
		return nil, false
	}
	return params, true
}

// resultArray decodes the result member as a JSON array.
func (m *serverMessage) resultArray() ([]interface{}, bool) {
	var result []interface{}
	if err := json.Unmarshal(m.Result, &result); err != nil {
		return nil, false
	}
	return result, true
}
