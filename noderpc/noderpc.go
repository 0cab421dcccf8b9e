// Package noderpc is the JSON-RPC client side of the engine: a thin
// request/response client over an injected HTTP transport, plus the
// chain-state tracker that turns getblockchaininfo polls into a coarse
// sync status for callers.
package noderpc

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/utxowatch/turbo-btc/common"
)

// Status is the coarse connection state. Everything but StatusBadAuth is
// recoverable by retrying; bad auth needs reconfiguration and a new
// SetupConnection.
type Status int

const (
	StatusDisabled Status = iota
	StatusBadAuth
	StatusError28
	StatusOnline
)

func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "disabled"
	case StatusBadAuth:
		return "bad-auth"
	case StatusError28:
		return "initializing"
	case StatusOnline:
		return "online"
	}
	return "invalid"
}

// errorCodeStarting is the node's "loading block index" error.
const errorCodeStarting = -28

// Fee estimation strategies accepted by estimatesmartfee.
const (
	FeeStratConservative = "CONSERVATIVE"
	FeeStratEconomical   = "ECONOMICAL"
)

var errInvalidResponse = fmt.Errorf("noderpc: invalid response")

type rpcRequest struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params,omitempty"`
	ID     uint64        `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     uint64          `json:"id"`
}

// valid implements the response contract: the id echoes the request and
// error is null.
func (r *rpcResponse) valid(id uint64) bool {
	return r.ID == id && r.Error == nil
}

// BlockChainInfo is the subset of getblockchaininfo the engine consumes.
type BlockChainInfo struct {
	Chain                string   `json:"chain"`
	Blocks               uint64   `json:"blocks"`
	Headers              uint64   `json:"headers"`
	BestBlockHash        string   `json:"bestblockhash"`
	VerificationProgress *float64 `json:"verificationprogress"`
}

type blockHeaderInfo struct {
	Height uint64 `json:"height"`
	Time   uint64 `json:"time"`
}

// FeeEstimateResult is the outcome of a smart fee query, or of its
// fallback to the plain estimator.
type FeeEstimateResult struct {
	FeeByte  float64
	SmartFee bool
	Blocks   uint32
	Error    string
}

// Client drives one node over one transport. A single mutex serialises
// every public operation; the internals below it never lock. State
// transitions fire the callback exactly on edge.
type Client struct {
	mu sync.Mutex

	transport Transport
	datadir   string
	callback  func()
	log       log.Logger

	goodNode        bool
	previousState   Status
	basicAuthString string
	nextID          uint64

	chainState NodeChainState
}

// New builds a client over an injected transport. The datadir is where
// bitcoin.conf / .cookie credentials are looked up; callback fires on
// every status edge and may be nil. It runs inside the client's critical
// section and must not call back into the client.
func New(transport Transport, datadir string, callback func()) *Client {
	return &Client{
		transport:     transport,
		datadir:       datadir,
		callback:      callback,
		log:           log.New("module", "noderpc"),
		previousState: StatusDisabled,
		chainState:    newNodeChainState(),
	}
}

// queryLocked runs one request/response pair. Caller holds the lock.
func (c *Client) queryLocked(method string, params ...interface{}) (*rpcResponse, uint64, error) {
	c.nextID++
	id := c.nextID
	payload, err := json.Marshal(rpcRequest{Method: method, Params: params, ID: id})
	if err != nil {
		return nil, id, err
	}
	body, err := c.transport.Query(payload)
	if err != nil {
		return nil, id, err
	}
	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, id, fmt.Errorf("noderpc: decoding %s response: %w", method, err)
	}
	return &resp, id, nil
}

// noteState records a status and fires the callback iff it changed.
func (c *Client) noteState(state Status) Status {
	fire := state != c.previousState
	c.previousState = state
	if fire && c.callback != nil {
		c.callback()
	}
	return state
}

// SetupConnection (re-)establishes the transport, resolves credentials
// and probes the node. Until it succeeds again, a bad-auth state is
// permanent.
func (c *Client) SetupConnection() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setupConnectionLocked()
}

func (c *Client) setupConnectionLocked() Status {
	if !c.transport.Connected() {
		if err := c.transport.Connect(); err != nil {
			return StatusDisabled
		}
	}

	authString, err := AuthString(c.datadir)
	if err != nil || authString == "" {
		return StatusBadAuth
	}
	c.basicAuthString = authString
	c.transport.SetBasicAuth("Basic " + base64.StdEncoding.EncodeToString([]byte(authString)))

	c.goodNode = true
	c.chainState.Reset()

	status := c.testConnectionLocked()
	if status == StatusOnline {
		c.log.Info("RPC connection established")
	}
	return status
}

// TestConnection probes the node with getblockcount and reports the
// resulting status, firing the callback on edge.
func (c *Client) TestConnection() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.testConnectionLocked()
}

func (c *Client) testConnectionLocked() Status {
	state := StatusDisabled

	if !c.goodNode {
		state = c.setupConnectionLocked()
	} else {
		c.goodNode = false
		resp, id, err := c.queryLocked("getblockcount")
		switch {
		case err != nil:
			state = StatusDisabled
		case resp.valid(id):
			state = StatusOnline
			c.goodNode = true
		case resp.Error != nil && resp.Error.Code == errorCodeStarting:
			state = StatusError28
		default:
			c.log.Error("RPC connection test error", "err", resp.Error)
			state = StatusBadAuth
		}
	}

	return c.noteState(state)
}

// FeeByte queries the plain fee estimator. The node returns -1 when it
// has no estimate.
func (c *Client) FeeByte(blocksToConfirm uint32) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.feeByteLocked(blocksToConfirm)
}

func (c *Client) feeByteLocked(blocksToConfirm uint32) (float64, error) {
	resp, id, err := c.queryLocked("estimatefee", blocksToConfirm)
	if err != nil {
		return 0, err
	}
	if !resp.valid(id) {
		return 0, errInvalidResponse
	}
	var fee float64
	if err := json.Unmarshal(resp.Result, &fee); err != nil {
		return 0, errInvalidResponse
	}
	return fee, nil
}

// FeeByteSmart queries estimatesmartfee, falling back to the plain
// estimator when the method is missing.
func (c *Client) FeeByteSmart(confTarget uint32, strategy string) FeeEstimateResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	fallback := func() FeeEstimateResult {
		fer := FeeEstimateResult{SmartFee: false}
		fee, err := c.feeByteLocked(confTarget)
		if err != nil || fee == -1.0 {
			fer.Error = "error"
		} else {
			fer.FeeByte = fee
		}
		return fer
	}

	params := []interface{}{confTarget}
	if strategy == FeeStratConservative || strategy == FeeStratEconomical {
		params = append(params, strategy)
	}
	resp, id, err := c.queryLocked("estimatesmartfee", params...)
	if err != nil {
		return fallback()
	}
	if !resp.valid(id) {
		return fallback()
	}

	var result struct {
		FeeRate *float64 `json:"feerate"`
		Blocks  uint32   `json:"blocks"`
		Errors  []string `json:"errors"`
	}
	if len(resp.Result) == 0 || json.Unmarshal(resp.Result, &result) != nil {
		return fallback()
	}

	fer := FeeEstimateResult{}
	if result.FeeRate != nil {
		fer.FeeByte = *result.FeeRate
		fer.SmartFee = true
		fer.Blocks = result.Blocks
		if result.Blocks != 0 && result.Blocks != confTarget {
			fer.Error = "conf_target mismatch"
		}
	} else if len(result.Errors) > 0 {
		fer.SmartFee = true
		fer.Error = result.Errors[0]
	} else {
		return fallback()
	}
	return fer
}

// UpdateChainStatus polls getblockchaininfo and the best header, feeds the
// tracker, and reports whether the sync state advanced.
func (c *Client) UpdateChainStatus() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, id, err := c.queryLocked("getblockchaininfo")
	if err != nil {
		return false, err
	}
	if !resp.valid(id) {
		return false, errInvalidResponse
	}
	var info BlockChainInfo
	if err := json.Unmarshal(resp.Result, &info); err != nil {
		return false, errInvalidResponse
	}
	if info.BestBlockHash == "" {
		return false, nil
	}

	headerResp, headerID, err := c.queryLocked("getblockheader", info.BestBlockHash)
	if err != nil {
		return false, err
	}
	if !headerResp.valid(headerID) {
		return false, errInvalidResponse
	}
	var header blockHeaderInfo
	if err := json.Unmarshal(headerResp.Result, &header); err != nil {
		return false, errInvalidResponse
	}

	c.chainState.AppendHeightAndTime(header.Height, header.Time)
	return c.chainState.ProcessState(&info), nil
}

// BroadcastTx pushes a raw tx to the node. A protocol-valid node error
// comes back verbatim as the result string; the error return is reserved
// for transport failures and undecodable or mismatched responses.
func (c *Client) BroadcastTx(rawTx []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, id, err := c.queryLocked("sendrawtransaction", hex.EncodeToString(rawTx))
	if err != nil {
		return "", err
	}
	if !resp.valid(id) {
		if resp.Error == nil {
			return "", errInvalidResponse
		}
		return resp.Error.Message, nil
	}
	return "success", nil
}

// Shutdown asks the node to stop.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, id, err := c.queryLocked("stop")
	if err != nil {
		return err
	}
	if !resp.valid(id) {
		return errInvalidResponse
	}
	var msg string
	if err := json.Unmarshal(resp.Result, &msg); err != nil {
		return errInvalidResponse
	}
	c.log.Info(msg)
	return nil
}

// ChainStatus returns a snapshot of the tracker.
func (c *Client) ChainStatus() NodeChainState {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := c.chainState
	snapshot.samples = append([]heightTimeSample(nil), c.chainState.samples...)
	return snapshot
}

// TopBlock reports the node's best height seen so far.
func (c *Client) TopBlock() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chainState.TopBlock()
}

// WaitOnChainSync polls the node until it reports Ready, invoking cb on
// entry, once the connection is up, and on every state change. The quit
// channel bounds shutdown latency to the 1-5s poll sleeps.
func (c *Client) WaitOnChainSync(cb func(), quit <-chan struct{}) error {
	c.mu.Lock()
	c.chainState.Reset()
	c.mu.Unlock()
	cb()

	for {
		status := c.TestConnection()
		if status != StatusError28 {
			if status != StatusOnline {
				return fmt.Errorf("noderpc: node unreachable: %s", status)
			}
			break
		}
		// keep trying as long as the node is initializing
		if err := sleepOrQuit(time.Second, quit); err != nil {
			return err
		}
	}

	cb()

	for {
		var blockSpeed float64

		changed, err := c.UpdateChainStatus()
		if err == nil {
			if changed {
				cb()
			}
			status := c.ChainStatus()
			if status.State() == ChainReady {
				break
			}
			blockSpeed = status.BlockSpeed()
		} else {
			if c.TestConnection() == StatusOnline {
				return fmt.Errorf("noderpc: unsupported RPC method: %w", err)
			}
		}

		dur := time.Second
		if blockSpeed != 0 {
			singleBlockETA := 1 / blockSpeed
			if singleBlockETA < 1 {
				singleBlockETA = 1
			}
			if singleBlockETA > 5 {
				singleBlockETA = 5
			}
			dur = time.Duration(singleBlockETA) * time.Second
		}
		if err := sleepOrQuit(dur, quit); err != nil {
			return err
		}
	}

	c.log.Info("Node is ready")
	return nil
}

func sleepOrQuit(d time.Duration, quit <-chan struct{}) error {
	select {
	case <-quit:
		return common.ErrStopped
	case <-time.After(d):
		return nil
	}
}
