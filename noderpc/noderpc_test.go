package noderpc

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

// fakeTransport scripts responses per method.
type fakeTransport struct {
	connected   bool
	failConnect bool
	auth        string
	handler     func(method string, params []interface{}, id uint64) (string, error)
	requests    []string
}

func (t *fakeTransport) Connect() error {
	if t.failConnect {
		return fmt.Errorf("connection refused")
	}
	t.connected = true
	return nil
}

func (t *fakeTransport) Connected() bool { return t.connected }

func (t *fakeTransport) SetBasicAuth(headerValue string) { t.auth = headerValue }

func (t *fakeTransport) Query(payload []byte) ([]byte, error) {
	var req rpcRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	t.requests = append(t.requests, req.Method)
	body, err := t.handler(req.Method, req.Params, req.ID)
	if err != nil {
		return nil, err
	}
	return []byte(body), nil
}

func writeConf(t *testing.T) string {
	t.Helper()
	dir, err := ioutil.TempDir("", "noderpc-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	conf := "rpcuser=alice\nrpcpassword=hunter2\n"
	if err := ioutil.WriteFile(filepath.Join(dir, "bitcoin.conf"), []byte(conf), 0600); err != nil {
		t.Fatal(err)
	}
	return dir
}

func okResult(id uint64, result string) string {
	return fmt.Sprintf(`{"result":%s,"error":null,"id":%d}`, result, id)
}

func errResult(id uint64, code int, msg string) string {
	return fmt.Sprintf(`{"result":null,"error":{"code":%d,"message":%q},"id":%d}`, code, msg, id)
}

func TestStatusEdgeFiresCallbackOnce(t *testing.T) {
	transport := &fakeTransport{
		handler: func(method string, params []interface{}, id uint64) (string, error) {
			return okResult(id, "700000"), nil
		},
	}
	fired := 0
	c := New(transport, writeConf(t), func() { fired++ })

	if status := c.TestConnection(); status != StatusOnline {
		t.Fatalf("expected online, got %s", status)
	}
	if fired != 1 {
		t.Errorf("expected exactly one callback on Disabled->Online, got %d", fired)
	}
	if transport.auth == "" {
		t.Error("basic auth header not precached")
	}

	// steady state: no edge, no callback
	if status := c.TestConnection(); status != StatusOnline {
		t.Fatalf("expected online, got %s", status)
	}
	if fired != 1 {
		t.Errorf("steady state fired the callback, count %d", fired)
	}
}

func TestError28IsRecoverable(t *testing.T) {
	starting := true
	transport := &fakeTransport{
		handler: func(method string, params []interface{}, id uint64) (string, error) {
			if starting {
				return errResult(id, -28, "Loading block index..."), nil
			}
			return okResult(id, "700000"), nil
		},
	}
	fired := 0
	c := New(transport, writeConf(t), func() { fired++ })

	if status := c.TestConnection(); status != StatusError28 {
		t.Fatalf("expected initializing, got %s", status)
	}
	if fired != 1 {
		t.Errorf("expected callback on Disabled->Error28, got %d", fired)
	}

	starting = false
	if status := c.TestConnection(); status != StatusOnline {
		t.Fatalf("expected online after init, got %s", status)
	}
	if fired != 2 {
		t.Errorf("expected callback on Error28->Online, got %d", fired)
	}
}

func TestMissingCredentialsIsBadAuth(t *testing.T) {
	dir, err := ioutil.TempDir("", "noderpc-noauth")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	transport := &fakeTransport{
		handler: func(method string, params []interface{}, id uint64) (string, error) {
			return okResult(id, "1"), nil
		},
	}
	c := New(transport, dir, nil)
	if status := c.TestConnection(); status != StatusBadAuth {
		t.Fatalf("expected bad-auth with no credentials, got %s", status)
	}
	// bad auth does not self-heal without a new setup
	if status := c.TestConnection(); status != StatusBadAuth {
		t.Fatalf("expected bad-auth to persist, got %s", status)
	}
}

func TestUnreachableNodeIsDisabled(t *testing.T) {
	transport := &fakeTransport{failConnect: true}
	c := New(transport, writeConf(t), nil)
	if status := c.TestConnection(); status != StatusDisabled {
		t.Fatalf("expected disabled, got %s", status)
	}
}

func TestFeeByte(t *testing.T) {
	transport := &fakeTransport{
		connected: true,
		handler: func(method string, params []interface{}, id uint64) (string, error) {
			if method != "estimatefee" {
				t.Errorf("unexpected method %s", method)
			}
			return okResult(id, "0.00021"), nil
		},
	}
	c := New(transport, "", nil)
	fee, err := c.FeeByte(6)
	if err != nil {
		t.Fatal(err)
	}
	if fee != 0.00021 {
		t.Errorf("fee %v", fee)
	}
}

func TestFeeByteSmart(t *testing.T) {
	transport := &fakeTransport{
		connected: true,
		handler: func(method string, params []interface{}, id uint64) (string, error) {
			if method == "estimatesmartfee" {
				if len(params) != 2 || params[1] != FeeStratConservative {
					t.Errorf("unexpected params %v", params)
				}
				return okResult(id, `{"feerate":0.00042,"blocks":4}`), nil
			}
			t.Errorf("unexpected method %s", method)
			return "", nil
		},
	}
	c := New(transport, "", nil)
	fer := c.FeeByteSmart(4, FeeStratConservative)
	if !fer.SmartFee || fer.FeeByte != 0.00042 || fer.Blocks != 4 || fer.Error != "" {
		t.Errorf("unexpected result: %+v", fer)
	}
}

func TestFeeByteSmartFallsBack(t *testing.T) {
	transport := &fakeTransport{
		connected: true,
		handler: func(method string, params []interface{}, id uint64) (string, error) {
			switch method {
			case "estimatesmartfee":
				return errResult(id, -32601, "Method not found"), nil
			case "estimatefee":
				return okResult(id, "0.00013"), nil
			}
			return "", fmt.Errorf("unexpected method %s", method)
		},
	}
	c := New(transport, "", nil)
	fer := c.FeeByteSmart(2, FeeStratEconomical)
	if fer.SmartFee {
		t.Error("fallback result claims smart fee")
	}
	if fer.FeeByte != 0.00013 || fer.Error != "" {
		t.Errorf("unexpected result: %+v", fer)
	}
}

func TestFeeByteSmartNodeError(t *testing.T) {
	transport := &fakeTransport{
		connected: true,
		handler: func(method string, params []interface{}, id uint64) (string, error) {
			return okResult(id, `{"errors":["Insufficient data or no feerate found"],"blocks":0}`), nil
		},
	}
	c := New(transport, "", nil)
	fer := c.FeeByteSmart(2, "")
	if !fer.SmartFee || fer.Error == "" {
		t.Errorf("expected surfaced smart-fee error, got %+v", fer)
	}
}

func TestBroadcastTx(t *testing.T) {
	rejected := true
	transport := &fakeTransport{
		connected: true,
		handler: func(method string, params []interface{}, id uint64) (string, error) {
			if method != "sendrawtransaction" {
				t.Errorf("unexpected method %s", method)
			}
			if rejected {
				return errResult(id, -26, "txn-mempool-conflict"), nil
			}
			return okResult(id, `"deadbeef"`), nil
		},
	}
	c := New(transport, "", nil)

	msg, err := c.BroadcastTx([]byte{0x01, 0x02})
	if err != nil {
		t.Fatal(err)
	}
	if msg != "txn-mempool-conflict" {
		t.Errorf("node error not surfaced verbatim: %q", msg)
	}

	rejected = false
	msg, err = c.BroadcastTx([]byte{0x01, 0x02})
	if err != nil {
		t.Fatal(err)
	}
	if msg != "success" {
		t.Errorf("expected success, got %q", msg)
	}
}

func TestUpdateChainStatusReady(t *testing.T) {
	transport := &fakeTransport{
		connected: true,
		handler: func(method string, params []interface{}, id uint64) (string, error) {
			switch method {
			case "getblockchaininfo":
				return okResult(id, `{"bestblockhash":"00aa","verificationprogress":0.9996}`), nil
			case "getblockheader":
				if len(params) != 1 || params[0] != "00aa" {
					t.Errorf("unexpected header params %v", params)
				}
				return okResult(id, `{"height":700000,"time":1600000000}`), nil
			}
			return "", fmt.Errorf("unexpected method %s", method)
		},
	}
	c := New(transport, "", nil)

	changed, err := c.UpdateChainStatus()
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("crossing the ready threshold must report a change")
	}
	status := c.ChainStatus()
	if status.State() != ChainReady {
		t.Errorf("state %s", status.State())
	}
	if top, err := c.TopBlock(); err != nil || top != 700000 {
		t.Errorf("top block %d/%v", top, err)
	}

	// once Ready, further polls report no change
	changed, err = c.UpdateChainStatus()
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("Ready state recomputed")
	}
}

func TestWaitOnChainSyncCallbackEdges(t *testing.T) {
	progress := 0.5
	transport := &fakeTransport{
		connected: true,
		handler: func(method string, params []interface{}, id uint64) (string, error) {
			switch method {
			case "getblockcount":
				return okResult(id, "100"), nil
			case "getblockchaininfo":
				return okResult(id, fmt.Sprintf(`{"bestblockhash":"aa","verificationprogress":%v}`, progress)), nil
			case "getblockheader":
				progress = 0.9999 // next poll is Ready
				return okResult(id, `{"height":1,"time":1600000000}`), nil
			}
			return "", fmt.Errorf("unexpected method %s", method)
		},
	}
	calls := 0
	c := New(transport, writeConf(t), nil)
	if err := c.WaitOnChainSync(func() { calls++ }, nil); err != nil {
		t.Fatal(err)
	}
	// entry + connection-up + the Ready transition
	if calls != 3 {
		t.Errorf("expected 3 callback edges, got %d", calls)
	}
}
