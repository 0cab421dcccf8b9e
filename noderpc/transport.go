package noderpc

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"time"
)

// Transport carries one JSON-RPC request/response exchange. The client
// owns exactly one and serialises access to it; implementations do not
// need to be safe for concurrent use.
type Transport interface {
	// Connect (re-)establishes the underlying connection.
	Connect() error
	// Connected reports whether the last known state of the connection is
	// usable.
	Connected() bool
	// SetBasicAuth precaches the Authorization header value sent with
	// every request.
	SetBasicAuth(headerValue string)
	// Query sends one request payload and returns the raw response body.
	Query(payload []byte) ([]byte, error)
}

// httpTransport talks JSON-RPC 1.0 over HTTP to a local node.
type httpTransport struct {
	addr      string
	auth      string
	client    *http.Client
	connected bool
}

// NewHTTPTransport dials 127.0.0.1 at the node's RPC port.
func NewHTTPTransport(rpcPort int) Transport {
	return &httpTransport{
		addr:   fmt.Sprintf("127.0.0.1:%d", rpcPort),
		client: &http.Client{},
	}
}

func (t *httpTransport) Connect() error {
	conn, err := net.DialTimeout("tcp", t.addr, 5*time.Second)
	if err != nil {
		t.connected = false
		return err
	}
	conn.Close()
	t.connected = true
	return nil
}

func (t *httpTransport) Connected() bool { return t.connected }

func (t *httpTransport) SetBasicAuth(headerValue string) { t.auth = headerValue }

func (t *httpTransport) Query(payload []byte) ([]byte, error) {
	req, err := http.NewRequest("POST", "http://"+t.addr+"/", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/plain")
	if t.auth != "" {
		req.Header.Set("Authorization", t.auth)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		t.connected = false
		return nil, err
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return body, nil
}
