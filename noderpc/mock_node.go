package noderpc

import (
	"fmt"
	"sync"
	"time"

	"github.com/petar/GoLLRB/llrb"

	"github.com/utxowatch/turbo-btc/common"
	"github.com/utxowatch/turbo-btc/common/serialize"
	"github.com/utxowatch/turbo-btc/core/records"
)

// mempoolObject orders mempool entries by arrival; the ordinal is the llrb
// sort key so block assembly is stable.
type mempoolObject struct {
	rawTx []byte
	hash  common.Hash
	order uint32
}

func (m *mempoolObject) Less(other llrb.Item) bool {
	return m.order < other.(*mempoolObject).order
}

// MockNode is an in-memory node double for tests: an
// ordered mempool plus trivial block assembly. It is not part of the
// storage core.
type MockNode struct {
	mu      sync.Mutex
	mempool *llrb.LLRB
	byHash  map[common.Hash]*mempoolObject
	counter uint32
	height  uint32
}

func NewMockNode() *MockNode {
	return &MockNode{
		mempool: llrb.New(),
		byHash:  make(map[common.Hash]*mempoolObject),
	}
}

// PushZC adds zero-confirmation txs to the mempool in submission order.
func (n *MockNode) PushZC(txVec [][]byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, rawTx := range txVec {
		hash := common.DoubleHashH(rawTx)
		if _, ok := n.byHash[hash]; ok {
			continue
		}
		obj := &mempoolObject{
			rawTx: common.CopyBytes(rawTx),
			hash:  hash,
			order: n.counter,
		}
		n.counter++
		n.byHash[hash] = obj
		n.mempool.ReplaceOrInsert(obj)
	}
}

// GetTx waits for a tx to show up in the mempool, polling until timeout.
func (n *MockNode) GetTx(hash common.Hash, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		n.mu.Lock()
		obj, ok := n.byHash[hash]
		n.mu.Unlock()
		if ok {
			return common.CopyBytes(obj.rawTx), nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("noderpc: tx %s not seen before timeout", hash.Hex())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// MempoolSize reports how many txs wait for a block.
func (n *MockNode) MempoolSize() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mempool.Len()
}

// MockNewBlock drains the mempool into a block in arrival order, headed by
// a coinbase paying the zero script.
func (n *MockNode) MockNewBlock() (*records.StoredHeader, error) {
	return n.MineNewBlock(make([]byte, 20))
}

// MineNewBlock assembles and "mines" a block whose coinbase pays h160,
// consuming the whole mempool.
func (n *MockNode) MineNewBlock(h160 []byte) (*records.StoredHeader, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var txs [][]byte
	txs = append(txs, mockCoinbaseTx(h160, n.height))
	n.mempool.AscendGreaterOrEqual(&mempoolObject{}, func(item llrb.Item) bool {
		txs = append(txs, item.(*mempoolObject).rawTx)
		return true
	})

	var w serialize.Writer
	header := make([]byte, common.Header80Length)
	header[0] = 1
	header[4] = byte(n.height)
	header[5] = byte(n.height >> 8)
	w.PutBytes(header)
	w.PutVarInt(uint64(len(txs)))
	for _, rawTx := range txs {
		w.PutBytes(rawTx)
	}

	sh := records.NewStoredHeader()
	if err := sh.UnserializeFullBlock(serialize.NewReader(w.Bytes()), true); err != nil {
		return nil, err
	}
	sh.SetKeyData(n.height, 0)
	n.height++

	n.mempool = llrb.New()
	n.byHash = make(map[common.Hash]*mempoolObject)
	return sh, nil
}

func mockCoinbaseTx(h160 []byte, height uint32) []byte {
	var w serialize.Writer
	w.PutUint32(1)
	w.PutVarInt(1)
	w.PutBytes(make([]byte, 32))
	w.PutUint32(0xFFFFFFFF)
	w.PutVarBytes([]byte{byte(height), byte(height >> 8), byte(height >> 16)})
	w.PutUint32(0xFFFFFFFF)
	w.PutVarInt(1)
	w.PutUint64(50 * 100000000)
	var script serialize.Writer
	script.PutUint8(0x76) // OP_DUP
	script.PutUint8(0xa9) // OP_HASH160
	script.PutVarBytes(h160)
	script.PutUint8(0x88) // OP_EQUALVERIFY
	script.PutUint8(0xac) // OP_CHECKSIG
	w.PutVarBytes(script.Bytes())
	w.PutUint32(0)
	return w.Bytes()
}
