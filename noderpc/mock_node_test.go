package noderpc

import (
	"bytes"
	"testing"
	"time"

	"github.com/utxowatch/turbo-btc/common"
)

func TestMockNodeMempoolOrder(t *testing.T) {
	n := NewMockNode()

	tx1 := mockCoinbaseTx([]byte{1}, 1000) // arbitrary distinct payloads
	tx2 := mockCoinbaseTx([]byte{2}, 1001)
	tx3 := mockCoinbaseTx([]byte{3}, 1002)

	n.PushZC([][]byte{tx1, tx2})
	n.PushZC([][]byte{tx2}) // duplicate ignored
	n.PushZC([][]byte{tx3})
	if n.MempoolSize() != 3 {
		t.Fatalf("mempool size %d", n.MempoolSize())
	}

	sh, err := n.MineNewBlock(make([]byte, 20))
	if err != nil {
		t.Fatal(err)
	}
	// coinbase + three mempool txs, in submission order
	if sh.NumTx != 4 {
		t.Fatalf("block tx count %d", sh.NumTx)
	}
	for i, want := range [][]byte{tx1, tx2, tx3} {
		got, err := sh.StxMap[uint16(i+1)].SerializedTx()
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("tx %d out of order", i+1)
		}
	}
	if n.MempoolSize() != 0 {
		t.Error("mining did not drain the mempool")
	}
}

func TestMockNodeGetTx(t *testing.T) {
	n := NewMockNode()
	tx := mockCoinbaseTx([]byte{7}, 55)
	hash := common.DoubleHashH(tx)

	if _, err := n.GetTx(hash, 30*time.Millisecond); err == nil {
		t.Error("expected timeout for unknown tx")
	}

	n.PushZC([][]byte{tx})
	got, err := n.GetTx(hash, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, tx) {
		t.Error("tx bytes mismatch")
	}
}

func TestMockNodeBlocksAdvanceHeight(t *testing.T) {
	n := NewMockNode()
	b0, err := n.MockNewBlock()
	if err != nil {
		t.Fatal(err)
	}
	b1, err := n.MockNewBlock()
	if err != nil {
		t.Fatal(err)
	}
	if b0.BlockHeight != 0 || b1.BlockHeight != 1 {
		t.Errorf("heights %d/%d", b0.BlockHeight, b1.BlockHeight)
	}
	if b0.ThisHash == b1.ThisHash {
		t.Error("consecutive mock blocks share a hash")
	}
}
