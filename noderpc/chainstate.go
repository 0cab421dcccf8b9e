package noderpc

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

type ChainState int

const (
	ChainUnknown ChainState = iota
	ChainSyncing
	ChainReady
)

func (s ChainState) String() string {
	switch s {
	case ChainSyncing:
		return "syncing"
	case ChainReady:
		return "ready"
	}
	return "unknown"
}

const (
	// chainWindow is how many recent (height, time) samples feed the
	// block-speed estimate.
	chainWindow = 20
	// nominalBlockInterval is the target seconds between blocks.
	nominalBlockInterval = 600
	// readyThreshold is the verificationprogress at which the node is
	// treated as synced.
	readyThreshold = 0.9995
)

type heightTimeSample struct {
	height    uint64
	nodeTime  uint64 // timestamp of the node's best block
	sampledAt uint64 // wall clock when the sample was taken
}

// NodeChainState tracks a peer node's sync progress across updateChainStatus
// polls. It is only touched from within the client's critical section.
type NodeChainState struct {
	samples []heightTimeSample

	state      ChainState
	pct        float64
	prevPctInt uint64
	blockSpeed float64
	blocksLeft uint64
	eta        uint64

	now func() time.Time
	log log.Logger
}

func newNodeChainState() NodeChainState {
	return NodeChainState{
		now: time.Now,
		log: log.New("module", "noderpc"),
	}
}

func (ncs *NodeChainState) Reset() {
	ncs.samples = nil
	ncs.state = ChainUnknown
	ncs.blockSpeed = 0
	ncs.eta = 0
}

func (ncs *NodeChainState) State() ChainState { return ncs.state }

// Progress is the last clamped verificationprogress.
func (ncs *NodeChainState) Progress() float64 { return ncs.pct }

// BlockSpeed is the node's observed sync speed in blocks per second.
func (ncs *NodeChainState) BlockSpeed() float64 { return ncs.blockSpeed }

func (ncs *NodeChainState) BlocksLeft() uint64 { return ncs.blocksLeft }

func (ncs *NodeChainState) ETA() uint64 { return ncs.eta }

// TopBlock is the height of the newest sample.
func (ncs *NodeChainState) TopBlock() (uint64, error) {
	if len(ncs.samples) == 0 {
		return 0, fmt.Errorf("noderpc: no chain samples yet")
	}
	return ncs.samples[len(ncs.samples)-1].height, nil
}

// AppendHeightAndTime records one (height, node-time) observation. A
// repeat of the latest height is discarded; the window is capped at
// chainWindow samples.
func (ncs *NodeChainState) AppendHeightAndTime(height, timestamp uint64) {
	if top, err := ncs.TopBlock(); err == nil && top == height {
		return
	}
	ncs.samples = append(ncs.samples, heightTimeSample{
		height:    height,
		nodeTime:  timestamp,
		sampledAt: uint64(ncs.now().Unix()),
	})
	for len(ncs.samples) > chainWindow {
		ncs.samples = ncs.samples[1:]
	}
}

// ProcessState digests a getblockchaininfo result and reports true when the
// node reaches Ready or when a fresh speed and ETA were computed; the move
// from Unknown to Syncing alone reports false. Once Ready it stays Ready and
// stops recomputing.
func (ncs *NodeChainState) ProcessState(info *BlockChainInfo) bool {
	if ncs.state == ChainReady {
		return false
	}
	if info.VerificationProgress == nil {
		return false
	}

	pct := *info.VerificationProgress
	if pct > 1 {
		pct = 1
	}
	if pct < 0 {
		pct = 0
	}
	ncs.pct = pct

	pctInt := uint64(pct * 10000)
	if pctInt != ncs.prevPctInt {
		ncs.log.Info("Waiting on node sync", "progress", fmt.Sprintf("%.2f%%", pct*100))
		ncs.prevPctInt = pctInt
	}

	if pct >= readyThreshold {
		ncs.state = ChainReady
		return true
	}

	if len(ncs.samples) == 0 {
		return false
	}

	now := uint64(ncs.now().Unix())
	var diff uint64
	if blockTime := ncs.samples[len(ncs.samples)-1].nodeTime; now > blockTime {
		diff = now - blockTime
	}

	ncs.state = ChainSyncing

	blocksLeft := diff / nominalBlockInterval

	first, last := ncs.samples[0], ncs.samples[len(ncs.samples)-1]
	if last.sampledAt <= first.sampledAt {
		return false
	}
	blockDiff := last.height - first.height
	if blockDiff == 0 {
		return false
	}

	timeDiff := last.sampledAt - first.sampledAt
	ncs.blockSpeed = float64(blockDiff) / float64(timeDiff)
	// eta multiplies blocks by blocks-per-second; a coarse hint only,
	// consumers must not treat it as seconds
	ncs.eta = uint64(float64(blocksLeft) * ncs.blockSpeed)
	ncs.blocksLeft = blocksLeft

	return true
}
