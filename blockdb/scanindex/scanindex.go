// Package scanindex plans script rescans. While blocks stream in, the
// planner accumulates a bitmap of heights-with-activity per script key in
// memory, reports when the bitmaps outgrow their memory cap, and lists
// which scripts still need a walk above their alreadyScannedUpToBlk
// watermark. It does not read or write the stored histories itself.
package scanindex

import (
	"sort"

	"github.com/RoaringBitmap/roaring"
	"github.com/c2h5oh/datasize"
	"github.com/ethereum/go-ethereum/log"
)

// MemLimit is the bitmap size above which NeedsFlush reports true.
const MemLimit = 256 * datasize.MB

type Planner struct {
	heights  map[string]*roaring.Bitmap
	memLimit datasize.ByteSize
	log      log.Logger
}

func NewPlanner() *Planner {
	return &Planner{
		heights:  make(map[string]*roaring.Bitmap),
		memLimit: MemLimit,
		log:      log.New("module", "scanindex"),
	}
}

// Record notes that the script saw activity at a height.
func (p *Planner) Record(scriptKey []byte, height uint32) {
	bm, ok := p.heights[string(scriptKey)]
	if !ok {
		bm = roaring.New()
		p.heights[string(scriptKey)] = bm
	}
	bm.Add(height)
}

// Merge ORs another planner's accumulation into this one.
func (p *Planner) Merge(other *Planner) {
	for key, bm := range other.heights {
		mine, ok := p.heights[key]
		if !ok {
			p.heights[key] = bm.Clone()
			continue
		}
		mine.Or(bm)
	}
}

// NeedsFlush reports whether the bitmaps outgrew the memory cap.
func (p *Planner) NeedsFlush() bool {
	var sz uint64
	for _, bm := range p.heights {
		sz += bm.GetSizeInBytes()
	}
	return datasize.ByteSize(sz) > p.memLimit
}

// FirstUnscanned returns the first recorded activity height above
// scannedUpTo for a script, or (0, false) when it is fully caught up.
func (p *Planner) FirstUnscanned(scriptKey []byte, scannedUpTo uint32) (uint32, bool) {
	bm, ok := p.heights[string(scriptKey)]
	if !ok || bm.IsEmpty() {
		return 0, false
	}
	if bm.Maximum() <= scannedUpTo {
		return 0, false
	}
	// smallest height strictly above the watermark
	it := bm.Iterator()
	it.AdvanceIfNeeded(scannedUpTo + 1)
	if !it.HasNext() {
		return 0, false
	}
	return it.Next(), true
}

// TrimBelow drops all recorded activity at or below the height, once the
// corresponding histories have been advanced.
func (p *Planner) TrimBelow(height uint32) {
	for key, bm := range p.heights {
		bm.RemoveRange(0, uint64(height)+1)
		if bm.IsEmpty() {
			delete(p.heights, key)
		}
	}
}

// ScanPlan lists the script keys with unscanned activity, ordered by their
// first unscanned height so the chain is walked once, bottom up.
type ScanPlanEntry struct {
	ScriptKey   []byte
	FromHeight  uint32
	NumActivity uint64
}

func (p *Planner) ScanPlan(scannedUpTo func(scriptKey []byte) uint32) []ScanPlanEntry {
	plan := make([]ScanPlanEntry, 0, len(p.heights))
	for key, bm := range p.heights {
		from, ok := p.FirstUnscanned([]byte(key), scannedUpTo([]byte(key)))
		if !ok {
			continue
		}
		plan = append(plan, ScanPlanEntry{
			ScriptKey:   []byte(key),
			FromHeight:  from,
			NumActivity: bm.GetCardinality(),
		})
	}
	sort.Slice(plan, func(i, j int) bool {
		if plan[i].FromHeight != plan[j].FromHeight {
			return plan[i].FromHeight < plan[j].FromHeight
		}
		return string(plan[i].ScriptKey) < string(plan[j].ScriptKey)
	})

	var sz uint64
	for _, bm := range p.heights {
		sz += bm.GetSizeInBytes()
	}
	p.log.Debug("Scan plan built", "scripts", len(plan),
		"mem", datasize.ByteSize(sz).HumanReadable())
	return plan
}
