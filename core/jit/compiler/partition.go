package compiler

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/vmjit/bcjit/core/jit/bytecode"
)

// bitmap marks instruction starts, one bit per code byte.
type bitmap []byte

func newBitmap(n int) bitmap { return make(bitmap, n/8+1) }

func (bits bitmap) set1(pos int) { bits[pos/8] |= 1 << (pos % 8) }

func (bits bitmap) isBitSet(pos int) bool {
	if pos < 0 || pos/8 >= len(bits) {
		return false
	}
	return (bits[pos/8]>>(pos%8))&1 == 1
}

// PartitionBlock is a maximal straight-line bytecode range [Start, End).
type PartitionBlock struct {
	Start, End  int
	First, Last int // instruction indices
	// Succs are the starts of successor blocks in edge order; a fallthrough
	// successor is listed last.
	Succs       []int
	Fallthrough int // -1 when control never falls through
}

// Partition is the block graph of one method.
type Partition struct {
	Blocks  []*PartitionBlock
	Insts   []bytecode.Instruction
	byStart map[int]*PartitionBlock
	starts  bitmap
	codeLen int
}

// BlockAt returns the block starting at bci.
func (p *Partition) BlockAt(bci int) *PartitionBlock { return p.byStart[bci] }

// Containing returns the block that holds bci.
func (p *Partition) Containing(bci int) *PartitionBlock {
	i := sort.Search(len(p.Blocks), func(i int) bool { return p.Blocks[i].End > bci })
	if i < len(p.Blocks) && p.Blocks[i].Start <= bci {
		return p.Blocks[i]
	}
	return nil
}

// IsInstructionStart reports whether an opcode begins at bci.
func (p *Partition) IsInstructionStart(bci int) bool { return p.starts.isBitSet(bci) }

// PartitionMethod splits the decoded instructions into basic blocks. Blocks
// begin at bci 0, at every branch target, after every branch or
// block-ending opcode, after every invoke that lies in a protected range
// and at every start, end and handler bci of the exception table.
func PartitionMethod(insts []bytecode.Instruction, codeLen int, table *HandlerTable) (*Partition, error) {
	if len(insts) == 0 {
		return nil, malformed(0, "empty code")
	}
	p := &Partition{
		Insts:   insts,
		byStart: make(map[int]*PartitionBlock),
		starts:  newBitmap(codeLen),
		codeLen: codeLen,
	}
	for _, in := range insts {
		p.starts.set1(in.BCI)
	}
	if err := table.validate(codeLen, p.IsInstructionStart); err != nil {
		return nil, err
	}

	leaders := mapset.NewThreadUnsafeSet[int](0)
	for i := 0; i < table.Len(); i++ {
		e := table.Entry(i)
		leaders.Add(e.StartBCI)
		leaders.Add(e.HandlerBCI)
		if e.EndBCI < codeLen {
			leaders.Add(e.EndBCI)
		}
	}
	for _, in := range insts {
		for _, target := range in.Targets() {
			if !p.IsInstructionStart(target) {
				return nil, malformed(in.BCI, "%s targets %d, which is not an instruction boundary", in.Op, target)
			}
			leaders.Add(target)
		}
		next := in.Next()
		split := in.Op.IsBranch() || in.Op.IsSwitch() || in.Op.EndsBlock() ||
			(in.Op.IsInvoke() && table.IsProtected(in.BCI))
		if split && next < codeLen {
			leaders.Add(next)
		}
	}

	sorted := leaders.ToSlice()
	sort.Ints(sorted)
	idx := 0
	for bi, start := range sorted {
		end := codeLen
		if bi+1 < len(sorted) {
			end = sorted[bi+1]
		}
		for insts[idx].BCI < start {
			idx++
		}
		pb := &PartitionBlock{Start: start, End: end, First: idx, Fallthrough: -1}
		for idx+1 < len(insts) && insts[idx+1].BCI < end {
			idx++
		}
		pb.Last = idx
		p.Blocks = append(p.Blocks, pb)
		p.byStart[start] = pb
	}
	for _, pb := range p.Blocks {
		last := &insts[pb.Last]
		pb.Succs = append(pb.Succs, last.Targets()...)
		if !last.Op.EndsBlock() {
			if pb.End >= codeLen {
				return nil, malformed(last.BCI, "control falls off the end of the code")
			}
			pb.Fallthrough = pb.End
			pb.Succs = append(pb.Succs, pb.End)
		}
	}
	return p, nil
}
