package bytecode

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Instruction is one decoded opcode with its operands. Branch targets are
// absolute bcis.
type Instruction struct {
	BCI    int
	Op     Opcode
	Len    int
	Wide   bool
	Index  int   // constant-pool index
	Local  int   // local variable index
	Imm    int32 // immediate: push value, iinc delta, array tag, dimensions
	Target int   // absolute branch target
	Switch *SwitchTable
}

// SwitchTable holds the decoded cases of tableswitch and lookupswitch.
type SwitchTable struct {
	Default int
	Keys    []int32
	Targets []int
}

// Next is the bci of the following instruction.
func (in *Instruction) Next() int { return in.BCI + in.Len }

// Targets lists every explicit branch destination of the instruction.
func (in *Instruction) Targets() []int {
	switch {
	case in.Switch != nil:
		out := make([]int, 0, len(in.Switch.Targets)+1)
		out = append(out, in.Switch.Default)
		return append(out, in.Switch.Targets...)
	case in.Op.IsBranch():
		return []int{in.Target}
	}
	return nil
}

func (in *Instruction) String() string {
	switch {
	case in.Switch != nil:
		return fmt.Sprintf("%d: %s default=%d cases=%d", in.BCI, in.Op, in.Switch.Default, len(in.Switch.Keys))
	case in.Op.IsBranch():
		return fmt.Sprintf("%d: %s %d", in.BCI, in.Op, in.Target)
	}
	switch opTable[in.Op].operand {
	case operandS1, operandS2, operandTag:
		return fmt.Sprintf("%d: %s %d", in.BCI, in.Op, in.Imm)
	case operandLocal:
		return fmt.Sprintf("%d: %s %d", in.BCI, in.Op, in.Local)
	case operandIinc:
		return fmt.Sprintf("%d: %s %d %d", in.BCI, in.Op, in.Local, in.Imm)
	case operandCP1, operandCP2, operandInterface, operandDynamic:
		return fmt.Sprintf("%d: %s #%d", in.BCI, in.Op, in.Index)
	case operandMultiArray:
		return fmt.Sprintf("%d: %s #%d %d", in.BCI, in.Op, in.Index, in.Imm)
	}
	return fmt.Sprintf("%d: %s", in.BCI, in.Op)
}

// Decode splits code into instructions in bci order.
func Decode(code []byte) ([]Instruction, error) {
	var out []Instruction
	for pc := 0; pc < len(code); {
		in, err := decodeAt(code, pc)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
		pc += in.Len
	}
	return out, nil
}

func need(code []byte, pc, n int) error {
	if pc+n > len(code) {
		return errors.Wrapf(ErrMalformedCode, "truncated instruction at %d", pc)
	}
	return nil
}

func u2(code []byte, pc int) int { return int(binary.BigEndian.Uint16(code[pc:])) }
func s2(code []byte, pc int) int32 { return int32(int16(binary.BigEndian.Uint16(code[pc:]))) }
func s4(code []byte, pc int) int32 { return int32(binary.BigEndian.Uint32(code[pc:])) }

func decodeAt(code []byte, pc int) (Instruction, error) {
	op := Opcode(code[pc])
	info := opTable[op]
	if info == nil {
		return Instruction{}, errors.Wrapf(ErrUnknownOpcode, "0x%02x at %d", byte(op), pc)
	}
	in := Instruction{BCI: pc, Op: op, Len: info.length}
	if info.operand == operandVariable {
		switch op {
		case Wide:
			return decodeWide(code, pc)
		default:
			return decodeSwitch(code, pc, op)
		}
	}
	if err := need(code, pc, in.Len); err != nil {
		return Instruction{}, err
	}
	switch info.operand {
	case operandS1:
		in.Imm = int32(int8(code[pc+1]))
	case operandS2:
		in.Imm = s2(code, pc+1)
	case operandLocal:
		in.Local = int(code[pc+1])
	case operandCP1:
		in.Index = int(code[pc+1])
	case operandCP2, operandInterface, operandDynamic:
		in.Index = u2(code, pc+1)
		if info.operand == operandInterface {
			in.Imm = int32(code[pc+3])
		}
	case operandMultiArray:
		in.Index = u2(code, pc+1)
		in.Imm = int32(code[pc+3])
	case operandBranch2:
		in.Target = pc + int(s2(code, pc+1))
	case operandBranch4:
		in.Target = pc + int(s4(code, pc+1))
	case operandIinc:
		in.Local = int(code[pc+1])
		in.Imm = int32(int8(code[pc+2]))
	case operandTag:
		in.Imm = int32(code[pc+1])
	}
	if op >= Iload0 && op <= Aload3 {
		in.Local = int(op-Iload0) % 4
	} else if op >= Istore0 && op <= Astore3 {
		in.Local = int(op-Istore0) % 4
	}
	return in, nil
}

func decodeWide(code []byte, pc int) (Instruction, error) {
	if err := need(code, pc, 4); err != nil {
		return Instruction{}, err
	}
	op := Opcode(code[pc+1])
	in := Instruction{BCI: pc, Op: op, Wide: true, Len: 4}
	switch {
	case op == Iinc:
		if err := need(code, pc, 6); err != nil {
			return Instruction{}, err
		}
		in.Len = 6
		in.Local = u2(code, pc+2)
		in.Imm = s2(code, pc+4)
	case (op >= Iload && op <= Aload) || (op >= Istore && op <= Astore) || op == Ret:
		in.Local = u2(code, pc+2)
	default:
		return Instruction{}, errors.Wrapf(ErrMalformedCode, "wide applied to %s at %d", op, pc)
	}
	return in, nil
}

func decodeSwitch(code []byte, pc int, op Opcode) (Instruction, error) {
	base := pc + 1 + (4-(pc+1)%4)%4
	if err := need(code, base, 8); err != nil {
		return Instruction{}, err
	}
	tab := &SwitchTable{Default: pc + int(s4(code, base))}
	in := Instruction{BCI: pc, Op: op, Switch: tab}
	if op == Tableswitch {
		if err := need(code, base, 12); err != nil {
			return Instruction{}, err
		}
		low, high := s4(code, base+4), s4(code, base+8)
		if high < low {
			return Instruction{}, errors.Wrapf(ErrMalformedCode, "tableswitch at %d has low %d > high %d", pc, low, high)
		}
		n := int(int64(high) - int64(low) + 1)
		if err := need(code, base+12, 4*n); err != nil {
			return Instruction{}, err
		}
		for i := 0; i < n; i++ {
			tab.Keys = append(tab.Keys, low+int32(i))
			tab.Targets = append(tab.Targets, pc+int(s4(code, base+12+4*i)))
		}
		in.Len = base + 12 + 4*n - pc
		return in, nil
	}
	n := int(s4(code, base+4))
	if n < 0 {
		return Instruction{}, errors.Wrapf(ErrMalformedCode, "lookupswitch at %d has %d pairs", pc, n)
	}
	if err := need(code, base+8, 8*n); err != nil {
		return Instruction{}, err
	}
	for i := 0; i < n; i++ {
		key := s4(code, base+8+8*i)
		if i > 0 && key <= tab.Keys[i-1] {
			return Instruction{}, errors.Wrapf(ErrMalformedCode, "lookupswitch at %d keys out of order", pc)
		}
		tab.Keys = append(tab.Keys, key)
		tab.Targets = append(tab.Targets, pc+int(s4(code, base+12+8*i)))
	}
	in.Len = base + 8 + 8*n - pc
	return in, nil
}
