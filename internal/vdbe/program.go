package vdbe

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Instr is one emitted instruction.
type Instr struct {
	Op      Opcode
	P1      int
	P2      int
	P3      int
	P4      any
	P5      uint16
	Comment string
}

// Program is an instruction sequence under construction.
type Program struct {
	instrs []Instr
	labels []int // label index -> address, -1 while unresolved
}

// NewProgram creates an empty program.
func NewProgram() *Program {
	return &Program{}
}

// Add appends an instruction and returns its address.
func (p *Program) Add(op Opcode, p1, p2, p3 int) int {
	p.instrs = append(p.instrs, Instr{Op: op, P1: p1, P2: p2, P3: p3})
	return len(p.instrs) - 1
}

// Add4 appends an instruction with a P4 operand.
func (p *Program) Add4(op Opcode, p1, p2, p3 int, p4 any) int {
	addr := p.Add(op, p1, p2, p3)
	p.instrs[addr].P4 = p4
	return addr
}

// Goto appends an unconditional jump.
func (p *Program) Goto(dest int) int {
	return p.Add(OpGoto, 0, dest, 0)
}

// CurrentAddr is the address the next instruction will get.
func (p *Program) CurrentAddr() int {
	return len(p.instrs)
}

// Len returns the number of instructions.
func (p *Program) Len() int {
	return len(p.instrs)
}

// At returns the instruction at addr for in-place patching.
func (p *Program) At(addr int) *Instr {
	return &p.instrs[addr]
}

// Instrs returns the instructions.
func (p *Program) Instrs() []Instr {
	return p.instrs
}

// Comment annotates the most recently added instruction.
func (p *Program) Comment(format string, args ...any) {
	if len(p.instrs) == 0 {
		return
	}
	p.instrs[len(p.instrs)-1].Comment = fmt.Sprintf(format, args...)
}

// ChangeP1 overwrites P1 of the instruction at addr.
func (p *Program) ChangeP1(addr, v int) { p.instrs[addr].P1 = v }

// ChangeP2 overwrites P2 of the instruction at addr.
func (p *Program) ChangeP2(addr, v int) { p.instrs[addr].P2 = v }

// ChangeP5 overwrites P5 of the most recently added instruction.
func (p *Program) ChangeP5(v uint16) {
	if len(p.instrs) > 0 {
		p.instrs[len(p.instrs)-1].P5 = v
	}
}

// JumpHere points the jump at addr to the next instruction.
func (p *Program) JumpHere(addr int) {
	p.instrs[addr].P2 = p.CurrentAddr()
}

// MakeLabel allocates an unresolved label.
func (p *Program) MakeLabel() int {
	p.labels = append(p.labels, -1)
	return -len(p.labels)
}

// ResolveLabel binds label to the next instruction's address.
func (p *Program) ResolveLabel(label int) {
	p.labels[labelIndex(label)] = p.CurrentAddr()
}

// IsLabel reports whether v is a label rather than an address.
func IsLabel(v int) bool {
	return v < 0
}

func labelIndex(label int) int {
	return -label - 1
}

// Finalize replaces labels with addresses and checks every jump target.
// The program must not be extended afterwards.
func (p *Program) Finalize() error {
	n := len(p.instrs)
	for addr := range p.instrs {
		in := &p.instrs[addr]
		if !in.Op.Jumps() || (in.Op.IsComparison() && in.P5&StoreP2 != 0) {
			continue
		}
		if IsLabel(in.P2) {
			idx := labelIndex(in.P2)
			if idx >= len(p.labels) || p.labels[idx] < 0 {
				return fmt.Errorf("instruction %d (%s): label %d never resolved", addr, in.Op, in.P2)
			}
			in.P2 = p.labels[idx]
		}
		if in.P2 < 0 || in.P2 > n {
			return fmt.Errorf("instruction %d (%s): jump target %d out of range", addr, in.Op, in.P2)
		}
	}
	return nil
}

// Listing renders the program one instruction per line in EXPLAIN style.
func (p *Program) Listing() string {
	var b strings.Builder
	b.WriteString("addr  opcode          p1    p2    p3    p4              p5  comment\n")
	b.WriteString("----  --------------  ----  ----  ----  --------------  --  -------\n")
	for addr, in := range p.instrs {
		line := fmt.Sprintf("%-4d  %-14s  %-4d  %-4d  %-4d  %-14s  %02x  %s",
			addr, in.Op, in.P1, in.P2, in.P3, formatP4(in.P4), in.P5, in.Comment)
		b.WriteString(strings.TrimRight(line, " "))
		b.WriteByte('\n')
	}
	return b.String()
}

func formatP4(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

type instrJSON struct {
	Addr    int    `json:"addr"`
	Opcode  string `json:"opcode"`
	P1      int    `json:"p1"`
	P2      int    `json:"p2"`
	P3      int    `json:"p3"`
	P4      string `json:"p4,omitempty"`
	P5      uint16 `json:"p5,omitempty"`
	Comment string `json:"comment,omitempty"`
}

// MarshalJSON encodes the program as an array of instructions.
func (p *Program) MarshalJSON() ([]byte, error) {
	out := make([]instrJSON, len(p.instrs))
	for addr, in := range p.instrs {
		out[addr] = instrJSON{
			Addr:    addr,
			Opcode:  in.Op.String(),
			P1:      in.P1,
			P2:      in.P2,
			P3:      in.P3,
			P4:      formatP4(in.P4),
			P5:      in.P5,
			Comment: in.Comment,
		}
	}
	return json.Marshal(out)
}
