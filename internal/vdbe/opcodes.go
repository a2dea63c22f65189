package vdbe

import "fmt"

// Opcode is one instruction of the virtual machine.
type Opcode uint8

// Operand conventions are listed per opcode; "jump" is always P2.
const (
	OpInit          Opcode = iota // jump to P2
	OpGoto                        // jump to P2
	OpGosub                       // P1 = return address register, jump to P2
	OpReturn                      // jump to the address in register P1
	OpInitCoroutine               // P1 = yield register, jump P2, P3 = coroutine entry
	OpYield                       // swap control with the coroutine in P1, jump P2 when exhausted
	OpEndCoroutine                // mark the coroutine in P1 exhausted and return to its caller
	OpHalt                        // stop; closes all cursors
	OpOnce                        // fall through on the first pass, then jump P2
	OpInteger                     // register P2 = integer P1
	OpReal                        // register P2 = P4
	OpString8                     // register P2 = P4
	OpNull                        // registers P2..P3 (or just P2) = NULL
	OpVariable                    // register P2 = bound parameter P1
	OpParam                       // register P2 = trigger row P3 (0 old, 1 new) field P1
	OpSCopy                       // register P2 = register P1 (shallow)
	OpCopy                        // register P2 = register P1
	OpColumn                      // register P3 = column P2 of cursor P1
	OpIsNull                      // jump P2 if register P1 is NULL
	OpNotNull                     // jump P2 if register P1 is not NULL
	OpEq                          // compare P3 with P1; jump P2 (or store into P2 with StoreP2)
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpIf        // jump P2 if register P1 is true; P3 != 0 also jumps on NULL
	OpIfNot     // jump P2 if register P1 is false; P3 != 0 also jumps on NULL
	OpIfPos     // jump P2 if register P1 > 0
	OpAnd       // P3 = P1 AND P2
	OpOr        // P3 = P1 OR P2
	OpNot       // P2 = NOT P1
	OpBitNot    // P2 = ~P1
	OpAdd       // P3 = P1 + P2
	OpSubtract  // P3 = P1 - P2
	OpMultiply  // P3 = P1 * P2
	OpDivide    // P3 = P1 / P2
	OpRemainder // P3 = P1 % P2
	OpConcat    // P3 = P1 || P2
	OpCast      // register P1 converted to type P4
	OpFunction  // P3 = P4(registers P2..P2+P5-1)
	OpApplyType // coerce registers P1..P1+P2-1 to types P4
	OpOpenRead        // open cursor P1 on index P2 of table P4
	OpOpenTEphemeral  // register P1 = new ephemeral space with P2 key parts
	OpIteratorOpen    // open cursor P1 over the ephemeral space in register P3
	OpClose           // close cursor P1
	OpRewind          // position P1 on the first entry, jump P2 if empty
	OpLast            // position P1 on the last entry, jump P2 if empty
	OpNext            // advance P1, jump P2 if there is a next entry
	OpPrev            // step P1 back, jump P2 if there is a prior entry
	OpNextIfOpen      // OpNext when P1 is open
	OpPrevIfOpen      // OpPrev when P1 is open
	OpSeekGE          // seek P1 to key >= registers P3..P3+P4-1, jump P2 if none
	OpSeekGT
	OpSeekLE
	OpSeekLT
	OpIdxGE // jump P2 if the key of P1 >= registers P3..P3+P4-1
	OpIdxGT
	OpIdxLE
	OpIdxLT
	OpFound      // jump P2 if P1 contains key registers P3..P3+P4-1
	OpNotFound   // jump P2 if P1 lacks key registers P3..P3+P4-1; positions P1 otherwise
	OpMakeRecord // register P3 = record of registers P1..P1+P2-1
	OpIdxInsert  // insert record register P1 into the space in register P2
	OpNullRow    // cursor P1 yields NULL for every column until moved
	OpResultRow  // emit registers P1..P1+P2-1 as a result row
	OpNoop
)

// P5 flags of comparison opcodes.
const (
	JumpIfNull uint16 = 0x10 // take the jump when either operand is NULL
	StoreP2    uint16 = 0x20 // store the result in register P2 instead of jumping
	NullEq     uint16 = 0x80 // NULL compares equal to NULL (IS / IS NOT)
)

type opInfo struct {
	name string
	jump bool // P2 is a jump target
}

var opTable = [...]opInfo{
	OpInit:           {"Init", true},
	OpGoto:           {"Goto", true},
	OpGosub:          {"Gosub", true},
	OpReturn:         {"Return", false},
	OpInitCoroutine:  {"InitCoroutine", true},
	OpYield:          {"Yield", true},
	OpEndCoroutine:   {"EndCoroutine", false},
	OpHalt:           {"Halt", false},
	OpOnce:           {"Once", true},
	OpInteger:        {"Integer", false},
	OpReal:           {"Real", false},
	OpString8:        {"String8", false},
	OpNull:           {"Null", false},
	OpVariable:       {"Variable", false},
	OpParam:          {"Param", false},
	OpSCopy:          {"SCopy", false},
	OpCopy:           {"Copy", false},
	OpColumn:         {"Column", false},
	OpIsNull:         {"IsNull", true},
	OpNotNull:        {"NotNull", true},
	OpEq:             {"Eq", true},
	OpNe:             {"Ne", true},
	OpLt:             {"Lt", true},
	OpLe:             {"Le", true},
	OpGt:             {"Gt", true},
	OpGe:             {"Ge", true},
	OpIf:             {"If", true},
	OpIfNot:          {"IfNot", true},
	OpIfPos:          {"IfPos", true},
	OpAnd:            {"And", false},
	OpOr:             {"Or", false},
	OpNot:            {"Not", false},
	OpBitNot:         {"BitNot", false},
	OpAdd:            {"Add", false},
	OpSubtract:       {"Subtract", false},
	OpMultiply:       {"Multiply", false},
	OpDivide:         {"Divide", false},
	OpRemainder:      {"Remainder", false},
	OpConcat:         {"Concat", false},
	OpCast:           {"Cast", false},
	OpFunction:       {"Function", false},
	OpApplyType:      {"ApplyType", false},
	OpOpenRead:       {"OpenRead", false},
	OpOpenTEphemeral: {"OpenTEphemeral", false},
	OpIteratorOpen:   {"IteratorOpen", false},
	OpClose:          {"Close", false},
	OpRewind:         {"Rewind", true},
	OpLast:           {"Last", true},
	OpNext:           {"Next", true},
	OpPrev:           {"Prev", true},
	OpNextIfOpen:     {"NextIfOpen", true},
	OpPrevIfOpen:     {"PrevIfOpen", true},
	OpSeekGE:         {"SeekGE", true},
	OpSeekGT:         {"SeekGT", true},
	OpSeekLE:         {"SeekLE", true},
	OpSeekLT:         {"SeekLT", true},
	OpIdxGE:          {"IdxGE", true},
	OpIdxGT:          {"IdxGT", true},
	OpIdxLE:          {"IdxLE", true},
	OpIdxLT:          {"IdxLT", true},
	OpFound:          {"Found", true},
	OpNotFound:       {"NotFound", true},
	OpMakeRecord:     {"MakeRecord", false},
	OpIdxInsert:      {"IdxInsert", false},
	OpNullRow:        {"NullRow", false},
	OpResultRow:      {"ResultRow", false},
	OpNoop:           {"Noop", false},
}

func (op Opcode) String() string {
	if int(op) < len(opTable) && opTable[op].name != "" {
		return opTable[op].name
	}
	return fmt.Sprintf("Opcode(%d)", op)
}

// Jumps reports whether P2 of op is a jump target.
func (op Opcode) Jumps() bool {
	return int(op) < len(opTable) && opTable[op].jump
}

// IsComparison reports whether op is one of Eq..Ge.
func (op Opcode) IsComparison() bool {
	return op >= OpEq && op <= OpGe
}
