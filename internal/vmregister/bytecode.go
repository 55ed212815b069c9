package vmregister

// Register-Based Bytecode Format
// ===============================
//
// Every compiled unit is lowered to a flat list of register instructions.
// Registers hold int32; booleans are 0 or 1. A second, smaller register
// file (F) holds function entry points loaded from entry cells.
//
// Instruction Format (64 bits):
//
// Format iABC:  [8-bit op][16-bit A][16-bit B][16-bit C]
//               Used for 3-register operations
//
// Format iABx:  [8-bit op][16-bit A][32-bit Bx]
//               Used for constant, variable and entry table indexes
//
// Format iAsBx: [8-bit op][16-bit A][32-bit sBx]
//               Used for jumps (signed offset from the next instruction)

type OpCode uint8

const (
	// ========================================================================
	// Arithmetic Operations (32-bit two's complement, wrapping)
	// ========================================================================

	OP_ADD OpCode = iota // ADD R(A) R(B) R(C)    R(A) = R(B) + R(C)
	OP_SUB               // SUB R(A) R(B) R(C)    R(A) = R(B) - R(C)
	OP_MUL               // MUL R(A) R(B) R(C)    R(A) = R(B) * R(C)
	OP_DIV               // DIV R(A) R(B) R(C)    R(A) = R(B) / R(C), traps if R(C) == 0
	OP_MOD               // MOD R(A) R(B) R(C)    R(A) = R(B) % R(C), traps if R(C) == 0

	// ========================================================================
	// Bitwise Operations
	// ========================================================================

	OP_OR  // OR  R(A) R(B) R(C)     R(A) = R(B) | R(C)
	OP_AND // AND R(A) R(B) R(C)     R(A) = R(B) & R(C)
	OP_XOR // XOR R(A) R(B) R(C)     R(A) = R(B) ^ R(C)

	// ========================================================================
	// Comparison Operations (signed, set 0 or 1)
	// ========================================================================

	OP_EQ  // EQ  R(A) R(B) R(C)     R(A) = R(B) == R(C)
	OP_NEQ // NEQ R(A) R(B) R(C)     R(A) = R(B) != R(C)
	OP_LT  // LT  R(A) R(B) R(C)     R(A) = R(B) < R(C)
	OP_LE  // LE  R(A) R(B) R(C)     R(A) = R(B) <= R(C)
	OP_GT  // GT  R(A) R(B) R(C)     R(A) = R(B) > R(C)
	OP_GE  // GE  R(A) R(B) R(C)     R(A) = R(B) >= R(C)

	// ========================================================================
	// Memory Operations
	// ========================================================================

	OP_MOVE  // MOVE R(A) R(B)           R(A) = R(B)
	OP_LOADK // LOADK R(A) Kst(Bx)       R(A) = K(Bx)

	// ========================================================================
	// Cells
	// ========================================================================

	OP_GETVAR   // GETVAR R(A) Bx          R(A) = Vars[Bx]
	OP_SETVAR   // SETVAR R(A) Bx          Vars[Bx] = R(A)
	OP_GETENTRY // GETENTRY F(A) Bx        F(A) = Entries[Bx]

	// ========================================================================
	// Function Operations
	// ========================================================================

	OP_CALL     // CALL R(A) F(B) R(C)     R(A) = F(B)(R(C))
	OP_CALLSELF // CALLSELF R(A) R(B)      R(A) = this unit(R(B))
	OP_RETURN   // RETURN R(A)             return R(A)

	// ========================================================================
	// Control Flow
	// ========================================================================

	OP_JMP  // JMP sBx                  pc += sBx
	OP_TEST // TEST R(A) sBx            if R(A) == 0 then pc += sBx
)

// Instruction encoding/decoding helpers
type Instruction uint64

// Instruction formats
const (
	POS_OP = 0
	POS_A  = 8
	POS_B  = 24
	POS_C  = 40

	SIZE_OP = 8
	SIZE_A  = 16
	SIZE_B  = 16
	SIZE_C  = 16
	SIZE_Bx = 32

	MASK_OP = (1 << SIZE_OP) - 1
	MASK_A  = (1 << SIZE_A) - 1
	MASK_B  = (1 << SIZE_B) - 1
	MASK_C  = (1 << SIZE_C) - 1
	MASK_Bx = (1 << SIZE_Bx) - 1

	// Maximum values
	MAXARG_A  = MASK_A
	MAXARG_B  = MASK_B
	MAXARG_C  = MASK_C
	MAXARG_Bx = MASK_Bx

	// Signed Bx offset
	MAXARG_sBx = MAXARG_Bx >> 1
)

// Create instructions (encoding)

func CreateABC(op OpCode, a, b, c uint16) Instruction {
	return Instruction(op) |
		Instruction(a)<<POS_A |
		Instruction(b)<<POS_B |
		Instruction(c)<<POS_C
}

func CreateABx(op OpCode, a uint16, bx uint32) Instruction {
	return Instruction(op) |
		Instruction(a)<<POS_A |
		Instruction(bx)<<POS_B
}

func CreateAsBx(op OpCode, a uint16, sbx int32) Instruction {
	return CreateABx(op, a, uint32(int64(sbx)+MAXARG_sBx))
}

// Extract fields from instruction (decoding)

func (i Instruction) OpCode() OpCode {
	return OpCode(i & MASK_OP)
}

func (i Instruction) A() uint16 {
	return uint16((i >> POS_A) & MASK_A)
}

func (i Instruction) B() uint16 {
	return uint16((i >> POS_B) & MASK_B)
}

func (i Instruction) C() uint16 {
	return uint16((i >> POS_C) & MASK_C)
}

func (i Instruction) Bx() uint32 {
	return uint32((i >> POS_B) & MASK_Bx)
}

func (i Instruction) sBx() int32 {
	return int32(int64(i.Bx()) - MAXARG_sBx)
}

// Opcode names for debugging
var opNames = [...]string{
	OP_ADD:      "ADD",
	OP_SUB:      "SUB",
	OP_MUL:      "MUL",
	OP_DIV:      "DIV",
	OP_MOD:      "MOD",
	OP_OR:       "OR",
	OP_AND:      "AND",
	OP_XOR:      "XOR",
	OP_EQ:       "EQ",
	OP_NEQ:      "NEQ",
	OP_LT:       "LT",
	OP_LE:       "LE",
	OP_GT:       "GT",
	OP_GE:       "GE",
	OP_MOVE:     "MOVE",
	OP_LOADK:    "LOADK",
	OP_GETVAR:   "GETVAR",
	OP_SETVAR:   "SETVAR",
	OP_GETENTRY: "GETENTRY",
	OP_CALL:     "CALL",
	OP_CALLSELF: "CALLSELF",
	OP_RETURN:   "RETURN",
	OP_JMP:      "JMP",
	OP_TEST:     "TEST",
}

func (op OpCode) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return "UNKNOWN"
}
