package bytecode

import "fmt"

// Opcode is a JVM opcode, or one of the pseudo opcodes above 0xff that mark
// positions in an instruction list.
type Opcode uint16

const (
	NOP             Opcode = 0x00
	ACONST_NULL     Opcode = 0x01
	ICONST_M1       Opcode = 0x02
	ICONST_0        Opcode = 0x03
	ICONST_1        Opcode = 0x04
	ICONST_2        Opcode = 0x05
	ICONST_3        Opcode = 0x06
	ICONST_4        Opcode = 0x07
	ICONST_5        Opcode = 0x08
	LCONST_0        Opcode = 0x09
	LCONST_1        Opcode = 0x0a
	FCONST_0        Opcode = 0x0b
	FCONST_1        Opcode = 0x0c
	FCONST_2        Opcode = 0x0d
	DCONST_0        Opcode = 0x0e
	DCONST_1        Opcode = 0x0f
	BIPUSH          Opcode = 0x10
	SIPUSH          Opcode = 0x11
	LDC             Opcode = 0x12
	LDC_W           Opcode = 0x13
	LDC2_W          Opcode = 0x14
	ILOAD           Opcode = 0x15
	LLOAD           Opcode = 0x16
	FLOAD           Opcode = 0x17
	DLOAD           Opcode = 0x18
	ALOAD           Opcode = 0x19
	ILOAD_0         Opcode = 0x1a
	ALOAD_3         Opcode = 0x2d
	IALOAD          Opcode = 0x2e
	LALOAD          Opcode = 0x2f
	FALOAD          Opcode = 0x30
	DALOAD          Opcode = 0x31
	AALOAD          Opcode = 0x32
	BALOAD          Opcode = 0x33
	CALOAD          Opcode = 0x34
	SALOAD          Opcode = 0x35
	ISTORE          Opcode = 0x36
	LSTORE          Opcode = 0x37
	FSTORE          Opcode = 0x38
	DSTORE          Opcode = 0x39
	ASTORE          Opcode = 0x3a
	ISTORE_0        Opcode = 0x3b
	ASTORE_3        Opcode = 0x4e
	IASTORE         Opcode = 0x4f
	LASTORE         Opcode = 0x50
	FASTORE         Opcode = 0x51
	DASTORE         Opcode = 0x52
	AASTORE         Opcode = 0x53
	BASTORE         Opcode = 0x54
	CASTORE         Opcode = 0x55
	SASTORE         Opcode = 0x56
	POP             Opcode = 0x57
	POP2            Opcode = 0x58
	DUP             Opcode = 0x59
	DUP_X1          Opcode = 0x5a
	DUP_X2          Opcode = 0x5b
	DUP2            Opcode = 0x5c
	DUP2_X1         Opcode = 0x5d
	DUP2_X2         Opcode = 0x5e
	SWAP            Opcode = 0x5f
	IADD            Opcode = 0x60
	LADD            Opcode = 0x61
	FADD            Opcode = 0x62
	DADD            Opcode = 0x63
	ISUB            Opcode = 0x64
	LSUB            Opcode = 0x65
	FSUB            Opcode = 0x66
	DSUB            Opcode = 0x67
	IMUL            Opcode = 0x68
	LMUL            Opcode = 0x69
	FMUL            Opcode = 0x6a
	DMUL            Opcode = 0x6b
	IDIV            Opcode = 0x6c
	LDIV            Opcode = 0x6d
	FDIV            Opcode = 0x6e
	DDIV            Opcode = 0x6f
	IREM            Opcode = 0x70
	LREM            Opcode = 0x71
	FREM            Opcode = 0x72
	DREM            Opcode = 0x73
	INEG            Opcode = 0x74
	LNEG            Opcode = 0x75
	FNEG            Opcode = 0x76
	DNEG            Opcode = 0x77
	ISHL            Opcode = 0x78
	LSHL            Opcode = 0x79
	ISHR            Opcode = 0x7a
	LSHR            Opcode = 0x7b
	IUSHR           Opcode = 0x7c
	LUSHR           Opcode = 0x7d
	IAND            Opcode = 0x7e
	LAND            Opcode = 0x7f
	IOR             Opcode = 0x80
	LOR             Opcode = 0x81
	IXOR            Opcode = 0x82
	LXOR            Opcode = 0x83
	IINC            Opcode = 0x84
	I2L             Opcode = 0x85
	I2F             Opcode = 0x86
	I2D             Opcode = 0x87
	L2I             Opcode = 0x88
	L2F             Opcode = 0x89
	L2D             Opcode = 0x8a
	F2I             Opcode = 0x8b
	F2L             Opcode = 0x8c
	F2D             Opcode = 0x8d
	D2I             Opcode = 0x8e
	D2L             Opcode = 0x8f
	D2F             Opcode = 0x90
	I2B             Opcode = 0x91
	I2C             Opcode = 0x92
	I2S             Opcode = 0x93
	LCMP            Opcode = 0x94
	FCMPL           Opcode = 0x95
	FCMPG           Opcode = 0x96
	DCMPL           Opcode = 0x97
	DCMPG           Opcode = 0x98
	IFEQ            Opcode = 0x99
	IFNE            Opcode = 0x9a
	IFLT            Opcode = 0x9b
	IFGE            Opcode = 0x9c
	IFGT            Opcode = 0x9d
	IFLE            Opcode = 0x9e
	IF_ICMPEQ       Opcode = 0x9f
	IF_ICMPNE       Opcode = 0xa0
	IF_ICMPLT       Opcode = 0xa1
	IF_ICMPGE       Opcode = 0xa2
	IF_ICMPGT       Opcode = 0xa3
	IF_ICMPLE       Opcode = 0xa4
	IF_ACMPEQ       Opcode = 0xa5
	IF_ACMPNE       Opcode = 0xa6
	GOTO            Opcode = 0xa7
	JSR             Opcode = 0xa8
	RET             Opcode = 0xa9
	TABLESWITCH     Opcode = 0xaa
	LOOKUPSWITCH    Opcode = 0xab
	IRETURN         Opcode = 0xac
	LRETURN         Opcode = 0xad
	FRETURN         Opcode = 0xae
	DRETURN         Opcode = 0xaf
	ARETURN         Opcode = 0xb0
	RETURN          Opcode = 0xb1
	GETSTATIC       Opcode = 0xb2
	PUTSTATIC       Opcode = 0xb3
	GETFIELD        Opcode = 0xb4
	PUTFIELD        Opcode = 0xb5
	INVOKEVIRTUAL   Opcode = 0xb6
	INVOKESPECIAL   Opcode = 0xb7
	INVOKESTATIC    Opcode = 0xb8
	INVOKEINTERFACE Opcode = 0xb9
	INVOKEDYNAMIC   Opcode = 0xba
	NEW             Opcode = 0xbb
	NEWARRAY        Opcode = 0xbc
	ANEWARRAY       Opcode = 0xbd
	ARRAYLENGTH     Opcode = 0xbe
	ATHROW          Opcode = 0xbf
	CHECKCAST       Opcode = 0xc0
	INSTANCEOF      Opcode = 0xc1
	MONITORENTER    Opcode = 0xc2
	MONITOREXIT     Opcode = 0xc3
	WIDE            Opcode = 0xc4
	MULTIANEWARRAY  Opcode = 0xc5
	IFNULL          Opcode = 0xc6
	IFNONNULL       Opcode = 0xc7
	GOTO_W          Opcode = 0xc8
	JSR_W           Opcode = 0xc9
)

const (
	// LABEL marks a branch target or range boundary.
	LABEL Opcode = 0x100 + iota
	// LINE attaches a source line number to the following instructions.
	LINE
	// FRAME carries a decoded stack map frame for the preserve path.
	FRAME
)

// newarray element type codes
const (
	T_BOOLEAN = 4
	T_CHAR    = 5
	T_FLOAT   = 6
	T_DOUBLE  = 7
	T_BYTE    = 8
	T_SHORT   = 9
	T_INT     = 10
	T_LONG    = 11
)

type operandKind uint8

const (
	kindNone operandKind = iota
	kindVar
	kindInt
	kindIinc
	kindLdc
	kindJump
	kindTable
	kindLookup
	kindField
	kindMethod
	kindIndy
	kindType
	kindMulti
	kindPseudo
)

var opNames = [...]string{
	"nop", "aconst_null", "iconst_m1", "iconst_0", "iconst_1", "iconst_2", "iconst_3", "iconst_4",
	"iconst_5", "lconst_0", "lconst_1", "fconst_0", "fconst_1", "fconst_2", "dconst_0", "dconst_1",
	"bipush", "sipush", "ldc", "ldc_w", "ldc2_w", "iload", "lload", "fload",
	"dload", "aload", "iload_0", "iload_1", "iload_2", "iload_3", "lload_0", "lload_1",
	"lload_2", "lload_3", "fload_0", "fload_1", "fload_2", "fload_3", "dload_0", "dload_1",
	"dload_2", "dload_3", "aload_0", "aload_1", "aload_2", "aload_3", "iaload", "laload",
	"faload", "daload", "aaload", "baload", "caload", "saload", "istore", "lstore",
	"fstore", "dstore", "astore", "istore_0", "istore_1", "istore_2", "istore_3", "lstore_0",
	"lstore_1", "lstore_2", "lstore_3", "fstore_0", "fstore_1", "fstore_2", "fstore_3", "dstore_0",
	"dstore_1", "dstore_2", "dstore_3", "astore_0", "astore_1", "astore_2", "astore_3", "iastore",
	"lastore", "fastore", "dastore", "aastore", "bastore", "castore", "sastore", "pop",
	"pop2", "dup", "dup_x1", "dup_x2", "dup2", "dup2_x1", "dup2_x2", "swap",
	"iadd", "ladd", "fadd", "dadd", "isub", "lsub", "fsub", "dsub",
	"imul", "lmul", "fmul", "dmul", "idiv", "ldiv", "fdiv", "ddiv",
	"irem", "lrem", "frem", "drem", "ineg", "lneg", "fneg", "dneg",
	"ishl", "lshl", "ishr", "lshr", "iushr", "lushr", "iand", "land",
	"ior", "lor", "ixor", "lxor", "iinc", "i2l", "i2f", "i2d",
	"l2i", "l2f", "l2d", "f2i", "f2l", "f2d", "d2i", "d2l",
	"d2f", "i2b", "i2c", "i2s", "lcmp", "fcmpl", "fcmpg", "dcmpl",
	"dcmpg", "ifeq", "ifne", "iflt", "ifge", "ifgt", "ifle", "if_icmpeq",
	"if_icmpne", "if_icmplt", "if_icmpge", "if_icmpgt", "if_icmple", "if_acmpeq", "if_acmpne", "goto",
	"jsr", "ret", "tableswitch", "lookupswitch", "ireturn", "lreturn", "freturn", "dreturn",
	"areturn", "return", "getstatic", "putstatic", "getfield", "putfield", "invokevirtual", "invokespecial",
	"invokestatic", "invokeinterface", "invokedynamic", "new", "newarray", "anewarray", "arraylength", "athrow",
	"checkcast", "instanceof", "monitorenter", "monitorexit", "wide", "multianewarray", "ifnull", "ifnonnull",
	"goto_w", "jsr_w",
}

func (op Opcode) String() string {
	switch op {
	case LABEL:
		return "label"
	case LINE:
		return "line"
	case FRAME:
		return "frame"
	}
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("op(%#x)", uint16(op))
}

// Valid reports whether op is a defined JVM or pseudo opcode.
func (op Opcode) Valid() bool {
	return int(op) < len(opNames) || op == LABEL || op == LINE || op == FRAME
}

// Pseudo reports whether op only marks a position.
func (op Opcode) Pseudo() bool {
	return op >= LABEL
}

func (op Opcode) kind() operandKind {
	switch {
	case op.Pseudo():
		return kindPseudo
	case op >= ILOAD && op <= ALOAD, op >= ISTORE && op <= ASTORE, op == RET:
		return kindVar
	case op == BIPUSH, op == SIPUSH, op == NEWARRAY:
		return kindInt
	case op == IINC:
		return kindIinc
	case op == LDC, op == LDC_W, op == LDC2_W:
		return kindLdc
	case op >= IFEQ && op <= JSR, op == IFNULL, op == IFNONNULL, op == GOTO_W, op == JSR_W:
		return kindJump
	case op == TABLESWITCH:
		return kindTable
	case op == LOOKUPSWITCH:
		return kindLookup
	case op >= GETSTATIC && op <= PUTFIELD:
		return kindField
	case op >= INVOKEVIRTUAL && op <= INVOKEINTERFACE:
		return kindMethod
	case op == INVOKEDYNAMIC:
		return kindIndy
	case op == NEW, op == ANEWARRAY, op == CHECKCAST, op == INSTANCEOF:
		return kindType
	case op == MULTIANEWARRAY:
		return kindMulti
	}
	return kindNone
}

// IsReturn reports whether op is one of the xRETURN opcodes.
func (op Opcode) IsReturn() bool {
	return op >= IRETURN && op <= RETURN
}

// IsJump reports whether op transfers control to a label operand.
func (op Opcode) IsJump() bool {
	return op.kind() == kindJump
}

// IsConditional reports whether op is a two-way branch.
func (op Opcode) IsConditional() bool {
	return op >= IFEQ && op <= IF_ACMPNE || op == IFNULL || op == IFNONNULL
}

// IsInvoke reports whether op calls a method.
func (op Opcode) IsInvoke() bool {
	return op >= INVOKEVIRTUAL && op <= INVOKEDYNAMIC
}

// IsFieldAccess reports whether op reads or writes a field.
func (op Opcode) IsFieldAccess() bool {
	return op >= GETSTATIC && op <= PUTFIELD
}

// EndsBlock reports whether execution never falls through op.
func (op Opcode) EndsBlock() bool {
	switch op {
	case GOTO, GOTO_W, TABLESWITCH, LOOKUPSWITCH, ATHROW, RET, JSR, JSR_W:
		return true
	}
	return op.IsReturn()
}

// invertJump returns the conditional with the opposite sense.
func invertJump(op Opcode) Opcode {
	switch {
	case op == IFNULL:
		return IFNONNULL
	case op == IFNONNULL:
		return IFNULL
	case op >= IFEQ && op <= IF_ACMPNE:
		// opcodes come in (eq, ne), (lt, ge), (gt, le) pairs
		if (op-IFEQ)%2 == 0 {
			return op + 1
		}
		return op - 1
	}
	return op
}

// ReturnOpcode is the return instruction for a return type descriptor.
func ReturnOpcode(desc string) Opcode {
	switch desc {
	case "V":
		return RETURN
	case "Z", "B", "C", "S", "I":
		return IRETURN
	case "J":
		return LRETURN
	case "F":
		return FRETURN
	case "D":
		return DRETURN
	}
	return ARETURN
}

// LoadOpcode is the load instruction for a value of type desc.
func LoadOpcode(desc string) Opcode {
	switch desc {
	case "Z", "B", "C", "S", "I":
		return ILOAD
	case "J":
		return LLOAD
	case "F":
		return FLOAD
	case "D":
		return DLOAD
	}
	return ALOAD
}

// StoreOpcode is the store instruction for a value of type desc.
func StoreOpcode(desc string) Opcode {
	return LoadOpcode(desc) - ILOAD + ISTORE
}
