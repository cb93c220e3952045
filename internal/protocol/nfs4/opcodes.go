package nfs4

// Opcode is an NFSv4.1 COMPOUND operation code, RFC 8881 Section 18.
type Opcode uint32

const (
	OpAccess            Opcode = 3
	OpClose             Opcode = 4
	OpCommit            Opcode = 5
	OpCreate            Opcode = 6
	OpDelegreturn       Opcode = 8
	OpGetattr           Opcode = 9
	OpGetfh             Opcode = 10
	OpLink              Opcode = 11
	OpLock              Opcode = 12
	OpLockt             Opcode = 13
	OpLocku             Opcode = 14
	OpLookup            Opcode = 15
	OpLookupp           Opcode = 16
	OpNverify           Opcode = 17
	OpOpen              Opcode = 18
	OpPutfh             Opcode = 22
	OpPutrootfh         Opcode = 24
	OpRead              Opcode = 25
	OpReaddir           Opcode = 26
	OpReadlink          Opcode = 27
	OpRemove            Opcode = 28
	OpRename            Opcode = 29
	OpRestorefh         Opcode = 31
	OpSavefh            Opcode = 32
	OpSecinfo           Opcode = 33
	OpSetattr           Opcode = 34
	OpVerify            Opcode = 37
	OpWrite             Opcode = 38
	OpBackchannelCtl    Opcode = 40
	OpBindConnToSession Opcode = 41
	OpExchangeID        Opcode = 42
	OpCreateSession     Opcode = 43
	OpDestroySession    Opcode = 44
	OpFreeStateid       Opcode = 45
	OpGetDirDelegation  Opcode = 46
	OpGetDeviceInfo     Opcode = 47
	OpGetDeviceList     Opcode = 48
	OpLayoutCommit      Opcode = 49
	OpLayoutGet         Opcode = 50
	OpLayoutReturn      Opcode = 51
	OpSecinfoNoName     Opcode = 52
	OpSequence          Opcode = 53
	OpSetSSV            Opcode = 54
	OpTestStateid       Opcode = 55
	OpWantDelegation    Opcode = 56
	OpDestroyClientid   Opcode = 57
	OpReclaimComplete   Opcode = 58
	OpIllegal           Opcode = 10044
)

// singletonOps are required to be the only operation in their COMPOUND,
// per the compound dispatch rule: anything else alongside one of these
// returns NOT_ONLY_OP.
var singletonOps = map[Opcode]bool{
	OpExchangeID:        true,
	OpCreateSession:     true,
	OpBindConnToSession: true,
	OpDestroySession:    true,
}

// IsSingletonOp reports whether op must appear alone in its COMPOUND.
func IsSingletonOp(op Opcode) bool { return singletonOps[op] }

// CBOpcode is a back-channel (callback) operation code.
type CBOpcode uint32

const (
	CBOpGetattr        CBOpcode = 3
	CBOpRecall         CBOpcode = 4
	CBOpLayoutRecall   CBOpcode = 5
	CBOpNotifyDeviceID CBOpcode = 11
	CBOpSequence       CBOpcode = 13
	CBOpRecallAny      CBOpcode = 14
	CBOpIllegal        CBOpcode = 10044
)
