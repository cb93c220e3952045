package nfs4

import (
	"bytes"
	"context"

	"github.com/dfr-systems/flexfiled/internal/protocol/xdr"
	"github.com/dfr-systems/flexfiled/pkg/errs"
)

// CompoundState is the per-COMPOUND dispatch context threaded through
// every operation in a request: current/saved filehandle+stateid, the
// session and slot serving this request, and position bookkeeping for
// the first-op and SEQUENCE-position rules.
type CompoundState struct {
	Session *SessionRef
	Slot    int
	OpIndex int
	OpCount int

	CurrFH      []byte
	CurrStateid Stateid4
	SaveFH      []byte
	SaveStateid Stateid4

	// InGrace is set by the dispatcher from the server's grace-period
	// clock before op processing begins.
	InGrace bool
}

// SessionRef is the minimal session identity a CompoundState carries;
// the full Session lives in pkg/nfs4state and is looked up by ID.
type SessionRef struct {
	ID       SessionID4
	ClientID uint64
}

// SaveCurrent copies CurrFH/CurrStateid into Save*, the SAVEFH op.
func (c *CompoundState) SaveCurrent() {
	c.SaveFH = append([]byte(nil), c.CurrFH...)
	c.SaveStateid = c.CurrStateid
}

// RestoreSaved copies Save* back into Curr*, the RESTOREFH op.
func (c *CompoundState) RestoreSaved() {
	c.CurrFH = append([]byte(nil), c.SaveFH...)
	c.CurrStateid = c.SaveStateid
}

// IsFirstOp reports whether OpIndex names the first operation in the
// compound, where the SEQUENCE/singleton-op/OP_NOT_IN_SESSION rules
// apply.
func (c *CompoundState) IsFirstOp() bool { return c.OpIndex == 0 }

// OpResult is one operation's outcome: the status it returned, plus its
// already-XDR-encoded result body (not including the opcode or status
// words, which DispatchCompound's caller writes around it).
type OpResult struct {
	Status errs.Nfsstat4
	Body   []byte
}

// OpCall pairs a dispatched opcode with its result, the per-operation
// record a COMPOUND reply is built from.
type OpCall struct {
	Code   Opcode
	Result OpResult
}

// OpHandler executes one decoded operation, reading its argument from r
// (positioned just past the opcode word) and returning its result. A
// handler for an opcode DispatchCompound doesn't recognize is never
// called: DispatchCompound reports NFS4ERR_OP_ILLEGAL itself.
type OpHandler func(ctx context.Context, cs *CompoundState, r *bytes.Reader) OpResult

// DispatchCompound decodes and runs numOps operations from r against
// handlers, enforcing the COMPOUND positional rules: the first
// operation must be SEQUENCE or one of the singleton ops
// (NFS4ERR_OP_NOT_IN_SESSION otherwise); a singleton op must be the only
// operation in its COMPOUND (NFS4ERR_NOT_ONLY_OP otherwise); SEQUENCE may
// only appear at position 0 (NFS4ERR_SEQUENCE_POS otherwise). Dispatch
// stops at the first operation whose result status is not NFS4_OK,
// matching COMPOUND's stop-on-first-error rule.
func DispatchCompound(ctx context.Context, r *bytes.Reader, numOps int, cs *CompoundState, handlers map[Opcode]OpHandler) []OpCall {
	cs.OpCount = numOps
	calls := make([]OpCall, 0, numOps)

	for i := 0; i < numOps; i++ {
		cs.OpIndex = i
		opWord, err := xdr.DecodeUint32(r)
		if err != nil {
			calls = append(calls, OpCall{Code: OpIllegal, Result: OpResult{Status: errs.NFS4ERR_BADXDR}})
			break
		}
		op := Opcode(opWord)

		if i == 0 {
			if op != OpSequence && !IsSingletonOp(op) {
				calls = append(calls, OpCall{Code: op, Result: OpResult{Status: errs.NFS4ERR_OP_NOT_IN_SESSION}})
				break
			}
			if IsSingletonOp(op) && numOps != 1 {
				calls = append(calls, OpCall{Code: op, Result: OpResult{Status: errs.NFS4ERR_NOT_ONLY_OP}})
				break
			}
		} else if op == OpSequence {
			calls = append(calls, OpCall{Code: op, Result: OpResult{Status: errs.NFS4ERR_SEQUENCE_POS}})
			break
		}

		handler, ok := handlers[op]
		if !ok {
			calls = append(calls, OpCall{Code: op, Result: OpResult{Status: errs.NFS4ERR_OP_ILLEGAL}})
			break
		}
		res := handler(ctx, cs, r)
		calls = append(calls, OpCall{Code: op, Result: res})
		if res.Status != errs.NFS4_OK {
			break
		}
	}
	return calls
}
