package nfs4

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dfr-systems/flexfiled/internal/protocol/xdr"
	"github.com/dfr-systems/flexfiled/pkg/errs"
)

func encodeOps(t *testing.T, ops ...Opcode) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	for _, op := range ops {
		require.NoError(t, xdr.WriteUint32(&buf, uint32(op)))
	}
	return bytes.NewReader(buf.Bytes())
}

func okHandler(ctx context.Context, cs *CompoundState, r *bytes.Reader) OpResult {
	return OpResult{Status: errs.NFS4_OK}
}

func allHandlers() map[Opcode]OpHandler {
	return map[Opcode]OpHandler{
		OpSequence:      okHandler,
		OpPutfh:         okHandler,
		OpGetfh:         okHandler,
		OpExchangeID:    okHandler,
		OpCreateSession: okHandler,
	}
}

func TestDispatchCompoundFirstOpMustBeSequenceOrSingleton(t *testing.T) {
	r := encodeOps(t, OpPutfh, OpGetfh)
	calls := DispatchCompound(context.Background(), r, 2, &CompoundState{}, allHandlers())
	require.Len(t, calls, 1)
	require.Equal(t, errs.NFS4ERR_OP_NOT_IN_SESSION, calls[0].Result.Status)
}

func TestDispatchCompoundSingletonOpMustBeOnlyOp(t *testing.T) {
	r := encodeOps(t, OpExchangeID, OpGetfh)
	calls := DispatchCompound(context.Background(), r, 2, &CompoundState{}, allHandlers())
	require.Len(t, calls, 1)
	require.Equal(t, errs.NFS4ERR_NOT_ONLY_OP, calls[0].Result.Status)
}

func TestDispatchCompoundSingletonOpAloneSucceeds(t *testing.T) {
	r := encodeOps(t, OpCreateSession)
	calls := DispatchCompound(context.Background(), r, 1, &CompoundState{}, allHandlers())
	require.Len(t, calls, 1)
	require.Equal(t, errs.NFS4_OK, calls[0].Result.Status)
}

func TestDispatchCompoundSecondSequenceIsSequencePos(t *testing.T) {
	r := encodeOps(t, OpSequence, OpPutfh, OpSequence)
	calls := DispatchCompound(context.Background(), r, 3, &CompoundState{}, allHandlers())
	require.Len(t, calls, 3)
	require.Equal(t, errs.NFS4_OK, calls[0].Result.Status)
	require.Equal(t, errs.NFS4_OK, calls[1].Result.Status)
	require.Equal(t, errs.NFS4ERR_SEQUENCE_POS, calls[2].Result.Status)
}

func TestDispatchCompoundStopsAtFirstError(t *testing.T) {
	failing := allHandlers()
	failing[OpGetfh] = func(ctx context.Context, cs *CompoundState, r *bytes.Reader) OpResult {
		return OpResult{Status: errs.NFS4ERR_BAD_STATEID}
	}
	r := encodeOps(t, OpSequence, OpGetfh, OpPutfh)
	calls := DispatchCompound(context.Background(), r, 3, &CompoundState{}, failing)
	require.Len(t, calls, 2)
	require.Equal(t, errs.NFS4_OK, calls[0].Result.Status)
	require.Equal(t, errs.NFS4ERR_BAD_STATEID, calls[1].Result.Status)
}

func TestDispatchCompoundUnknownOpcodeIsIllegal(t *testing.T) {
	r := encodeOps(t, OpSequence, Opcode(9999))
	calls := DispatchCompound(context.Background(), r, 2, &CompoundState{}, allHandlers())
	require.Len(t, calls, 2)
	require.Equal(t, errs.NFS4ERR_OP_ILLEGAL, calls[1].Result.Status)
}
