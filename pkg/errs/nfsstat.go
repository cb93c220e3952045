package errs

// Nfsstat4 is the wire status code type from RFC 8881 Section 15.1. It is
// defined here, not in the protocol package, so that the POSIX/NFS4
// translation table lives in exactly one place as the design notes require.
type Nfsstat4 int32

const (
	NFS4_OK                           Nfsstat4 = 0
	NFS4ERR_PERM                      Nfsstat4 = 1
	NFS4ERR_NOENT                     Nfsstat4 = 2
	NFS4ERR_IO                        Nfsstat4 = 5
	NFS4ERR_NXIO                      Nfsstat4 = 6
	NFS4ERR_ACCESS                    Nfsstat4 = 13
	NFS4ERR_EXIST                     Nfsstat4 = 17
	NFS4ERR_NOTDIR                    Nfsstat4 = 20
	NFS4ERR_ISDIR                     Nfsstat4 = 21
	NFS4ERR_FBIG                      Nfsstat4 = 27
	NFS4ERR_NOSPC                     Nfsstat4 = 28
	NFS4ERR_ROFS                      Nfsstat4 = 30
	NFS4ERR_NAMETOOLONG               Nfsstat4 = 63
	NFS4ERR_NOTEMPTY                  Nfsstat4 = 66
	NFS4ERR_DQUOT                     Nfsstat4 = 69
	NFS4ERR_STALE                     Nfsstat4 = 70
	NFS4ERR_BADHANDLE                 Nfsstat4 = 10001
	NFS4ERR_NOTSUPP                   Nfsstat4 = 10004
	NFS4ERR_TOOSMALL                  Nfsstat4 = 10005
	NFS4ERR_SERVERFAULT               Nfsstat4 = 10006
	NFS4ERR_BADTYPE                   Nfsstat4 = 10007
	NFS4ERR_DELAY                     Nfsstat4 = 10008
	NFS4ERR_SAME                      Nfsstat4 = 10009
	NFS4ERR_DENIED                    Nfsstat4 = 10010
	NFS4ERR_EXPIRED                   Nfsstat4 = 10011
	NFS4ERR_LOCKED                    Nfsstat4 = 10012
	NFS4ERR_GRACE                     Nfsstat4 = 10013
	NFS4ERR_FHEXPIRED                 Nfsstat4 = 10014
	NFS4ERR_SHARE_DENIED              Nfsstat4 = 10015
	NFS4ERR_WRONGSEC                  Nfsstat4 = 10016
	NFS4ERR_CLID_INUSE                Nfsstat4 = 10017
	NFS4ERR_RESOURCE                  Nfsstat4 = 10018
	NFS4ERR_MOVED                     Nfsstat4 = 10019
	NFS4ERR_NOFILEHANDLE              Nfsstat4 = 10020
	NFS4ERR_BAD_STATEID               Nfsstat4 = 10025
	NFS4ERR_BAD_SEQID                 Nfsstat4 = 10026
	NFS4ERR_NOT_SAME                  Nfsstat4 = 10027
	NFS4ERR_LOCK_RANGE                Nfsstat4 = 10028
	NFS4ERR_SYMLINK                   Nfsstat4 = 10029
	NFS4ERR_RESTOREFH                 Nfsstat4 = 10030
	NFS4ERR_LEASE_MOVED               Nfsstat4 = 10031
	NFS4ERR_ATTRNOTSUPP               Nfsstat4 = 10032
	NFS4ERR_NO_GRACE                  Nfsstat4 = 10033
	NFS4ERR_RECLAIM_BAD               Nfsstat4 = 10034
	NFS4ERR_RECLAIM_CONFLICT          Nfsstat4 = 10035
	NFS4ERR_BADXDR                    Nfsstat4 = 10036
	NFS4ERR_LOCKS_HELD                Nfsstat4 = 10037
	NFS4ERR_OPENMODE                  Nfsstat4 = 10038
	NFS4ERR_BADOWNER                  Nfsstat4 = 10039
	NFS4ERR_BADCHAR                   Nfsstat4 = 10040
	NFS4ERR_BADNAME                   Nfsstat4 = 10041
	NFS4ERR_BAD_RANGE                 Nfsstat4 = 10042
	NFS4ERR_LOCK_NOTSUPP              Nfsstat4 = 10043
	NFS4ERR_OP_ILLEGAL                Nfsstat4 = 10044
	NFS4ERR_DEADLOCK                  Nfsstat4 = 10045
	NFS4ERR_FILE_OPEN                 Nfsstat4 = 10046
	NFS4ERR_ADMIN_REVOKED             Nfsstat4 = 10047
	NFS4ERR_CB_PATH_DOWN              Nfsstat4 = 10048
	NFS4ERR_BADIOMODE                 Nfsstat4 = 10049
	NFS4ERR_BADLAYOUT                 Nfsstat4 = 10050
	NFS4ERR_BAD_SESSION_DIGEST        Nfsstat4 = 10051
	NFS4ERR_BADSESSION                Nfsstat4 = 10052
	NFS4ERR_BADSLOT                   Nfsstat4 = 10053
	NFS4ERR_COMPLETE_ALREADY          Nfsstat4 = 10054
	NFS4ERR_CONN_NOT_BOUND_TO_SESSION Nfsstat4 = 10055
	NFS4ERR_DELEG_ALREADY_WANTED      Nfsstat4 = 10056
	NFS4ERR_BACK_CHAN_BUSY            Nfsstat4 = 10057
	NFS4ERR_LAYOUTTRYLATER            Nfsstat4 = 10058
	NFS4ERR_LAYOUTUNAVAILABLE         Nfsstat4 = 10059
	NFS4ERR_NOMATCHING_LAYOUT         Nfsstat4 = 10060
	NFS4ERR_RECALLCONFLICT            Nfsstat4 = 10061
	NFS4ERR_UNKNOWN_LAYOUTTYPE        Nfsstat4 = 10062
	NFS4ERR_SEQ_MISORDERED            Nfsstat4 = 10063
	NFS4ERR_SEQUENCE_POS              Nfsstat4 = 10064
	NFS4ERR_REQ_TOO_BIG               Nfsstat4 = 10065
	NFS4ERR_REP_TOO_BIG               Nfsstat4 = 10066
	NFS4ERR_REP_TOO_BIG_TO_CACHE      Nfsstat4 = 10067
	NFS4ERR_RETRY_UNCACHED_REP        Nfsstat4 = 10068
	NFS4ERR_UNSAFE_COMPOUND           Nfsstat4 = 10069
	NFS4ERR_TOO_MANY_OPS              Nfsstat4 = 10070
	NFS4ERR_OP_NOT_IN_SESSION         Nfsstat4 = 10071
	NFS4ERR_HASH_ALG_UNSUPP           Nfsstat4 = 10072
	NFS4ERR_CLIENTID_BUSY             Nfsstat4 = 10074
	NFS4ERR_PNFS_IO_HOLE              Nfsstat4 = 10075
	NFS4ERR_SEQ_FALSE_RETRY           Nfsstat4 = 10076
	NFS4ERR_BAD_HIGH_SLOT             Nfsstat4 = 10077
	NFS4ERR_DEADSESSION               Nfsstat4 = 10078
	NFS4ERR_ENCR_ALG_UNSUPP           Nfsstat4 = 10079
	NFS4ERR_PNFS_NO_LAYOUT            Nfsstat4 = 10080
	NFS4ERR_NOT_ONLY_OP               Nfsstat4 = 10081
	NFS4ERR_WRONG_CRED                Nfsstat4 = 10082
	NFS4ERR_WRONG_TYPE                Nfsstat4 = 10083
	NFS4ERR_DIRDELEG_UNAVAIL          Nfsstat4 = 10084
	NFS4ERR_REJECT_DELEG              Nfsstat4 = 10085
	NFS4ERR_RETURNCONFLICT            Nfsstat4 = 10086
	NFS4ERR_DELEG_REVOKED             Nfsstat4 = 10087
)

// ToNFS4 is the one POSIX/internal-kind-to-NFS4-status translation table.
func (e *Error) ToNFS4() Nfsstat4 {
	switch e.Kind {
	case KindNotFound:
		return NFS4ERR_NOENT
	case KindIoError:
		return NFS4ERR_IO
	case KindReadOnly:
		return NFS4ERR_ROFS
	case KindShareDenied:
		return NFS4ERR_SHARE_DENIED
	case KindGrace:
		return NFS4ERR_GRACE
	case KindDelay:
		return NFS4ERR_DELAY
	case KindBadStateid:
		return NFS4ERR_BAD_STATEID
	case KindOldStateid:
		return NFS4ERR_OLD_STATEID
	case KindBadSession:
		return NFS4ERR_BADSESSION
	case KindDeadSession:
		return NFS4ERR_DEADSESSION
	case KindStaleClientid:
		return NFS4ERR_STALE_CLIENTID
	case KindInvalidArgument:
		return NFS4ERR_INVAL
	case KindAlreadyExists:
		return NFS4ERR_EXIST
	case KindNotEmpty:
		return NFS4ERR_NOTEMPTY
	case KindIsDirectory:
		return NFS4ERR_ISDIR
	case KindNotDirectory:
		return NFS4ERR_NOTDIR
	case KindNoSpace:
		return NFS4ERR_NOSPC
	case KindNotSupported:
		return NFS4ERR_NOTSUPP
	case KindStaleHandle:
		return NFS4ERR_STALE
	case KindAccessDenied:
		return NFS4ERR_ACCESS
	case KindExpired:
		return NFS4ERR_EXPIRED
	case KindNoMatchingLayout:
		return NFS4ERR_NOMATCHING_LAYOUT
	case KindLayoutUnavailable:
		return NFS4ERR_LAYOUTUNAVAILABLE
	case KindBadSlot:
		return NFS4ERR_BADSLOT
	case KindSeqMisordered:
		return NFS4ERR_SEQ_MISORDERED
	default:
		return NFS4ERR_SERVERFAULT
	}
}

// These four are declared apart from the block above; the first three
// are referenced by ToNFS4.
const (
	NFS4ERR_OLD_STATEID         Nfsstat4 = 10024
	NFS4ERR_STALE_CLIENTID      Nfsstat4 = 10022
	NFS4ERR_INVAL               Nfsstat4 = 22
	NFS4ERR_MINOR_VERS_MISMATCH Nfsstat4 = 10021
)
