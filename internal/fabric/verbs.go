package fabric

// Access is a set of memory region permissions.
type Access int

// Memory region access flags.
const (
	AccessLocalWrite Access = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
	AccessRemoteAtomic
)

// AccessAll grants every permission.
const AccessAll = AccessLocalWrite | AccessRemoteWrite | AccessRemoteRead | AccessRemoteAtomic

// WCStatus is the status of a work completion.
type WCStatus uint16

const (
	WCSuccess WCStatus = iota
	WCLocalLenErr
	WCLocalQPOpErr
	WCLocalProtErr
	WCWRFlushErr
	WCRemoteInvalidReqErr
	WCRemoteAccessErr
	WCRemoteOpErr
	WCRetryExcErr
	WCRnrRetryExcErr
	WCGeneralErr
)

var wcStatusNames = [...]string{
	WCSuccess:             "success",
	WCLocalLenErr:         "local length error",
	WCLocalQPOpErr:        "local QP operation error",
	WCLocalProtErr:        "local protection error",
	WCWRFlushErr:          "work request flushed error",
	WCRemoteInvalidReqErr: "invalid request error",
	WCRemoteAccessErr:     "remote access error",
	WCRemoteOpErr:         "remote operation error",
	WCRetryExcErr:         "transport retry counter exceeded",
	WCRnrRetryExcErr:      "RNR retry counter exceeded",
	WCGeneralErr:          "general error",
}

func (s WCStatus) String() string {
	if int(s) < len(wcStatusNames) {
		return wcStatusNames[s]
	}

	return "unknown"
}

// WCOpcode identifies the operation a work completion belongs to.
type WCOpcode uint8

const (
	WCOpSend WCOpcode = iota
	WCOpRDMAWrite
	WCOpCompSwap
	WCOpFetchAdd
	WCOpRecv
	WCOpRecvRDMAWithImm
)

func (o WCOpcode) String() string {
	switch o {
	case WCOpSend:
		return "send"
	case WCOpRDMAWrite:
		return "rdma_write"
	case WCOpCompSwap:
		return "comp_swap"
	case WCOpFetchAdd:
		return "fetch_add"
	case WCOpRecv:
		return "recv"
	case WCOpRecvRDMAWithImm:
		return "recv_rdma_with_imm"
	default:
		return "unknown"
	}
}

// WCFlags carries per-completion flags.
type WCFlags uint8

const (
	WCFlagWithImm WCFlags = 1 << iota
	WCFlagSolicited
)

// WorkCompletion is one completion queue entry.
type WorkCompletion struct {
	WRID    uint64
	ByteLen uint32
	ImmData uint32
	QPNum   uint32
	Status  WCStatus
	Opcode  WCOpcode
	Flags   WCFlags
}

// Success reports whether the request completed without error.
func (wc WorkCompletion) Success() bool {
	return wc.Status == WCSuccess
}

// HasImm reports whether the completion carries immediate data.
func (wc WorkCompletion) HasImm() bool {
	return wc.Flags&WCFlagWithImm != 0
}

// Solicited reports whether the sender requested a solicited event.
func (wc WorkCompletion) Solicited() bool {
	return wc.Flags&WCFlagSolicited != 0
}

// QueueKind selects the send or receive side of a connection.
type QueueKind int

const (
	QueueSend QueueKind = iota
	QueueRecv
)

func (q QueueKind) String() string {
	if q == QueueRecv {
		return "recv"
	}

	return "send"
}
