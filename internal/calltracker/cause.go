package calltracker

// DisconnectCause explains why a connection ended.
type DisconnectCause int

const (
	CauseNotDisconnected DisconnectCause = iota
	CauseNormal
	CauseLocal
	CauseBusy
	CauseCallRejected
	CauseIncomingMissed
	CauseIncomingRejected
	CauseInvalidNumber
	CauseUnreachable
	CauseServerUnreachable
	CauseServerError
	CauseTimedOut
	CausePowerOff
	CauseFdnBlocked
	CauseEncodingError
	CauseOutOfResources
	CauseLost
	CauseErrorUnspecified
)

var causeNames = map[DisconnectCause]string{
	CauseNotDisconnected:   "NOT_DISCONNECTED",
	CauseNormal:            "NORMAL",
	CauseLocal:             "LOCAL",
	CauseBusy:              "BUSY",
	CauseCallRejected:      "CALL_REJECTED",
	CauseIncomingMissed:    "INCOMING_MISSED",
	CauseIncomingRejected:  "INCOMING_REJECTED",
	CauseInvalidNumber:     "INVALID_NUMBER",
	CauseUnreachable:       "UNREACHABLE",
	CauseServerUnreachable: "SERVER_UNREACHABLE",
	CauseServerError:       "SERVER_ERROR",
	CauseTimedOut:          "TIMED_OUT",
	CausePowerOff:          "POWER_OFF",
	CauseFdnBlocked:        "FDN_BLOCKED",
	CauseEncodingError:     "ENCODING_ERROR",
	CauseOutOfResources:    "OUT_OF_RESOURCES",
	CauseLost:              "LOST",
	CauseErrorUnspecified:  "ERROR_UNSPECIFIED",
}

func (c DisconnectCause) String() string {
	if name, ok := causeNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// ReasonCode is a provider reason attached to asynchronous events. SIP
// status codes are used as-is; values from 1000 up are transport-local.
type ReasonCode int

const (
	ReasonNone               ReasonCode = 0
	ReasonOK                 ReasonCode = 200
	ReasonForbidden          ReasonCode = 403
	ReasonNotFound           ReasonCode = 404
	ReasonRequestTimeout     ReasonCode = 408
	ReasonGone               ReasonCode = 410
	ReasonUnsupportedMedia   ReasonCode = 415
	ReasonUnavailable        ReasonCode = 480
	ReasonAddressIncomplete  ReasonCode = 484
	ReasonBusyHere           ReasonCode = 486
	ReasonTerminated         ReasonCode = 487
	ReasonNotAcceptable      ReasonCode = 488
	ReasonServerInternal     ReasonCode = 500
	ReasonServiceUnavailable ReasonCode = 503
	ReasonServerTimeout      ReasonCode = 504
	ReasonBusyEverywhere     ReasonCode = 600
	ReasonDecline            ReasonCode = 603
	ReasonDoesNotExist       ReasonCode = 604

	ReasonUserTerminated    ReasonCode = 1000
	ReasonPowerOff          ReasonCode = 1001
	ReasonFdnBlocked        ReasonCode = 1002
	ReasonNetworkLost       ReasonCode = 1003
	ReasonNoResources       ReasonCode = 1004
	ReasonServerUnreachable ReasonCode = 1005
)

var reasonCauses = map[ReasonCode]DisconnectCause{
	ReasonNone:               CauseNormal,
	ReasonOK:                 CauseNormal,
	ReasonUserTerminated:     CauseNormal,
	ReasonForbidden:          CauseCallRejected,
	ReasonNotFound:           CauseInvalidNumber,
	ReasonAddressIncomplete:  CauseInvalidNumber,
	ReasonDoesNotExist:       CauseInvalidNumber,
	ReasonGone:               CauseUnreachable,
	ReasonUnavailable:        CauseUnreachable,
	ReasonRequestTimeout:     CauseTimedOut,
	ReasonServerTimeout:      CauseTimedOut,
	ReasonBusyHere:           CauseBusy,
	ReasonBusyEverywhere:     CauseBusy,
	ReasonDecline:            CauseCallRejected,
	ReasonTerminated:         CauseIncomingMissed,
	ReasonUnsupportedMedia:   CauseEncodingError,
	ReasonNotAcceptable:      CauseEncodingError,
	ReasonServerInternal:     CauseServerError,
	ReasonServiceUnavailable: CauseOutOfResources,
	ReasonPowerOff:           CausePowerOff,
	ReasonFdnBlocked:         CauseFdnBlocked,
	ReasonNetworkLost:        CauseLost,
	ReasonNoResources:        CauseOutOfResources,
	ReasonServerUnreachable:  CauseServerUnreachable,
}

// MapReasonCode translates a provider reason into a disconnect cause.
// Unknown codes map to CauseErrorUnspecified.
func MapReasonCode(code ReasonCode) DisconnectCause {
	if cause, ok := reasonCauses[code]; ok {
		return cause
	}
	return CauseErrorUnspecified
}
