package efa

import "fmt"

// Status is the 8-bit completion status reported by the device.
type Status uint8

const (
	StatusOK                   Status = 0
	StatusFlushed              Status = 1
	StatusLocalQPInternalError Status = 2
	StatusLocalInvalidOpType   Status = 3
	StatusLocalInvalidAH       Status = 4
	StatusLocalInvalidLKey     Status = 5
	StatusLocalBadLength       Status = 6
	StatusRemoteBadAddress     Status = 7
	StatusRemoteAbort          Status = 8
	StatusRemoteBadDestQPN     Status = 9
	StatusRemoteRNR            Status = 10
	StatusRemoteBadLength      Status = 11
	StatusRemoteBadStatus      Status = 12
)

// StatusClass groups completion statuses by how a caller should react to them.
type StatusClass int

const (
	// ClassSuccess marks a successful completion.
	ClassSuccess StatusClass = iota
	// ClassFlushed marks a request drained by queue teardown. It is terminal but not an error of the request.
	ClassFlushed
	// ClassLocal marks a defect in the request or local queue state. Retrying unchanged will fail again.
	ClassLocal
	// ClassRemote marks a failure at or on the way to the peer. Retry policy belongs to the caller.
	ClassRemote
	// ClassUnknown marks a status code outside the defined set.
	ClassUnknown
)

func (c StatusClass) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassFlushed:
		return "flushed"
	case ClassLocal:
		return "local"
	case ClassRemote:
		return "remote"
	default:
		return "unknown"
	}
}

var statusNames = [...]string{
	StatusOK:                   "ok",
	StatusFlushed:              "flushed",
	StatusLocalQPInternalError: "local qp internal error",
	StatusLocalInvalidOpType:   "local invalid op type",
	StatusLocalInvalidAH:       "local invalid address handle",
	StatusLocalInvalidLKey:     "local invalid lkey",
	StatusLocalBadLength:       "local bad length",
	StatusRemoteBadAddress:     "remote bad address",
	StatusRemoteAbort:          "remote abort",
	StatusRemoteBadDestQPN:     "remote bad destination qpn",
	StatusRemoteRNR:            "remote receiver not ready",
	StatusRemoteBadLength:      "remote bad length",
	StatusRemoteBadStatus:      "remote bad status",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Class reports the status class.
func (s Status) Class() StatusClass {
	switch {
	case s == StatusOK:
		return ClassSuccess
	case s == StatusFlushed:
		return ClassFlushed
	case s >= StatusLocalQPInternalError && s <= StatusLocalBadLength:
		return ClassLocal
	case s >= StatusRemoteBadAddress && s <= StatusRemoteBadStatus:
		return ClassRemote
	default:
		return ClassUnknown
	}
}

// OK reports whether the status is StatusOK.
func (s Status) OK() bool {
	return s == StatusOK
}

// Err converts the status of the completion into an error, or nil on success.
func (c Completion) Err() error {
	if c.Status == StatusOK {
		return nil
	}
	return &CompletionError{Status: c.Status, ReqID: c.ReqID, QueueType: c.QueueType}
}
