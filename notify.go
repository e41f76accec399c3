package rolesync

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// NotificationKind is the user-facing category of a terminal failure.
type NotificationKind uint8

const (
	NotifyTimeout NotificationKind = iota
	NotifyRejectedByUser
	NotifyRejectedByAuthority
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyRejectedByUser:
		return "rejected_by_user"
	case NotifyRejectedByAuthority:
		return "rejected_by_authority"
	default:
		return "timeout"
	}
}

const (
	msgRejectedByUser      = "Transaction rejected by you."
	msgRejectedByAuthority = "Transaction rejected by the authority (check permissions)."
	msgTimeout             = "Transaction timed out, check connectivity."
)

// Notification is the single human-readable message produced for a
// failed operation.
type Notification struct {
	Kind    NotificationKind
	Message string
	Method  string
	Subject common.Address
	Role    string
	Hash    common.Hash
	Err     error
}

// Describe maps err to a notification. Network failures and confirmation
// timeouts share the timeout message; the authority's revert reason is
// appended when known.
func Describe(err error) Notification {
	n := Notification{Kind: NotifyTimeout, Message: msgTimeout, Err: err}
	var ge *GatewayError
	switch {
	case errors.As(err, &ge) && ge.Cause == CauseRejected:
		n.Kind, n.Message = NotifyRejectedByUser, msgRejectedByUser
	case errors.As(err, &ge) && ge.Cause == CauseReverted:
		n.Kind, n.Message = NotifyRejectedByAuthority, msgRejectedByAuthority
		if ge.Reason != "" {
			n.Message += " " + ge.Reason
		}
	}
	return n
}
