package syncerr

// Action is the corrective step a user interface should offer for a failed
// write.
type Action int

const (
	// ActionNone means the operation succeeded or was cancelled on purpose.
	ActionNone Action = iota
	// ActionRetry offers a manual retry; the failure was transient.
	ActionRetry
	// ActionSignIn asks the user to sign in again.
	ActionSignIn
	// ActionFixInput asks the user to correct what they submitted.
	ActionFixInput
	// ActionRequestAccess tells the user they lack access to the record.
	ActionRequestAccess
	// ActionFreeQuota asks the user to free space or choose a smaller file.
	ActionFreeQuota
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionSignIn:
		return "sign_in"
	case ActionFixInput:
		return "fix_input"
	case ActionRequestAccess:
		return "request_access"
	case ActionFreeQuota:
		return "free_quota"
	default:
		return "none"
	}
}

// ActionFor maps a failure to the action a caller should offer.
func ActionFor(err error) Action {
	if err == nil {
		return ActionNone
	}
	switch KindOf(err) {
	case Cancelled:
		return ActionNone
	case Authentication:
		return ActionSignIn
	case Validation:
		return ActionFixInput
	case PermissionDenied:
		return ActionRequestAccess
	case QuotaExceeded:
		return ActionFreeQuota
	default:
		return ActionRetry
	}
}
