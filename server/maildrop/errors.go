package maildrop

import "github.com/archessay/wildduck/consts"

// Error carries a stable code for callers that report queue failures.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	errNoRecipients   = &Error{Code: "ENORECIPIENTS", Message: "No valid recipients", Err: consts.ErrNoRecipients}
	errTooManyTargets = &Error{Code: "ETOOMANYTARGETS", Message: "Too many delivery targets", Err: consts.ErrTooManyTargets}
)
