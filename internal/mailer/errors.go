package mailer

import (
	"errors"
	"fmt"
)

// ErrUnknownTemplate is returned when no template is registered under a key
var ErrUnknownTemplate = errors.New("unknown template")

// SendError is a per-recipient delivery failure reported by a gateway
type SendError struct {
	Recipient string
	Temporary bool
	Err       error
}

func (e *SendError) Error() string {
	kind := "permanent"
	if e.Temporary {
		kind = "temporary"
	}
	return fmt.Sprintf("send to %s failed (%s): %v", e.Recipient, kind, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// IsTemporary reports whether err is a delivery failure worth retrying.
// Unknown errors are treated as temporary.
func IsTemporary(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Temporary
	}
	return true
}

func temporary(to string, err error) error {
	return &SendError{Recipient: to, Temporary: true, Err: err}
}

func permanent(to string, err error) error {
	return &SendError{Recipient: to, Temporary: false, Err: err}
}
