package sentry

import "github.com/pkg/errors"

var (
	// ErrMalformedMessage is returned when the transport framing is broken.
	ErrMalformedMessage = errors.New("damaged sentry message")
	// ErrBadHeader is returned when the auth header does not end with the sentry credentials.
	ErrBadHeader = errors.New("bad sentry message header")
	// ErrCorruptBody is returned when the body does not inflate or parse as a JSON object.
	ErrCorruptBody = &corruptBodyError{}
)

// corruptBodyError is a damaged message as well, so errors.Is matches
// both ErrCorruptBody and ErrMalformedMessage.
type corruptBodyError struct{}

func (*corruptBodyError) Error() string { return "damaged sentry message body" }

func (*corruptBodyError) Is(target error) bool {
	return target == ErrMalformedMessage
}
