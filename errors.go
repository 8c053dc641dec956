package mega

import (
	"errors"
	"fmt"
)

// ErrorMsg is a numeric status code returned by the API
type ErrorMsg int

// ProtocolError is an error reported by the server as a negative number
type ProtocolError struct {
	Code ErrorMsg
	Msg  string
}

func (e *ProtocolError) Error() string {
	return e.Msg
}

func newProtocolError(code ErrorMsg, msg string) *ProtocolError {
	return &ProtocolError{Code: code, Msg: msg}
}

// Server reported errors
var (
	EINTERNAL           = newProtocolError(-1, "Internal error occurred")
	EARGS               = newProtocolError(-2, "Invalid arguments")
	EAGAIN              = newProtocolError(-3, "Try again")
	ERATELIMIT          = newProtocolError(-4, "Rate limit reached")
	EFAILED             = newProtocolError(-5, "The upload failed. Please restart it from scratch")
	ETOOMANY            = newProtocolError(-6, "Too many concurrent IP addresses are accessing this upload target URL")
	ERANGE              = newProtocolError(-7, "The upload file packet is out of range or not starting and ending on a chunk boundary")
	EEXPIRED            = newProtocolError(-8, "The upload target URL you are trying to access has expired. Please request a fresh one")
	ENOENT              = newProtocolError(-9, "Object (typically, node or user) not found")
	ECIRCULAR           = newProtocolError(-10, "Circular linkage attempted")
	EACCESS             = newProtocolError(-11, "Access violation")
	EEXIST              = newProtocolError(-12, "Trying to create an object that already exists")
	EINCOMPLETE         = newProtocolError(-13, "Trying to access an incomplete resource")
	EKEY                = newProtocolError(-14, "A decryption operation failed")
	ESID                = newProtocolError(-15, "Invalid or expired user session, please relogin")
	EBLOCKED            = newProtocolError(-16, "User blocked")
	EOVERQUOTA          = newProtocolError(-17, "Request over quota")
	ETEMPUNAVAIL        = newProtocolError(-18, "Resource temporarily not available, please try again later")
	ETOOMANYCONNECTIONS = newProtocolError(-19, "Too many connections on this resource")
	EWRITE              = newProtocolError(-20, "File could not be written to")
	EREAD               = newProtocolError(-21, "File could not be read from")
	EAPPKEY             = newProtocolError(-22, "Invalid or missing application key")
	ESSL                = newProtocolError(-23, "SSL verification failed")
	EGOINGOVERQUOTA     = newProtocolError(-24, "Not enough quota")
	EMFAREQUIRED        = newProtocolError(-26, "Multi-factor authentication required")
)

var protocolErrors = map[ErrorMsg]*ProtocolError{}

func init() {
	for _, e := range []*ProtocolError{
		EINTERNAL, EARGS, EAGAIN, ERATELIMIT, EFAILED, ETOOMANY, ERANGE, EEXPIRED,
		ENOENT, ECIRCULAR, EACCESS, EEXIST, EINCOMPLETE, EKEY, ESID, EBLOCKED,
		EOVERQUOTA, ETEMPUNAVAIL, ETOOMANYCONNECTIONS, EWRITE, EREAD, EAPPKEY,
		ESSL, EGOINGOVERQUOTA, EMFAREQUIRED,
	} {
		protocolErrors[e.Code] = e
	}
}

// Client side errors
var (
	EWORKER_LIMIT_EXCEEDED = errors.New("Maximum worker limit exceeded")
	EBADRESP               = errors.New("Bad response from server")
	EBADATTR               = errors.New("Bad node attribute")
	EMACMISMATCH           = errors.New("MAC verification failed")
	ErrChallengeFailed     = errors.New("hashcash challenge rejected")
	ErrCyclicTree          = errors.New("node tree contains a cycle")
	ErrSessionInvalid      = errors.New("session is invalid, login again")
)

// parseError turns a status code into an error. 0 and positive
// values are not errors.
func parseError(errno ErrorMsg) error {
	if errno >= 0 {
		return nil
	}
	if e, ok := protocolErrors[errno]; ok {
		return e
	}
	return newProtocolError(errno, fmt.Sprintf("Unknown error (%d)", errno))
}

// IsRetryable reports whether err is a transient server condition
// which the caller may retry after backing off.
func IsRetryable(err error) bool {
	return errors.Is(err, EAGAIN) ||
		errors.Is(err, ERATELIMIT) ||
		errors.Is(err, ETEMPUNAVAIL) ||
		errors.Is(err, ETOOMANYCONNECTIONS)
}

// KeyFormatError is returned when key material can't be parsed
type KeyFormatError struct {
	What string
	Err  error
}

func (e *KeyFormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bad key format: %s: %v", e.What, e.Err)
	}
	return "bad key format: " + e.What
}

func (e *KeyFormatError) Unwrap() error { return e.Err }

// IntegrityError is returned when the MAC of downloaded data doesn't
// match the one stored in the node key.
type IntegrityError struct {
	Want [2]uint32
	Got  [2]uint32
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%v: want %08x%08x, got %08x%08x", EMACMISMATCH, e.Want[0], e.Want[1], e.Got[0], e.Got[1])
}

func (e *IntegrityError) Unwrap() error { return EMACMISMATCH }

// LoginError wraps any failure while establishing a session
type LoginError struct {
	Stage string
	Err   error
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("login failed (%s): %v", e.Stage, e.Err)
}

func (e *LoginError) Unwrap() error { return e.Err }
