package rmcpplus

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport wraps failures to move bytes to or from the controller.
	// The session is left untouched and the caller may retry.
	ErrTransport = errors.New("transport error")

	// ErrUnexpectedMessage means a message arrived that is not legal in the
	// current handshake state, or does not belong to the outstanding request.
	// It is dropped without any state change.
	ErrUnexpectedMessage = errors.New("unexpected message")

	// ErrOutOfWindow means an inbound sequence number fell outside the
	// accepted window.
	ErrOutOfWindow = errors.New("sequence number outside window")

	// ErrReplay means an inbound sequence number inside the window was
	// already consumed.
	ErrReplay = errors.New("sequence number replayed")

	// ErrAuthentication is fatal to the handshake. It must not be retried
	// blindly with the same credentials.
	ErrAuthentication = errors.New("authentication failed")

	// ErrInvalidConfig is returned synchronously by session setters.
	ErrInvalidConfig = errors.New("invalid session configuration")

	// ErrInvalidState means a message was requested that cannot be sent in
	// the current handshake state.
	ErrInvalidState = errors.New("operation not valid in current handshake state")

	// ErrSessionID means the controller answered with a session id that does
	// not belong to this handshake.
	ErrSessionID = errors.New("unexpected session id")

	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrMalformed            = errors.New("malformed packet")
	ErrNotActive            = errors.New("session not active")
	ErrPayloadTooLarge      = errors.New("payload exceeds negotiated size")
	ErrTimeout              = errors.New("timed out waiting for response")
	ErrAborted              = errors.New("operation aborted")
	ErrNotSupported         = errors.New("operation not supported by transport")
)

// StatusCode is an RMCP+ and RAKP message status code, table 13-15 of IPMI
// v2.0.
type StatusCode uint8

const (
	StatusNoErrors                     StatusCode = 0x00
	StatusInsufficientResources        StatusCode = 0x01
	StatusInvalidSessionID             StatusCode = 0x02
	StatusInvalidPayloadType           StatusCode = 0x03
	StatusInvalidAuthenticationAlg     StatusCode = 0x04
	StatusInvalidIntegrityAlg          StatusCode = 0x05
	StatusNoMatchingAuthPayload        StatusCode = 0x06
	StatusNoMatchingIntegrityPayload   StatusCode = 0x07
	StatusInactiveSessionID            StatusCode = 0x08
	StatusInvalidRole                  StatusCode = 0x09
	StatusUnauthorizedRole             StatusCode = 0x0a
	StatusInsufficientResourcesForRole StatusCode = 0x0b
	StatusInvalidNameLength            StatusCode = 0x0c
	StatusUnauthorizedName             StatusCode = 0x0d
	StatusUnauthorizedGUID             StatusCode = 0x0e
	StatusInvalidIntegrityCheckValue   StatusCode = 0x0f
	StatusInvalidConfidentialityAlg    StatusCode = 0x10
	StatusNoCipherSuiteMatch           StatusCode = 0x11
	StatusIllegalParameter             StatusCode = 0x12
)

var statusDescriptions = map[StatusCode]string{
	StatusNoErrors:                     "no errors",
	StatusInsufficientResources:        "insufficient resources to create a session",
	StatusInvalidSessionID:             "invalid session ID",
	StatusInvalidPayloadType:           "invalid payload type",
	StatusInvalidAuthenticationAlg:     "invalid authentication algorithm",
	StatusInvalidIntegrityAlg:          "invalid integrity algorithm",
	StatusNoMatchingAuthPayload:        "no matching authentication payload",
	StatusNoMatchingIntegrityPayload:   "no matching integrity payload",
	StatusInactiveSessionID:            "inactive session ID",
	StatusInvalidRole:                  "invalid role",
	StatusUnauthorizedRole:             "unauthorized role or privilege level requested",
	StatusInsufficientResourcesForRole: "insufficient resources to create a session at the requested role",
	StatusInvalidNameLength:            "invalid name length",
	StatusUnauthorizedName:             "unauthorized name",
	StatusUnauthorizedGUID:             "unauthorized GUID",
	StatusInvalidIntegrityCheckValue:   "invalid integrity check value",
	StatusInvalidConfidentialityAlg:    "invalid confidentiality algorithm",
	StatusNoCipherSuiteMatch:           "no cipher suite match with proposed security algorithms",
	StatusIllegalParameter:             "illegal or unrecognized parameter",
}

func (c StatusCode) String() string {
	if desc, ok := statusDescriptions[c]; ok {
		return fmt.Sprintf("%#02x(%v)", uint8(c), desc)
	}
	return fmt.Sprintf("%#02x(Reserved)", uint8(c))
}

// authentication reports whether the controller refused the credentials
// rather than the proposal.
func (c StatusCode) authentication() bool {
	switch c {
	case StatusUnauthorizedRole, StatusUnauthorizedName, StatusUnauthorizedGUID,
		StatusInvalidIntegrityCheckValue, StatusInvalidRole:
		return true
	}
	return false
}

// StatusError is returned when the controller reports a non-zero status code
// in an Open Session Response or RAKP message. Any code carried by a RAKP
// message, and credential-related codes in general, unwrap to
// ErrAuthentication.
type StatusError struct {
	Message string
	Code    StatusCode

	rakp bool
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v returned status %v", e.Message, e.Code)
}

func (e *StatusError) Unwrap() error {
	if e.rakp || e.Code.authentication() {
		return ErrAuthentication
	}
	return nil
}

// IsAuthError reports whether err is fatal for the supplied credentials.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthentication)
}
