package ipmi

import (
	"context"

	"github.com/google/uuid"

	"github.com/ipmi-lanplus/pkg/rmcpplus"
)

// Interface is a way of reaching a BMC. Session transports run the RMCP+
// handshake in Open; session-less ones return nil from Session.
type Interface interface {
	Name() string

	// Open sets the transport up and, for session transports, activates the
	// session. On failure the session is left inactive.
	Open(ctx context.Context) error

	// Close ends the session and releases the transport. It is idempotent.
	Close() error

	// SendRecv sends one request and waits for the matching response.
	SendRecv(ctx context.Context, req *Request) (*Response, error)

	// SendSOL sends console data and waits until the controller acknowledges it.
	SendSOL(ctx context.Context, data []byte) (*rmcpplus.SOLPacket, error)

	// RecvSOL returns the next SOL packet carrying console data.
	RecvSOL(ctx context.Context) (*rmcpplus.SOLPacket, error)

	Session() *rmcpplus.Session

	// Abort makes any blocked call return ErrAborted. It stays in effect
	// until the next Open.
	Abort()

	Opened() bool
}

// GUIDStore remembers the controller GUID seen for each host so a later
// handshake answered by a different controller is rejected.
type GUIDStore interface {
	LookupGUID(host string) (uuid.UUID, bool, error)
	PinGUID(host string, guid uuid.UUID) error
}
