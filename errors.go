package chaski

import "fmt"

// Error kinds, per the error-handling taxonomy: Protocol, Timeout,
// Transport, Resource, Security, CA. Callers use errors.Is against these
// sentinels rather than switching on a generic error type.
var (
	// Protocol errors: malformed frame, unknown command, length over limit.
	ErrFrameTooLarge  = fmt.Errorf("chaski: frame exceeds maximum length")
	ErrBadMagic       = fmt.Errorf("chaski: frame magic bytes do not match")
	ErrUnknownCommand = fmt.Errorf("chaski: unknown control command")
	ErrDecodeFailed   = fmt.Errorf("chaski: envelope decode failed")

	// Timeout errors.
	ErrRequestTimeout  = fmt.Errorf("chaski: request timed out waiting for response")
	ErrKeepaliveMissed = fmt.Errorf("chaski: keepalive response not received in time")

	// Transport errors.
	ErrEdgeClosed   = fmt.Errorf("chaski: edge is closed")
	ErrDialFailed   = fmt.Errorf("chaski: dial failed")
	ErrTLSHandshake = fmt.Errorf("chaski: TLS handshake failed")

	// Resource errors: reply with a control response, do not disconnect.
	ErrTooManyEdges    = fmt.Errorf("chaski: too many edges")
	ErrQueueOverflow   = fmt.Errorf("chaski: delivery queue overflow")
	ErrFileTransferBusy = fmt.Errorf("chaski: too many concurrent file transfers")

	// Security errors: refuse before any application data is processed.
	ErrCertInvalid = fmt.Errorf("chaski: peer certificate failed chain validation")
	ErrCertRevoked = fmt.Errorf("chaski: peer certificate serial is on the CRL")
	ErrCertExpired = fmt.Errorf("chaski: peer certificate has expired")

	// CA errors: reply with a structured error payload, never crash.
	ErrCSRMalformed   = fmt.Errorf("chaski: CSR is malformed")
	ErrSigningFailed  = fmt.Errorf("chaski: certificate signing failed")
	ErrCRLWriteFailed = fmt.Errorf("chaski: failed to write CRL to disk")

	// Cancellation.
	ErrContextCancelled = fmt.Errorf("chaski: context cancelled")
	ErrHaltRequested    = fmt.Errorf("chaski: halt requested")
)

// panicOn follows the teacher's convention: a handful of truly
// can't-happen conditions (a codec or digest that fails to initialize,
// a keepalive payload that fails to marshal, a certificate directory
// that cannot be created) abort with a single diagnostic rather than
// threading an error through every caller. Everything else, including a
// corrupt CA key or a listen failure, returns an error.
func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}
