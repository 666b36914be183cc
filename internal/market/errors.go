package market

import "errors"

// Sentinel errors shared across providers, stores and the API layer.
// Wrap with fmt.Errorf("...: %w", err) and test with errors.Is.
var (
	ErrInvalidInterval  = errors.New("invalid interval")
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrUnknownSymbol    = errors.New("unknown symbol")
	ErrNotConnected     = errors.New("provider not connected")
	ErrNotFound         = errors.New("not found")
	ErrTransportFailure = errors.New("transport failure")
	ErrInvalidArgument  = errors.New("invalid argument")
)
