// Package errors defines the error taxonomy shared by the oracle daemon's
// components. Sentinels are compared with errors.Is; the typed errors carry the
// extra context callers need (the already registered identity, the remote
// error payload).
package errors

import (
	stderrors "errors"
	"fmt"
)

var (
	ErrNotAuthorized       = stderrors.New("oracle: caller is not authorized")
	ErrPairExists          = stderrors.New("oracle: pair already exists")
	ErrPairNotFound        = stderrors.New("oracle: pair not found")
	ErrPairNotExist        = stderrors.New("oracle: pair does not exist")
	ErrNoPrice             = stderrors.New("oracle: pair has no recorded prices")
	ErrAlreadyRegistered   = stderrors.New("oracle: already registered")
	ErrNotRegistered       = stderrors.New("oracle: self account not registered")
	ErrContractNotDeployed = stderrors.New("oracle: aggregator contract not deployed")
	ErrNotInitialized      = stderrors.New("oracle: aggregator contract not initialized")
	ErrAlreadyInitialized  = stderrors.New("oracle: aggregator contract already initialized")
	ErrRemoteCallFailed    = stderrors.New("oracle: remote call failed")
	ErrInvalidArgument     = stderrors.New("oracle: invalid argument")
	ErrInternal            = stderrors.New("oracle: internal error")
)

// AlreadyRegisteredError reports the identity that is already registered.
type AlreadyRegisteredError struct {
	Identity string
}

func (e *AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("oracle: already registered as %s", e.Identity)
}

func (e *AlreadyRegisteredError) Is(target error) bool {
	return target == ErrAlreadyRegistered
}

// AlreadyRegistered builds an AlreadyRegisteredError for identity.
func AlreadyRegistered(identity string) error {
	return &AlreadyRegisteredError{Identity: identity}
}

// RemoteError wraps a failure reported by, or while reaching, the EVM side.
type RemoteError struct {
	Method  string
	Code    int
	Message string
	Data    interface{}
	Err     error
}

func (e *RemoteError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("oracle: remote call %s failed (code %d): %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("oracle: remote call %s failed: %s", e.Method, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemoteCallFailed
}

func (e *RemoteError) Unwrap() error { return e.Err }

// rpcError and dataError mirror the optional interfaces implemented by
// go-ethereum's JSON-RPC errors.
type rpcError interface {
	ErrorCode() int
}

type dataError interface {
	ErrorData() interface{}
}

// Remote wraps err as a RemoteError for method. A nil err yields nil.
func Remote(method string, err error) error {
	if err == nil {
		return nil
	}
	var remote *RemoteError
	if stderrors.As(err, &remote) {
		return err
	}
	out := &RemoteError{Method: method, Message: err.Error(), Err: err}
	var coded rpcError
	if stderrors.As(err, &coded) {
		out.Code = coded.ErrorCode()
	}
	var withData dataError
	if stderrors.As(err, &withData) {
		out.Data = withData.ErrorData()
	}
	return out
}

// InvalidArgument returns an error wrapping ErrInvalidArgument.
func InvalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// Internal returns an error wrapping ErrInternal.
func Internal(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInternal, fmt.Sprintf(format, args...))
}
