package registration

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"evmoracle/core/identity"
)

var (
	ErrCouldNotGetRegistrationInfo     = errors.New("registration: could not get registration info")
	ErrCouldNotCheckRegistrationStatus = errors.New("registration: could not check registration status")
	ErrAlreadyRegistered               = errors.New("registration: already registered")
)

// AlreadyRegisteredError reports the operator whose wallet is already
// registered on the EVM side.
type AlreadyRegisteredError struct {
	Operator identity.Identity
}

func (e *AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("registration: %s is already registered", e.Operator)
}

func (e *AlreadyRegisteredError) Is(target error) bool { return target == ErrAlreadyRegistered }

// StatusCheckError reports that the registration pre-check could not be
// completed for address.
type StatusCheckError struct {
	Address  common.Address
	Operator identity.Identity
	Err      error
}

func (e *StatusCheckError) Error() string {
	return fmt.Sprintf("registration: could not check registration status of %s for %s: %v", e.Address.Hex(), e.Operator, e.Err)
}

func (e *StatusCheckError) Is(target error) bool { return target == ErrCouldNotCheckRegistrationStatus }

func (e *StatusCheckError) Unwrap() error { return e.Err }
