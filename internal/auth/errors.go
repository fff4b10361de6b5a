package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	ErrNotFound           = errors.New("auth: not found")
	ErrConflict           = errors.New("auth: resource conflict")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrUnauthorized       = errors.New("auth: unauthorized")
	ErrInvalidCredentials = errors.New("auth: invalid email or password")
	ErrAccountLocked      = errors.New("auth: account is temporarily locked")
	ErrAccountInactive    = errors.New("auth: account is not active")
	ErrForbidden          = errors.New("auth: forbidden")
	ErrSystemRole         = fmt.Errorf("%w: system roles cannot be modified", ErrInvalidInput)
	ErrSystemRoleDelete   = fmt.Errorf("%w: system roles cannot be deleted", ErrInvalidInput)
)

// LockedError reports an account inside its lock window.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%v until %s", ErrAccountLocked, e.Until.UTC().Format(time.RFC3339))
}

func (e *LockedError) Is(target error) bool {
	return target == ErrAccountLocked
}

// Token verification failures. Expired is deliberately not an ErrTokenInvalid
// so transports can answer it with a different code.
var (
	ErrTokenInvalid   = errors.New("auth: invalid token")
	ErrTokenExpired   = errors.New("auth: token expired")
	ErrTokenMalformed = fmt.Errorf("%w: malformed", ErrTokenInvalid)
	ErrTokenSignature = fmt.Errorf("%w: signature mismatch", ErrTokenInvalid)
)

// DenialCode is the machine-readable reason attached to a gate denial.
type DenialCode string

const (
	CodeTokenBlacklisted        DenialCode = "TOKEN_BLACKLISTED"
	CodeTokenExpired            DenialCode = "TOKEN_EXPIRED"
	CodeTokenInvalid            DenialCode = "TOKEN_INVALID"
	CodeAccountLocked           DenialCode = "ACCOUNT_LOCKED"
	CodeInsufficientPermissions DenialCode = "INSUFFICIENT_PERMISSIONS"
	CodeInsufficientRole        DenialCode = "INSUFFICIENT_ROLE"
	CodeRequiresSuperAdmin      DenialCode = "REQUIRES_SUPER_ADMIN"
)

// Denial is returned by the gate whenever a request fails closed.
type Denial struct {
	Code    DenialCode
	Status  int
	Message string
	// Missing lists the permission or role names the caller lacked.
	Missing []string
}

func (d *Denial) Error() string {
	if len(d.Missing) == 0 {
		return fmt.Sprintf("%s: %s", d.Code, d.Message)
	}
	return fmt.Sprintf("%s: %s (missing: %s)", d.Code, d.Message, strings.Join(d.Missing, ", "))
}

// Is lets errors.Is(err, ErrUnauthorized) match any denial.
func (d *Denial) Is(target error) bool {
	return target == ErrUnauthorized
}

func deny(code DenialCode, message string, missing ...string) *Denial {
	status := http.StatusUnauthorized
	switch code {
	case CodeAccountLocked:
		status = http.StatusLocked
	case CodeInsufficientPermissions, CodeInsufficientRole, CodeRequiresSuperAdmin:
		status = http.StatusForbidden
	}
	return &Denial{Code: code, Status: status, Message: message, Missing: missing}
}

// AsDenial unwraps err into a *Denial when it is one.
func AsDenial(err error) (*Denial, bool) {
	var d *Denial
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}
