package crypto

import "errors"

// PKCS11Config identifies a token and a signing key on it.
type PKCS11Config struct {
	// ModulePath is the path to the PKCS#11 module (.so/.dylib/.dll)
	ModulePath string

	// TokenLabel, TokenSerial or SlotID select the token. With none of them
	// the first slot holding a token is used.
	TokenLabel  string
	TokenSerial string
	SlotID      *uint

	// KeyLabel and/or KeyID (hex CKA_ID) select the private key.
	KeyLabel string
	KeyID    string

	// PIN logs in at open time. Leave empty to log in later with Login,
	// typically after prompting the card holder.
	PIN string
}

// SlotInfo describes a PKCS#11 slot.
type SlotInfo struct {
	ID           uint
	Description  string
	TokenLabel   string
	TokenSerial  string
	Manufacturer string
	HasToken     bool
}

// TokenInfo describes a token and the reader slot holding it.
type TokenInfo struct {
	SlotID          uint
	Reader          string
	Label           string
	Manufacturer    string
	Model           string
	Serial          string
	HardwareVersion string
	FirmwareVersion string
	PINCountLow     bool
	PINFinalTry     bool
	PINLocked       bool
}

var (
	// ErrPKCS11Unavailable is returned by builds without cgo.
	ErrPKCS11Unavailable = errors.New("HSM support requires CGO (build with CGO_ENABLED=1)")

	// ErrLoginRequired is returned when a token operation needs the user PIN.
	ErrLoginRequired = errors.New("token login required")

	// ErrPINIncorrect is returned when the token rejects the PIN.
	ErrPINIncorrect = errors.New("incorrect PIN")

	// ErrPINLocked is returned when the token PIN is blocked.
	ErrPINLocked = errors.New("PIN locked")

	// ErrPINInvalid is returned when a new PIN has invalid characters or
	// length.
	ErrPINInvalid = errors.New("invalid PIN")
)
