package lethe

import (
	"errors"
	"fmt"
)

// Error types represent different categories of errors

// ValidationError represents a configuration or parameter validation error
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// PrimitiveError wraps a failure of a pluggable hash, cipher, IV or key generator
type PrimitiveError struct {
	Primitive string // "hash", "cipher", "ivg" or "keygen"
	Operation string // e.g. "encrypt", "generate"
	Err       error  // Underlying error
}

func (e *PrimitiveError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Primitive, e.Operation, e.Err)
}

func (e *PrimitiveError) Unwrap() error {
	return e.Err
}

// IOError represents a storage I/O error
type IOError struct {
	Operation string // "read", "write", "open", "close", "rename", etc.
	Path      string // File path, if applicable
	Offset    int64  // Device offset, -1 if not applicable
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Path != "" && e.Offset >= 0 {
		return fmt.Sprintf("io error: %s %s at offset %d: %s", e.Operation, e.Path, e.Offset, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("io error: %s %s: %s", e.Operation, e.Path, e.Message)
	} else if e.Offset >= 0 {
		return fmt.Sprintf("io error: %s at offset %d: %s", e.Operation, e.Offset, e.Message)
	}
	return fmt.Sprintf("io error: %s: %s", e.Operation, e.Message)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// CorruptionError represents a serialization or integrity failure of persisted state
type CorruptionError struct {
	Path    string // File path, if applicable
	Message string // Human-readable error message
	Err     error  // Underlying error
}

func (e *CorruptionError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("corruption error: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("corruption error: %s", e.Message)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// AuthenticationError is returned when a persisted file does not verify under the supplied key
type AuthenticationError struct {
	Path    string
	Message string
	Err     error
}

func (e *AuthenticationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("authentication error: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("authentication error: %s", e.Message)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// LoadError is returned when a persisted forest or the engine state cannot be brought back into memory
type LoadError struct {
	What     string // "state" for engine metadata, empty for a forest
	ForestID uint64
	Path     string
	Err      error
}

func (e *LoadError) Error() string {
	if e.What != "" {
		return fmt.Sprintf("failed to load %s from %s: %v", e.What, e.Path, e.Err)
	}
	return fmt.Sprintf("failed to load forest %d from %s: %v", e.ForestID, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// PersistError is returned when scheme state cannot be serialized or written
type PersistError struct {
	What string // "forest", "state", "wal"
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("failed to persist %s to %s: %v", e.What, e.Path, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// Sentinel errors
var (
	ErrInvalidKey         = errors.New("invalid key")
	ErrAuthFailed         = errors.New("authentication failed - data may be corrupted or tampered")
	ErrInvalidHeader      = errors.New("invalid file header")
	ErrUnsupportedVersion = errors.New("unsupported file format version")
	ErrUnsupportedCipher  = errors.New("unsupported cipher suite")
	ErrUnsupportedHash    = errors.New("unsupported hash suite")
	ErrNilConfig          = errors.New("config cannot be nil")
	ErrNilBuffer          = errors.New("buffer cannot be nil")
	ErrNegativeOffset     = errors.New("negative offset not allowed")

	// ErrOutOfRange is returned for key ids beyond a forest's allocated leaf count.
	ErrOutOfRange = errors.New("key id out of range")
	// ErrOutOfIDs is returned when an allocator has no identifiers left.
	ErrOutOfIDs = errors.New("identifier space exhausted")
	// ErrAlreadyMapped is returned when inserting a mapping that already exists.
	ErrAlreadyMapped = errors.New("identifier already mapped")

	// ErrEvictionImpossible means every resident arena entry is borrowed.
	ErrEvictionImpossible = errors.New("eviction impossible: every arena entry is borrowed")
	// ErrEntryTooLarge means an entry cannot fit in the arena even when empty.
	ErrEntryTooLarge = errors.New("arena entry exceeds memory limit")
	// ErrForestNotFound means no persisted file exists for a forest id.
	ErrForestNotFound = errors.New("forest not found")

	// ErrIncompleteTransfer is returned by the exact transfer helpers.
	ErrIncompleteTransfer = errors.New("incomplete transfer")
	// ErrMissingKey means a block needed by an adapter has no key.
	ErrMissingKey = errors.New("missing block key")
)

// Helper functions for creating structured errors

// NewValidationError creates a new validation error
func NewValidationError(field string, value any, message string) error {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewPrimitiveError creates a new primitive error
func NewPrimitiveError(primitive, operation string, err error) error {
	return &PrimitiveError{
		Primitive: primitive,
		Operation: operation,
		Err:       err,
	}
}

// NewIOError creates a new I/O error
func NewIOError(operation, path string, err error) error {
	return &IOError{
		Operation: operation,
		Path:      path,
		Offset:    -1,
		Message:   err.Error(),
		Err:       err,
	}
}

// NewDeviceError creates an I/O error for a device offset
func NewDeviceError(operation string, offset int64, err error) error {
	return &IOError{
		Operation: operation,
		Offset:    offset,
		Message:   err.Error(),
		Err:       err,
	}
}

// NewCorruptionError creates a new corruption error
func NewCorruptionError(path string, message string, err error) error {
	return &CorruptionError{
		Path:    path,
		Message: message,
		Err:     err,
	}
}

// NewAuthenticationError creates a new authentication error
func NewAuthenticationError(path string, err error) error {
	return &AuthenticationError{
		Path:    path,
		Message: err.Error(),
		Err:     err,
	}
}

// Error checking helpers

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsPrimitiveError checks if an error is a primitive error
func IsPrimitiveError(err error) bool {
	var pe *PrimitiveError
	return errors.As(err, &pe)
}

// IsIOError checks if an error is an I/O error
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}

// IsCorruptionError checks if an error is a corruption error
func IsCorruptionError(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// IsAuthenticationError checks if an error is an authentication error
func IsAuthenticationError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// IsLoadError checks if an error is a forest load error
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}

// IsPersistError checks if an error is a persist error
func IsPersistError(err error) bool {
	var pe *PersistError
	return errors.As(err, &pe)
}
