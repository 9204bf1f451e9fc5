package dfu

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies the way a DFU operation failed.
type Kind int

const (
	// KindIoError is a transport read/write failure.
	KindIoError Kind = iota
	// KindTimeout is a control read that did not complete before its deadline.
	KindTimeout
	// KindFramingError is a malformed serial frame.
	KindFramingError
	// KindProtocolDesync is an opcode echo mismatch or an otherwise malformed response.
	KindProtocolDesync
	// KindServerError is a non-success result code returned by the bootloader.
	KindServerError
	// KindCrcMismatch is a CalcCrc response that disagrees with the client's running CRC.
	KindCrcMismatch
	// KindPackageError is an invalid ZIP/manifest.
	KindPackageError
	// KindCancelled is a wait aborted by a closed transport.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindIoError:
		return "io_error"
	case KindTimeout:
		return "timeout"
	case KindFramingError:
		return "framing_error"
	case KindProtocolDesync:
		return "protocol_desync"
	case KindServerError:
		return "server_error"
	case KindCrcMismatch:
		return "crc_mismatch"
	case KindPackageError:
		return "package_error"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ResultCode is a bootloader response result byte.
type ResultCode byte

// Result codes per the Nordic nRF5 SDK DFU transport protocol.
const (
	ResultInvalid                ResultCode = 0x00
	ResultSuccess                ResultCode = 0x01
	ResultOpCodeNotSupported     ResultCode = 0x02
	ResultInvalidParameter       ResultCode = 0x03
	ResultInsufficientResources  ResultCode = 0x04
	ResultInvalidObject          ResultCode = 0x05
	ResultUnsupportedType        ResultCode = 0x07
	ResultOperationNotPermitted  ResultCode = 0x08
	ResultOperationFailed        ResultCode = 0x0A
	ResultExtendedError          ResultCode = 0x0B
)

// String names a result code the way the device's release notes do.
func (r ResultCode) String() string {
	switch r {
	case ResultInvalid:
		return "invalid"
	case ResultSuccess:
		return "success"
	case ResultOpCodeNotSupported:
		return "op_code_not_supported"
	case ResultInvalidParameter:
		return "invalid_parameter"
	case ResultInsufficientResources:
		return "insufficient_resources"
	case ResultInvalidObject:
		return "invalid_object"
	case ResultUnsupportedType:
		return "unsupported_type"
	case ResultOperationNotPermitted:
		return "operation_not_permitted"
	case ResultOperationFailed:
		return "operation_failed"
	case ResultExtendedError:
		return "extended_error"
	default:
		return fmt.Sprintf("unknown(0x%02X)", byte(r))
	}
}

// Error is the single error type surfaced by this package. The CLI logs
// Kind and Op as structured fields when an upgrade fails; Code is only
// meaningful when Kind is KindServerError.
type Error struct {
	Kind Kind
	Op   string
	Code ResultCode
	Err  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindServerError:
		if e.Err != nil {
			return fmt.Sprintf("%s: server error %s: %v", e.Op, e.Code, e.Err)
		}
		return fmt.Sprintf("%s: server error %s", e.Op, e.Code)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Cause implements the github.com/pkg/errors Causer interface.
func (e *Error) Cause() error { return e.Err }

// newErr builds an *Error, wrapping cause with op context via pkg/errors'
// WithMessage. errors.Cause() on the result walks through the *Error (via its
// Cause method) down to the original cause.
func newErr(kind Kind, op string, cause error) *Error {
	var err error
	if cause != nil {
		err = errors.WithMessage(cause, op)
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// IoError wraps a transport-level read/write failure.
func IoError(op string, cause error) *Error { return newErr(KindIoError, op, cause) }

// TimeoutError marks a control read that did not complete before its deadline.
func TimeoutError(op string, cause error) *Error { return newErr(KindTimeout, op, cause) }

// FramingErr marks a malformed serial frame.
func FramingErr(op string, cause error) *Error { return newErr(KindFramingError, op, cause) }

// DesyncError marks an opcode echo mismatch or malformed response payload.
func DesyncError(op string, cause error) *Error { return newErr(KindProtocolDesync, op, cause) }

// ServerError maps a non-success result code to a typed error.
func ServerError(op string, code ResultCode) *Error {
	return &Error{Kind: KindServerError, Op: op, Code: code}
}

// CrcMismatchError marks a CalcCrc response that disagreed with the client
// even after retrying.
func CrcMismatchError(op string, cause error) *Error { return newErr(KindCrcMismatch, op, cause) }

// PackageErr marks an invalid ZIP/manifest.
func PackageErr(op string, cause error) *Error { return newErr(KindPackageError, op, cause) }

// CancelledError marks a wait aborted because the transport was closed.
func CancelledError(op string, cause error) *Error { return newErr(KindCancelled, op, cause) }
