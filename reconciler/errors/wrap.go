package errors

import (
	"errors"
)

// IsChainError checks if an error is a ChainError with specific code
func IsChainError(err error, code ErrorCode) bool {
	var chainErr *ChainError
	if errors.As(err, &chainErr) {
		return chainErr.Code == code
	}
	return false
}

// CodeOf returns the code of the outermost ChainError in the chain, or empty.
func CodeOf(err error) ErrorCode {
	var chainErr *ChainError
	if errors.As(err, &chainErr) {
		return chainErr.Code
	}
	return ""
}

func IsNetworkUnreachable(err error) bool { return IsChainError(err, ErrCodeNetworkUnreachable) }
func IsPartialRead(err error) bool        { return IsChainError(err, ErrCodePartialRead) }
func IsDatabase(err error) bool           { return IsChainError(err, ErrCodeDatabase) }

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var chainErr *ChainError
	if errors.As(err, &chainErr) {
		return chainErr.IsRetryable()
	}

	return Classify(err) == ClassRetryable
}

// GetSeverity returns the severity of an error
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityInfo
	}

	var chainErr *ChainError
	if errors.As(err, &chainErr) {
		return chainErr.Severity
	}
	return SeverityLow
}
