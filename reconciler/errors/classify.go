package errors

import (
	"context"
	"errors"
	"strings"

	errorsmod "cosmossdk.io/errors"
	sdkerrors "github.com/cosmos/cosmos-sdk/types/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Class is the submission-level classification of a failure.
type Class int

const (
	ClassRetryable Class = iota
	ClassFatal
)

func (c Class) String() string {
	if c == ClassFatal {
		return "fatal"
	}
	return "retryable"
}

// wasmCodespace is the ABCI codespace of the CosmWasm module.
const wasmCodespace = "wasm"

var retryableABCI = []*errorsmod.Error{
	sdkerrors.ErrWrongSequence,
	sdkerrors.ErrMempoolIsFull,
	sdkerrors.ErrTxInMempoolCache,
	sdkerrors.ErrTxTimeoutHeight,
}

var fatalABCI = []*errorsmod.Error{
	sdkerrors.ErrInsufficientFunds,
	sdkerrors.ErrInsufficientFee,
	sdkerrors.ErrUnauthorized,
	sdkerrors.ErrOutOfGas,
	sdkerrors.ErrInvalidRequest,
	sdkerrors.ErrTxDecode,
	sdkerrors.ErrInvalidAddress,
	sdkerrors.ErrUnknownRequest,
}

// Classify maps an error to Retryable or Fatal.
//
// Transport failures (gRPC Unavailable, DeadlineExceeded, ResourceExhausted,
// Aborted) and unrecognised non-ABCI errors are Retryable; the retry budget
// bounds them. Rejected transactions are classified by their ABCI code.
func Classify(err error) Class {
	if err == nil {
		return ClassRetryable
	}

	var chainErr *ChainError
	if errors.As(err, &chainErr) {
		switch chainErr.Code {
		case ErrCodeFatal, ErrCodeConfig, ErrCodeDatabase, ErrCodeInternal:
			return ClassFatal
		case ErrCodeRetryable, ErrCodeTimeout, ErrCodeNetworkUnreachable:
			return ClassRetryable
		}
	}

	for _, sentinel := range fatalABCI {
		if errors.Is(err, sentinel) {
			return ClassFatal
		}
	}
	for _, sentinel := range retryableABCI {
		if errors.Is(err, sentinel) {
			return ClassRetryable
		}
	}

	var abciErr *errorsmod.Error
	if errors.As(err, &abciErr) {
		// wasm contract errors and any other rejection by the chain.
		return ClassFatal
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassRetryable
	}
	if errors.Is(err, context.Canceled) {
		return ClassFatal
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return ClassRetryable
		case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated, codes.FailedPrecondition:
			return ClassFatal
		}
	}

	if strings.Contains(strings.ToLower(err.Error()), "unauthorized") {
		return ClassFatal
	}
	return ClassRetryable
}

// ABCIError rebuilds a typed error from a tx result code so it can be
// classified with errors.Is against the SDK sentinels.
func ABCIError(codespace string, code uint32, log string) error {
	if code == 0 {
		return nil
	}
	return errorsmod.ABCIError(codespace, code, log)
}

// ClassifyABCI classifies a non-zero tx result code.
func ClassifyABCI(codespace string, code uint32, log string) Class {
	if codespace == wasmCodespace {
		return ClassFatal
	}
	return Classify(ABCIError(codespace, code, log))
}

// IsSequenceMismatch reports whether err is an account sequence mismatch.
func IsSequenceMismatch(err error) bool {
	return errors.Is(err, sdkerrors.ErrWrongSequence)
}

// IsAlreadyInMempool reports whether the node already holds the tx.
func IsAlreadyInMempool(err error) bool {
	return errors.Is(err, sdkerrors.ErrTxInMempoolCache)
}
