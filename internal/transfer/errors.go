package transfer

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownTransfer   = errors.New("unknown transfer")
	ErrInvalidState      = errors.New("transfer not in a state that allows this")
	ErrTransferDeclined  = errors.New("receiver declined the transfer")
	ErrTransferCancelled = errors.New("transfer cancelled")
	ErrBufferTimeout     = errors.New("buffer drain timeout")
	ErrTimeout           = errors.New("timeout")
	ErrSizeMismatch      = errors.New("chunk outside the offered file")
)

type TransferError struct {
	Op      string
	File    string
	Err     error
	Details string
}

func (e *TransferError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.File, e.Err)
	}
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *TransferError {
	return &TransferError{Op: op, Err: err}
}

func NewFileError(op, file string, err error) *TransferError {
	return &TransferError{Op: op, File: file, Err: err}
}

func WrapError(op string, err error, details string) *TransferError {
	return &TransferError{Op: op, Err: err, Details: details}
}
