// Package errcodes enumerates the coded failure kinds the coordinator and
// its collaborators return, wrapped through github.com/molecula/arraydb/errors.
package errcodes

import "github.com/molecula/arraydb/errors"

const (
	InvalidURI          errors.Code = "InvalidURI"
	UnsupportedScheme   errors.Code = "UnsupportedScheme"
	NotFound            errors.Code = "NotFound"
	AlreadyExists       errors.Code = "AlreadyExists"
	EncryptionMismatch  errors.Code = "EncryptionMismatch"
	PermissionDenied    errors.Code = "PermissionDenied"
	IOError             errors.Code = "IOError"
	LockFailure         errors.Code = "LockFailure"
	ParseError          errors.Code = "ParseError"
	Cancelled           errors.Code = "Cancelled"
	InvalidArgument     errors.Code = "InvalidArgument"
	Internal            errors.Code = "Internal"
)
