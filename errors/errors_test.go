package errors_test

import (
	"fmt"
	"testing"

	"github.com/molecula/arraydb/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrors(t *testing.T) {
	t.Run("Is", func(t *testing.T) {
		uncoded := newUncoded("uncoded error")
		nf := newErrNotFound("frag")
		mism := newErrEncryptionMismatch("arr")
		nfCustom := errors.New(errNotFound, "custom not-found message")

		tests := []struct {
			err    error
			target errors.Code
			exp    bool
		}{
			{
				err:    uncoded,
				target: errUncoded,
				exp:    true,
			},
			{
				err:    uncoded,
				target: errNotFound,
				exp:    false,
			},
			{
				err:    nf,
				target: errNotFound,
				exp:    true,
			},
			{
				err:    nf,
				target: errEncryptionMismatch,
				exp:    false,
			},
			{
				err:    errors.Wrap(mism, "with message"),
				target: errEncryptionMismatch,
				exp:    true,
			},
			{
				err:    nfCustom,
				target: errNotFound,
				exp:    true,
			},
		}

		for i, test := range tests {
			t.Run(fmt.Sprintf("test-%d", i), func(t *testing.T) {
				got := errors.Is(test.err, test.target)
				assert.Equal(t, test.exp, got)
			})
		}
	})
}

// Test error codes.

const (
	errUncoded            errors.Code = "Uncoded"
	errNotFound           errors.Code = "NotFound"
	errEncryptionMismatch errors.Code = "EncryptionMismatch"
)

func newUncoded(message string) error {
	return errors.New(
		errUncoded,
		message,
	)
}

func newErrNotFound(what string) error {
	return errors.New(
		errNotFound,
		"not found: "+what,
	)
}

func newErrEncryptionMismatch(uri string) error {
	return errors.New(
		errEncryptionMismatch,
		"encryption key mismatch for: "+uri,
	)
}
