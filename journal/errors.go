package journal

import (
	"github.com/pkg/errors"
)

var (
	// ErrReadOnly means there are not enough rw devices to write a
	// journal replica.
	ErrReadOnly = errors.New("journal: insufficient rw devices")

	// ErrIO is latched after any replica write fails; it is irreversible
	// until re-mount.
	ErrIO = errors.New("journal: i/o error")

	// ErrInterrupted is returned to waiters woken by shutdown.
	ErrInterrupted = errors.New("journal: interrupted")

	// ErrNoSpace means a reservation can never be satisfied by the
	// configured entry and bucket sizes.
	ErrNoSpace = errors.New("journal: no space")
)
