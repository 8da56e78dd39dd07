package broker

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

var (
	// ErrNoGroup is returned when reading through a group that does not exist on a topic.
	ErrNoGroup = errors.New("consumer group does not exist")
	// ErrInvalidID is returned for entry ids the backend cannot parse.
	ErrInvalidID = errors.New("invalid entry id")
	ErrClosed    = errors.New("broker closed")
)

type transientError struct {
	err error
}

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// Transient marks err as a connectivity problem worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err looks like a connection failure or timeout
// rather than a protocol or data error.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te transientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "sqlite_busy"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "i/o timeout"):
		return true
	}
	return false
}
