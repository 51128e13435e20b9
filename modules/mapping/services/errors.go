package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lahari-sy/finmap/modules/mapping/domain/record"
)

var (
	ErrUnknownDataset   = errors.New("mapping: unknown dataset")
	ErrUnknownHierarchy = errors.New("mapping: unknown hierarchy")
)

// DuplicateIdentityError rejects a batch in which two candidates share the
// full identity. Positions are the caller's row numbers.
type DuplicateIdentityError struct {
	Key     record.Key
	Columns []string
	First   int
	Second  int
}

func (e *DuplicateIdentityError) Error() string {
	return fmt.Sprintf(
		"duplicate identity %s on [%s] at rows %d and %d",
		e.Key, strings.Join(e.Columns, ", "), e.First, e.Second,
	)
}

// StoreError wraps any failed store call. Code carries the database error
// class when known.
type StoreError struct {
	Op    string
	Table string
	Code  string
	Err   error
}

func (e *StoreError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("mapping: store %s %s (%s): %v", e.Op, e.Table, e.Code, e.Err)
	}
	return fmt.Sprintf("mapping: store %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeError(op, table string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Table: table, Err: err}
}

// InputError reports a malformed request: missing columns, bad edit keys
// and the like.
type InputError struct {
	Msg string
}

func (e *InputError) Error() string {
	return e.Msg
}

func inputErrorf(format string, args ...any) error {
	return &InputError{Msg: fmt.Sprintf(format, args...)}
}
