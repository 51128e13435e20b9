package main

import (
	"errors"

	"github.com/lahari-sy/finmap/modules/mapping/infrastructure/orchestration"
	"github.com/lahari-sy/finmap/modules/mapping/infrastructure/upload"
	"github.com/lahari-sy/finmap/modules/mapping/services"
)

type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string {
	return e.err.Error()
}

func (e *cliError) Unwrap() error {
	return e.err
}

const (
	exitOK         = 0
	exitValidation = 2
	exitUsage      = 3
	exitDB         = 4
	exitDBWrite    = 5
	exitPipeline   = 6
)

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &cliError{code: code, err: err}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return 1
}

// classify attaches an exit code to an error coming out of the mapping
// services.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var (
		ce       *cliError
		inputErr *services.InputError
		dupErr   *services.DuplicateIdentityError
		storeErr *services.StoreError
		apiErr   *orchestration.APIError
	)
	switch {
	case errors.As(err, &ce):
		return err
	case errors.Is(err, services.ErrUnknownDataset),
		errors.Is(err, services.ErrUnknownHierarchy),
		errors.Is(err, upload.ErrUnsupportedFormat):
		return withCode(exitUsage, err)
	case errors.As(err, &inputErr), errors.As(err, &dupErr):
		return withCode(exitValidation, err)
	case errors.As(err, &storeErr):
		switch storeErr.Op {
		case "stage", "merge", "drop staging":
			return withCode(exitDBWrite, err)
		}
		return withCode(exitDB, err)
	case errors.As(err, &apiErr),
		errors.Is(err, orchestration.ErrRunFailed),
		errors.Is(err, orchestration.ErrRunTimeout):
		return withCode(exitPipeline, err)
	}
	return err
}
