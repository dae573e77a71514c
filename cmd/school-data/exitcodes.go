package main

import (
	"errors"
	"net/http"

	"github.com/edulink-sl/edulink/modules/registry/services"
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
	exitConflict   = 5
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

// serviceErr maps a service failure to the closest CLI exit code: 409s
// are conflicts, other 4xx are validation problems, the rest storage.
func serviceErr(err error) error {
	var svcErr *services.ServiceError
	if errors.As(err, &svcErr) {
		switch {
		case svcErr.Status == http.StatusConflict:
			return withCode(exitConflict, err)
		case svcErr.Status >= 400 && svcErr.Status < 500:
			return withCode(exitValidation, err)
		}
	}
	return withCode(exitDB, err)
}
