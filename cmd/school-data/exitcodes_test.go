package main

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/edulink-sl/edulink/modules/registry/services"
)

func TestExitCode_NilIsOK(t *testing.T) {
	if got := exitCode(nil); got != exitOK {
		t.Fatalf("unexpected exit code: %d", got)
	}
}

func TestExitCode_UnwrapsThroughWrapping(t *testing.T) {
	err := fmt.Errorf("outer: %w", withCode(exitUsage, errors.New("inner")))
	if got := exitCode(err); got != exitUsage {
		t.Fatalf("unexpected exit code: %d", got)
	}
}

func TestExitCode_PlainErrorIsOne(t *testing.T) {
	if got := exitCode(errors.New("boom")); got != 1 {
		t.Fatalf("unexpected exit code: %d", got)
	}
}

func TestServiceErr_MapsStatusToExitCode(t *testing.T) {
	cases := []struct {
		status int
		want   int
	}{
		{http.StatusConflict, exitConflict},
		{http.StatusBadRequest, exitValidation},
		{http.StatusNotFound, exitValidation},
		{http.StatusInternalServerError, exitDB},
	}
	for _, tc := range cases {
		err := serviceErr(&services.ServiceError{Status: tc.status, Code: "X", Message: "x"})
		if got := exitCode(err); got != tc.want {
			t.Fatalf("status %d: got exit %d, want %d", tc.status, got, tc.want)
		}
	}
}

func TestServiceErr_NonServiceErrorFallsBackToDB(t *testing.T) {
	if got := exitCode(serviceErr(errors.New("conn refused"))); got != exitDB {
		t.Fatalf("unexpected exit code: %d", got)
	}
}
