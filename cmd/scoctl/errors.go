package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/btsco/internal/scenario"
	"github.com/srg/btsco/pkg/config"
)

// Command-level errors
var (
	// ErrScenarioFailed is returned by replay when at least one step missed its
	// expectations. The report has already been printed at that point.
	ErrScenarioFailed = errors.New("scenario failed")
)

// FormatUserError turns an error chain into a message for the terminal.
// Joined expectation failures are listed one per line.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrScenarioFailed):
		var lines []string
		for _, e := range unwrapJoined(err) {
			if errors.Is(e, scenario.ErrExpectation) {
				lines = append(lines, "  "+strings.TrimSuffix(e.Error(), ": "+scenario.ErrExpectation.Error()))
			}
		}
		head := fmt.Sprintf("%s: %d expectation(s) not met", ErrScenarioFailed, len(lines))
		if len(lines) == 0 {
			return head
		}
		return head + "\n" + strings.Join(lines, "\n")
	case errors.Is(err, config.ErrInvalidConfig):
		return fmt.Sprintf("%v (see --config)", err)
	}
	return err.Error()
}

// unwrapJoined flattens errors.Join trees, including ones wrapped with %w.
func unwrapJoined(err error) []error {
	switch e := err.(type) {
	case interface{ Unwrap() []error }:
		var out []error
		for _, inner := range e.Unwrap() {
			out = append(out, unwrapJoined(inner)...)
		}
		return out
	case interface{ Unwrap() error }:
		if errors.Is(err, scenario.ErrExpectation) && !isJoin(e.Unwrap()) {
			return []error{err}
		}
		return unwrapJoined(e.Unwrap())
	}
	return []error{err}
}

func isJoin(err error) bool {
	_, ok := err.(interface{ Unwrap() []error })
	return ok
}
