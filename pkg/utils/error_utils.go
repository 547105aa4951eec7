/*
 * plex-relay exposes Plex's Live TV lineup to IPTV clients and relays the streams.
 * Copyright (C) 2025  Lucas Duport
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Relay failure taxonomy. Handlers map these onto HTTP statuses; background
// workers log them and keep serving last-good state.
var (
	// ErrUnknownChannel means the channel id is not in the current lineup snapshot
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrUpstreamUnavailable means Plex could not be reached or returned a server error
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrSessionAcquisition means Plex rejected the playback token negotiation
	ErrSessionAcquisition = errors.New("session acquisition failed")
	// ErrNotFound is returned by caches for unfetchable entries (logos, TMS ids)
	ErrNotFound = errors.New("not found")
)

// ErrorDetailLevel represents the level of error detail to display
type ErrorDetailLevel int

const (
	// ErrorDetailNone suppresses all additional error information
	ErrorDetailNone ErrorDetailLevel = iota
	// ErrorDetailSimple shows basic file, line and function information (default)
	ErrorDetailSimple
	// ErrorDetailFull shows complete error information including stack traces
	ErrorDetailFull
)

// getErrorDetailLevel returns the configured error detail level from environment
func getErrorDetailLevel() ErrorDetailLevel {
	switch strings.ToLower(os.Getenv("ERROR_DETAIL_LEVEL")) {
	case "none":
		return ErrorDetailNone
	case "full":
		return ErrorDetailFull
	default:
		return ErrorDetailSimple
	}
}

// formatError formats the error based on the detail level
func formatError(err error) error {
	if err == nil {
		return nil
	}

	pc, file, line, ok := runtime.Caller(2)
	if !ok {
		return fmt.Errorf("error occurred: %v", err)
	}
	fnName := runtime.FuncForPC(pc).Name()

	if getErrorDetailLevel() == ErrorDetailFull {
		buffer := make([]byte, 4096)
		n := runtime.Stack(buffer, false)
		stackLines := strings.Split(string(buffer[:n]), "\n")
		if len(stackLines) > 0 {
			stackLines = stackLines[1:]
		}

		return fmt.Errorf(`
Error Location:
  Full Path: %s
  File: %s
  Line: %d
  Function: %s
Error Details:
  %v
Stack Trace:
%s`, file, filepath.Base(file), line, fnName, err, strings.Join(stackLines, "\n"))
	}

	return fmt.Errorf("%s:%d [%s]: %v",
		filepath.Base(file),
		line,
		filepath.Base(fnName),
		err)
}

// ErrorWithLocation wraps an error with location information based on detail level
func ErrorWithLocation(err error) error {
	if err == nil {
		return nil
	}
	return formatError(err)
}

// PrintErrorAndReturn prints the error to stderr (if detail level is not None) and returns it
func PrintErrorAndReturn(err error) error {
	if err == nil {
		return nil
	}

	wrappedErr := formatError(err)

	if getErrorDetailLevel() != ErrorDetailNone {
		fmt.Fprintln(os.Stderr, wrappedErr)
	}

	return wrappedErr
}
