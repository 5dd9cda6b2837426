// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package grnflow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDataIntegrity is the root of all errors caused by
	// inconsistent or insufficient input data.
	ErrDataIntegrity = errors.New("data integrity error")
	// ErrShapeMismatch means two sources that must describe the
	// same cells (or genes) do not.
	ErrShapeMismatch = fmt.Errorf("%w: shape mismatch", ErrDataIntegrity)
	// ErrMissingAttribute means a named metadata column does not
	// exist.
	ErrMissingAttribute = fmt.Errorf("%w: missing attribute", ErrDataIntegrity)
)

// ProcessError reports a non-zero exit from an external program.
type ProcessError struct {
	Name     string
	Command  []string
	ExitCode int
	Stderr   []byte
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("%s: %q exited %d", e.Name, strings.Join(e.Command, " "), e.ExitCode)
	if tail := stderrTail(e.Stderr, 20); tail != "" {
		msg += ":\n" + tail
	}
	return msg
}

// stderrTail returns the last n non-empty lines of buf.
func stderrTail(buf []byte, n int) string {
	lines := strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
