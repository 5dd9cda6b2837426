// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package grnflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// invocation describes one run of an external program. Args may
// refer to named input and output paths as {i:name} and {o:name};
// executors substitute whatever path is appropriate for the place
// the program actually runs.
type invocation struct {
	Name    string
	Prog    string
	Args    []string
	Inputs  map[string]string
	Outputs map[string]string
}

var placeholderRe = regexp.MustCompile(`\{([io]):([^}]+)\}`)

// expand returns Args with placeholders replaced by input(name) and
// output(name).
func (inv *invocation) expand(input, output func(string) string) ([]string, error) {
	var err error
	args := make([]string, len(inv.Args))
	for i, arg := range inv.Args {
		args[i] = placeholderRe.ReplaceAllStringFunc(arg, func(ph string) string {
			m := placeholderRe.FindStringSubmatch(ph)
			var known bool
			if m[1] == "i" {
				_, known = inv.Inputs[m[2]]
			} else {
				_, known = inv.Outputs[m[2]]
			}
			if !known {
				err = fmt.Errorf("%s: argument %q refers to undeclared path %q", inv.Name, arg, ph)
				return ph
			}
			if m[1] == "i" {
				return input(m[2])
			}
			return output(m[2])
		})
	}
	return args, err
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// processResult is what an executor reports about a finished
// program. A non-zero ExitCode is not an error at this level; see
// checkResult.
type processResult struct {
	Command  []string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	// Where each named output ended up.
	Outputs map[string]string
}

type executor interface {
	Execute(ctx context.Context, inv *invocation) (*processResult, error)
}

// runInvocation executes inv and turns a non-zero exit status into a
// *ProcessError.
func runInvocation(ctx context.Context, ex executor, inv *invocation) (*processResult, error) {
	res, err := ex.Execute(ctx, inv)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", inv.Name, err)
	}
	if err := checkResult(inv, res); err != nil {
		return res, err
	}
	return res, nil
}

func checkResult(inv *invocation, res *processResult) error {
	if res.ExitCode == 0 {
		return nil
	}
	return &ProcessError{
		Name:     inv.Name,
		Command:  res.Command,
		ExitCode: res.ExitCode,
		Stderr:   res.Stderr,
	}
}

// localExecutor runs programs on this host. Outputs are written to
// temporary files next to their final paths, and renamed into place
// only if the program exits 0.
type localExecutor struct {
	// Additional environment variables (KEY=value).
	Env []string
}

func (e *localExecutor) Execute(ctx context.Context, inv *invocation) (*processResult, error) {
	for _, name := range sortedKeys(inv.Inputs) {
		if _, err := os.Stat(inv.Inputs[name]); err != nil {
			return nil, err
		}
	}
	tmp := map[string]string{}
	defer func() {
		for _, path := range tmp {
			os.Remove(path)
		}
	}()
	for _, name := range sortedKeys(inv.Outputs) {
		path, err := tempSibling(inv.Outputs[name])
		if err != nil {
			return nil, err
		}
		tmp[name] = path
	}
	args, err := inv.expand(
		func(name string) string { return inv.Inputs[name] },
		func(name string) string { return tmp[name] })
	if err != nil {
		return nil, err
	}

	logger := log.WithField("stage", inv.Name)
	logger.Printf("running %q", append([]string{inv.Prog}, args...))
	var stdout, stderr bytes.Buffer
	logw := &lineLogger{logger: logger}
	cmd := exec.CommandContext(ctx, inv.Prog, args...)
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Stdout = &stdout
	cmd.Stderr = io.MultiWriter(&stderr, logw)
	err = cmd.Run()
	logw.Flush()
	res := &processResult{
		Command: append([]string{inv.Prog}, args...),
		Stdout:  stdout.Bytes(),
		Stderr:  stderr.Bytes(),
		Outputs: map[string]string{},
	}
	var exiterr *exec.ExitError
	if errors.As(err, &exiterr) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		res.ExitCode = exiterr.ExitCode()
		return res, nil
	} else if err != nil {
		return nil, err
	}
	for _, name := range sortedKeys(inv.Outputs) {
		fi, err := os.Stat(tmp[name])
		if err != nil {
			return nil, err
		} else if fi.Size() == 0 {
			return nil, fmt.Errorf("%s exited 0 but did not write output %q", inv.Prog, name)
		}
	}
	for _, name := range sortedKeys(inv.Outputs) {
		err = os.Rename(tmp[name], inv.Outputs[name])
		if err != nil {
			return nil, err
		}
		delete(tmp, name)
		res.Outputs[name] = inv.Outputs[name]
	}
	return res, nil
}

// lineLogger logs each complete line written to it. A carriage
// return ends a line too, so progress bars log one line per update.
type lineLogger struct {
	logger *log.Entry
	buf    []byte
	mtx    sync.Mutex
}

func (ll *lineLogger) Write(p []byte) (int, error) {
	ll.mtx.Lock()
	defer ll.mtx.Unlock()
	ll.buf = append(ll.buf, p...)
	for {
		eol := bytes.IndexAny(ll.buf, "\r\n")
		if eol < 0 {
			break
		}
		if eol > 0 {
			ll.logger.Print(string(ll.buf[:eol]))
		}
		ll.buf = ll.buf[eol+1:]
	}
	return len(p), nil
}

func (ll *lineLogger) Flush() {
	ll.mtx.Lock()
	defer ll.mtx.Unlock()
	if len(ll.buf) > 0 {
		ll.logger.Print(string(ll.buf))
		ll.buf = nil
	}
}
