// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package grnflow

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// formatFloat renders v the way python's repr(float) (and therefore
// pandas.to_csv) does, so our tables can be diffed against tables
// produced by the python tooling.
func formatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return ""
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	exp := 0
	if v != 0 {
		s := strconv.FormatFloat(v, 'e', -1, 64)
		exp, _ = strconv.Atoi(s[strings.IndexByte(s, 'e')+1:])
	}
	if exp < -4 || exp >= 16 {
		return strconv.FormatFloat(v, 'e', -1, 64)
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// pyString renders s as a python string literal.
func pyString(s string) string {
	quote := "'"
	if strings.Contains(s, "'") && !strings.Contains(s, `"`) {
		quote = `"`
	}
	var b strings.Builder
	b.WriteString(quote)
	for _, r := range s {
		switch {
		case r == '\\':
			b.WriteString(`\\`)
		case string(r) == quote:
			b.WriteString(`\` + quote)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteString(quote)
	return b.String()
}

// pyList renders a python list literal of strings, e.g. ['a', 'b'].
func pyList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = pyString(s)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// writeFileAtomic calls write with a buffered writer on a temporary
// file in the same directory as path, and renames the temporary file
// to path only if everything succeeded.
func writeFileAtomic(path string, write func(io.Writer) error) error {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	f, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return err
	}
	done := false
	defer func() {
		if !done {
			f.Close()
			os.Remove(f.Name())
		}
	}()
	bufw := bufio.NewWriterSize(f, 1<<20)
	err = write(bufw)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	err = bufw.Flush()
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	err = f.Chmod(0644)
	if err != nil {
		return err
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	err = os.Rename(f.Name(), path)
	if err != nil {
		os.Remove(f.Name())
		return err
	}
	done = true
	return nil
}

// writeDirAtomic is like writeFileAtomic, but populates a temporary
// directory and renames it to path. An existing directory at path is
// replaced.
func writeDirAtomic(path string, populate func(tmpdir string) error) error {
	path = filepath.Clean(path)
	tmpdir, err := os.MkdirTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	err = populate(tmpdir)
	if err == nil {
		err = os.Chmod(tmpdir, 0755)
	}
	if err == nil {
		err = os.RemoveAll(path)
	}
	if err == nil {
		err = os.Rename(tmpdir, path)
	}
	if err != nil {
		os.RemoveAll(tmpdir)
		return err
	}
	return nil
}

// tempSibling returns the name of a new, empty temporary file in the
// same directory as path. The name ends with the base name of path,
// so programs that choose a file format based on the extension still
// do the right thing.
func tempSibling(path string) (string, error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	f, err := os.CreateTemp(dir, ".tmp-*-"+base)
	if err != nil {
		return "", err
	}
	return f.Name(), f.Close()
}

// readCSVFile returns the header row and the data rows of a
// comma-separated file.
func readCSVFile(path string) (header []string, rows [][]string, err error) {
	f, err := open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	rdr := csv.NewReader(bufio.NewReader(f))
	header, err = rdr.Read()
	if err == io.EOF {
		return nil, nil, fmt.Errorf("%s: %w: empty file", path, ErrDataIntegrity)
	} else if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	rows, err = rdr.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return header, rows, nil
}

// columnIndex returns the index of the named column in header, or -1.
func columnIndex(header []string, name string) int {
	for i, h := range header {
		if h == name {
			return i
		}
	}
	return -1
}
