// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package grnflow

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// dataset is an annotated cells × genes expression matrix, as
// exported by AnnData's write_csvs (obs.csv, var.csv, X.csv) with
// X optionally stored as X.npy or X.csv.gz instead.
type dataset struct {
	cells   []string
	obsCols []string
	obs     map[string][]string
	genes   []string
	X       *mat.Dense // cells × genes
}

// obsColumn returns the named per-cell metadata column.
func (ds *dataset) obsColumn(name string) ([]string, error) {
	col, ok := ds.obs[name]
	if !ok {
		return nil, fmt.Errorf("%w: no per-cell attribute %q (have %q)", ErrMissingAttribute, name, ds.obsCols)
	}
	return col, nil
}

// subset returns a new dataset with only the given cells (indices
// into ds.cells), in the given order.
func (ds *dataset) subset(idx []int) *dataset {
	out := &dataset{
		cells:   make([]string, len(idx)),
		obsCols: ds.obsCols,
		obs:     make(map[string][]string, len(ds.obs)),
		genes:   ds.genes,
	}
	if ds.X != nil {
		_, ngenes := ds.X.Dims()
		out.X = mat.NewDense(len(idx), ngenes, nil)
	}
	for _, name := range ds.obsCols {
		out.obs[name] = make([]string, len(idx))
	}
	for i, row := range idx {
		out.cells[i] = ds.cells[row]
		for _, name := range ds.obsCols {
			out.obs[name][i] = ds.obs[name][row]
		}
		if ds.X != nil {
			out.X.SetRow(i, ds.X.RawRowView(row))
		}
	}
	return out
}

// readSource loads an annotated expression source directory. If
// geneSymbols is not empty, it names the var.csv column to use as
// gene names instead of the index column. Gene names are made
// unique.
func readSource(dir, geneSymbols string) (*dataset, error) {
	ds, err := readObs(dir)
	if err != nil {
		return nil, err
	}

	header, rows, err := readCSVFile(filepath.Join(dir, "var.csv"))
	if err != nil {
		return nil, err
	}
	col := 0
	if geneSymbols != "" {
		col = columnIndex(header, geneSymbols)
		if col < 1 {
			return nil, fmt.Errorf("%s: %w: no per-gene attribute %q (have %q)", dir, ErrMissingAttribute, geneSymbols, header[1:])
		}
	}
	for _, row := range rows {
		ds.genes = append(ds.genes, row[col])
	}
	ds.genes = makeUnique(ds.genes)

	ds.X, err = readExpression(dir)
	if err != nil {
		return nil, err
	}
	if r, c := ds.X.Dims(); r != len(ds.cells) || c != len(ds.genes) {
		return nil, fmt.Errorf("%s: %w: matrix is %d×%d, but there are %d cells and %d genes", dir, ErrShapeMismatch, r, c, len(ds.cells), len(ds.genes))
	}
	log.Printf("read %s: %d cells, %d genes", dir, len(ds.cells), len(ds.genes))
	return ds, nil
}

// readObs loads only the per-cell metadata (obs.csv) of an annotated
// expression source. The returned dataset has no genes and no X.
func readObs(dir string) (*dataset, error) {
	ds := &dataset{obs: map[string][]string{}}
	header, rows, err := readCSVFile(filepath.Join(dir, "obs.csv"))
	if err != nil {
		return nil, err
	}
	ds.obsCols = header[1:]
	for _, name := range ds.obsCols {
		ds.obs[name] = make([]string, 0, len(rows))
	}
	for _, row := range rows {
		ds.cells = append(ds.cells, row[0])
		for i, name := range ds.obsCols {
			ds.obs[name] = append(ds.obs[name], row[i+1])
		}
	}
	return ds, nil
}

// readExpression reads the X matrix from X.npy, X.csv.gz, or X.csv
// (whichever is found first).
func readExpression(dir string) (*mat.Dense, error) {
	for _, fnm := range []string{"X.npy", "X.csv.gz", "X.csv"} {
		path := filepath.Join(dir, fnm)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		if fnm == "X.npy" {
			return readNpyMatrix(path)
		}
		return readCSVMatrix(path)
	}
	_, err := os.Stat(filepath.Join(dir, "X.csv"))
	return nil, fmt.Errorf("no expression matrix (X.npy, X.csv.gz, X.csv) in %s: %w", dir, err)
}

func readNpyMatrix(path string) (*mat.Dense, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	npr, err := gonpy.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(npr.Shape) != 2 {
		return nil, fmt.Errorf("%s: %w: expected 2-D array, got shape %v", path, ErrShapeMismatch, npr.Shape)
	}
	rows, cols := npr.Shape[0], npr.Shape[1]
	if rows == 0 || cols == 0 {
		return nil, fmt.Errorf("%s: %w: empty matrix, shape %v", path, ErrDataIntegrity, npr.Shape)
	}
	var data []float64
	switch npr.Dtype {
	case "f4":
		f32, err := npr.GetFloat32()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		data = make([]float64, len(f32))
		for i, v := range f32 {
			data[i] = float64(v)
		}
	case "i4":
		i32, err := npr.GetInt32()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		data = make([]float64, len(i32))
		for i, v := range i32 {
			data[i] = float64(v)
		}
	case "i8":
		i64, err := npr.GetInt64()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		data = make([]float64, len(i64))
		for i, v := range i64 {
			data[i] = float64(v)
		}
	default:
		data, err = npr.GetFloat64()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if npr.ColumnMajor {
		return mat.DenseCopyOf(mat.NewDense(cols, rows, data).T()), nil
	}
	return mat.NewDense(rows, cols, data), nil
}

func readCSVMatrix(path string) (*mat.Dense, error) {
	f, err := zopen(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rdr := csv.NewReader(bufio.NewReaderSize(f, 1<<22))
	rdr.ReuseRecord = true
	var data []float64
	rows, cols := 0, 0
	for {
		rec, err := rdr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if rows == 0 {
			cols = len(rec)
		}
		for _, field := range rec {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: row %d: %w", path, rows+1, err)
			}
			data = append(data, v)
		}
		rows++
	}
	if rows == 0 {
		return nil, fmt.Errorf("%s: %w: empty matrix", path, ErrDataIntegrity)
	}
	return mat.NewDense(rows, cols, data), nil
}

// makeUnique renames duplicate names the way AnnData's
// var_names_make_unique does: the first occurrence is unchanged, and
// later occurrences get "-1", "-2", ... appended, skipping suffixes
// that would collide with another name.
func makeUnique(names []string) []string {
	out := append([]string(nil), names...)
	used := make(map[string]bool, len(names))
	for _, name := range names {
		used[name] = true
	}
	seen := make(map[string]int, len(names))
	for i, name := range names {
		n, dup := seen[name]
		if !dup {
			seen[name] = 0
			continue
		}
		for {
			n++
			candidate := name + "-" + strconv.Itoa(n)
			if !used[candidate] {
				out[i] = candidate
				used[candidate] = true
				break
			}
		}
		seen[name] = n
	}
	return out
}
