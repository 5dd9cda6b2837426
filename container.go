// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package grnflow

import (
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

const (
	containerMatrix     = "matrix.npy"
	containerGenes      = "genes.csv"
	containerCells      = "cells.csv"
	containerExpression = "expression.csv"
	containerRegulons   = "regulons.csv"
	containerMembership = "membership.npy"
	containerAUC        = "auc.npy"
)

// container is a genes × cells expression matrix with row and
// column attributes, stored as a directory. An enriched container
// also carries regulon membership (row attribute, genes × regulons)
// and AUC scores (column attribute, cells × regulons).
type container struct {
	Genes []string
	Cells []string
	NGene []int
	NUMI  []float64
	Expr  *mat.Dense // genes × cells

	Regulons   []string
	Membership *mat.Dense // genes × regulons
	AUC        *mat.Dense // cells × regulons
}

func (c *container) enriched() bool {
	return c.Regulons != nil
}

// expressionPath returns the path of the cells × genes CSV copy of
// the expression matrix inside the container at path.
func expressionPath(path string) string {
	return filepath.Join(path, containerExpression)
}

func writeContainer(path string, c *container) error {
	if r, cols := c.Expr.Dims(); r != len(c.Genes) || cols != len(c.Cells) {
		return fmt.Errorf("%w: expression matrix is %d×%d but container has %d genes, %d cells", ErrShapeMismatch, r, cols, len(c.Genes), len(c.Cells))
	}
	log.Printf("writing container %s: %d genes, %d cells, %d regulons", path, len(c.Genes), len(c.Cells), len(c.Regulons))
	return writeDirAtomic(path, func(dir string) error {
		err := writeNpyMatrix(filepath.Join(dir, containerMatrix), c.Expr)
		if err != nil {
			return err
		}
		err = writeFileAtomic(filepath.Join(dir, containerGenes), func(w io.Writer) error {
			return writeColumn(w, "Gene", c.Genes)
		})
		if err != nil {
			return err
		}
		err = writeFileAtomic(filepath.Join(dir, containerCells), func(w io.Writer) error {
			cw := csv.NewWriter(w)
			cw.Write([]string{"CellID", "nGene", "nUMI"})
			for i, id := range c.Cells {
				cw.Write([]string{id, strconv.Itoa(c.NGene[i]), formatFloat(c.NUMI[i])})
			}
			cw.Flush()
			return cw.Error()
		})
		if err != nil {
			return err
		}
		err = writeFileAtomic(filepath.Join(dir, containerExpression), func(w io.Writer) error {
			return writeCellsByGenes(w, c)
		})
		if err != nil {
			return err
		}
		if !c.enriched() {
			return nil
		}
		err = writeFileAtomic(filepath.Join(dir, containerRegulons), func(w io.Writer) error {
			return writeColumn(w, "Regulon", c.Regulons)
		})
		if err != nil {
			return err
		}
		err = writeNpyMatrix(filepath.Join(dir, containerMembership), c.Membership)
		if err != nil {
			return err
		}
		return writeNpyMatrix(filepath.Join(dir, containerAUC), c.AUC)
	})
}

// writeCellsByGenes writes the expression matrix transposed back to
// cells × genes, with a header row of gene names and an index column
// of cell IDs, which is what pyscenic expects from a .csv input.
func writeCellsByGenes(w io.Writer, c *container) error {
	cw := csv.NewWriter(w)
	cw.Write(append([]string{"CellID"}, c.Genes...))
	rec := make([]string, len(c.Genes)+1)
	for j, id := range c.Cells {
		rec[0] = id
		for i := range c.Genes {
			rec[i+1] = formatFloat(c.Expr.At(i, j))
		}
		cw.Write(rec)
	}
	cw.Flush()
	return cw.Error()
}

func writeColumn(w io.Writer, header string, values []string) error {
	cw := csv.NewWriter(w)
	cw.Write([]string{header})
	for _, v := range values {
		cw.Write([]string{v})
	}
	cw.Flush()
	return cw.Error()
}

func writeNpyMatrix(path string, m mat.Matrix) error {
	rows, cols := m.Dims()
	data := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			data = append(data, m.At(i, j))
		}
	}
	return writeFileAtomic(path, func(w io.Writer) error {
		npw, err := gonpy.NewWriter(nopCloser{w})
		if err != nil {
			return err
		}
		npw.Shape = []int{rows, cols}
		return npw.WriteFloat64(data)
	})
}

func readContainer(path string) (*container, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("%s: not a container directory", path)
	}
	c := &container{}
	_, rows, err := readCSVFile(filepath.Join(path, containerGenes))
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		c.Genes = append(c.Genes, row[0])
	}
	_, rows, err = readCSVFile(filepath.Join(path, containerCells))
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if len(row) < 3 {
			return nil, fmt.Errorf("%s: %w: short row %q", containerCells, ErrDataIntegrity, row)
		}
		ngene, err := strconv.Atoi(row[1])
		if err != nil {
			return nil, fmt.Errorf("%s: nGene: %w", containerCells, err)
		}
		numi, err := strconv.ParseFloat(row[2], 64)
		if err != nil {
			return nil, fmt.Errorf("%s: nUMI: %w", containerCells, err)
		}
		c.Cells = append(c.Cells, row[0])
		c.NGene = append(c.NGene, ngene)
		c.NUMI = append(c.NUMI, numi)
	}
	c.Expr, err = readNpyMatrix(filepath.Join(path, containerMatrix))
	if err != nil {
		return nil, err
	}
	if err := checkDims(containerMatrix, c.Expr, len(c.Genes), len(c.Cells)); err != nil {
		return nil, err
	}

	if _, err := os.Stat(filepath.Join(path, containerRegulons)); os.IsNotExist(err) {
		return c, nil
	}
	_, rows, err = readCSVFile(filepath.Join(path, containerRegulons))
	if err != nil {
		return nil, err
	}
	c.Regulons = make([]string, 0, len(rows))
	for _, row := range rows {
		c.Regulons = append(c.Regulons, row[0])
	}
	c.Membership, err = readNpyMatrix(filepath.Join(path, containerMembership))
	if err != nil {
		return nil, err
	}
	if err := checkDims(containerMembership, c.Membership, len(c.Genes), len(c.Regulons)); err != nil {
		return nil, err
	}
	c.AUC, err = readNpyMatrix(filepath.Join(path, containerAUC))
	if err != nil {
		return nil, err
	}
	if err := checkDims(containerAUC, c.AUC, len(c.Cells), len(c.Regulons)); err != nil {
		return nil, err
	}
	return c, nil
}

func checkDims(name string, m mat.Matrix, rows, cols int) error {
	if r, c := m.Dims(); r != rows || c != cols {
		return fmt.Errorf("%s: %w: matrix is %d×%d, expected %d×%d", name, ErrShapeMismatch, r, c, rows, cols)
	}
	return nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
