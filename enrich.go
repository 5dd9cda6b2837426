// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package grnflow

import (
	"fmt"
	"strconv"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// readAUCTable reads a cells × regulons table with a header row
// (first header cell is the index name, e.g. "Cell").
func readAUCTable(path string) (cells, regulons []string, auc *mat.Dense, err error) {
	header, rows, err := readCSVFile(path)
	if err != nil {
		return nil, nil, nil, err
	}
	regulons = header[1:]
	if len(regulons) == 0 || len(rows) == 0 {
		return nil, nil, nil, fmt.Errorf("%s: %w: empty AUC table", path, ErrDataIntegrity)
	}
	auc = mat.NewDense(len(rows), len(regulons), nil)
	for i, row := range rows {
		if len(row) != len(header) {
			return nil, nil, nil, fmt.Errorf("%s: %w: row %d has %d fields, header has %d", path, ErrShapeMismatch, i+2, len(row), len(header))
		}
		cells = append(cells, row[0])
		for j, field := range row[1:] {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("%s: row %d: %w", path, i+2, err)
			}
			auc.Set(i, j, v)
		}
	}
	return cells, regulons, auc, nil
}

// enrichContainer combines an export container, the pruned regulons,
// and the AUCell scores into an enriched container at outPath.
func enrichContainer(containerPath, regulonPath, aucPath, outPath string) error {
	c, err := readContainer(containerPath)
	if err != nil {
		return err
	}
	sigs, err := loadSignatures(regulonPath)
	if err != nil {
		return err
	}
	aucCells, aucRegulons, auc, err := readAUCTable(aucPath)
	if err != nil {
		return err
	}

	// Map AUC rows onto container cell order.
	aucRow := make(map[string]int, len(aucCells))
	for i, id := range aucCells {
		aucRow[id] = i
	}
	if len(aucRow) != len(c.Cells) {
		return fmt.Errorf("%w: %s has %d cells, %s has %d", ErrShapeMismatch, aucPath, len(aucRow), containerPath, len(c.Cells))
	}
	rowOrder := make([]int, len(c.Cells))
	for i, id := range c.Cells {
		row, ok := aucRow[id]
		if !ok {
			return fmt.Errorf("%w: cell %q from %s is missing in %s", ErrShapeMismatch, id, containerPath, aucPath)
		}
		rowOrder[i] = row
	}

	aucCol := make(map[string]int, len(aucRegulons))
	for j, name := range aucRegulons {
		aucCol[name] = j
	}
	geneRow := make(map[string]int, len(c.Genes))
	for i, g := range c.Genes {
		geneRow[g] = i
	}
	type column struct {
		name    string
		aucCol  int
		members []int
	}
	var cols []column
	for _, sig := range sigs {
		j, ok := aucCol[sig.Name]
		if !ok {
			log.Warnf("regulon %q has no AUC scores in %s, skipping", sig.Name, aucPath)
			continue
		}
		delete(aucCol, sig.Name)
		col := column{name: sig.Name, aucCol: j}
		for _, g := range sig.Genes {
			if i, ok := geneRow[g]; ok {
				col.members = append(col.members, i)
			}
		}
		if len(col.members) == 0 {
			log.Warnf("regulon %q has no target genes in %s, skipping", sig.Name, containerPath)
			continue
		}
		cols = append(cols, col)
	}
	for _, name := range aucRegulons {
		if _, unused := aucCol[name]; !unused {
			continue
		}
		return fmt.Errorf("%w: regulon %q in %s is not defined in %s", ErrShapeMismatch, name, aucPath, regulonPath)
	}
	if len(cols) == 0 {
		return fmt.Errorf("%w: no regulons with target genes in %s", ErrDataIntegrity, containerPath)
	}

	c.Regulons = make([]string, len(cols))
	c.Membership = mat.NewDense(len(c.Genes), len(cols), nil)
	c.AUC = mat.NewDense(len(c.Cells), len(cols), nil)
	for j, col := range cols {
		c.Regulons[j] = col.name
		for _, i := range col.members {
			c.Membership.Set(i, j, 1)
		}
		for i, row := range rowOrder {
			c.AUC.Set(i, j, auc.At(row, col.aucCol))
		}
	}
	return writeContainer(outPath, c)
}
