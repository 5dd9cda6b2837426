// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package grnflow

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/check.v1"
)

type exportSuite struct{}

var _ = check.Suite(&exportSuite{})

func (s *exportSuite) TestExportCohort(c *check.C) {
	tmpdir := c.MkDir()
	src := filepath.Join(tmpdir, "src")
	writeTestSource(c, src)
	out := filepath.Join(tmpdir, "anndata.container")
	var stderr bytes.Buffer
	code := (&exportMatrix{}).RunCommand("grnflow export-matrix", []string{
		"-source", src,
		"-cohort-attribute", "donor",
		"-cohort-value", "nst9",
		"-o", out,
	}, nil, &bytes.Buffer{}, &stderr)
	c.Assert(code, check.Equals, 0, check.Commentf("%s", stderr.String()))

	ctr, err := readContainer(out)
	c.Assert(err, check.IsNil)
	c.Check(ctr.Cells, check.DeepEquals, []string{"c1", "c2", "c3", "c4"})
	c.Check(ctr.Genes, check.DeepEquals, []string{"G1", "G2", "G3", "G3-1", "G5", "G6"})
	c.Check(ctr.NGene, check.DeepEquals, []int{3, 3, 2, 3})
	c.Check(ctr.NUMI, check.DeepEquals, []float64{9, 7, 8, 9})
	c.Check(ctr.enriched(), check.Equals, false)
	r, cols := ctr.Expr.Dims()
	c.Check(r, check.Equals, 6)
	c.Check(cols, check.Equals, 4)
	// gene G5 (row 4) in cell c3 (column 2)
	c.Check(ctr.Expr.At(4, 2), check.Equals, 6.0)

	buf, err := os.ReadFile(expressionPath(out))
	c.Assert(err, check.IsNil)
	lines := strings.Split(strings.TrimSpace(string(buf)), "\n")
	c.Check(lines, check.HasLen, 5)
	c.Check(lines[0], check.Equals, "CellID,G1,G2,G3,G3-1,G5,G6")
	c.Check(lines[1], check.Equals, "c1,5.0,3.0,0.0,1.0,0.0,0.0")
}

func (s *exportSuite) TestExportAllCells(c *check.C) {
	tmpdir := c.MkDir()
	src := filepath.Join(tmpdir, "src")
	writeTestSource(c, src)
	ctr, err := exportExpression(exportOptions{Source: src, GeneSymbols: "gene_symbols", Output: filepath.Join(tmpdir, "out")})
	c.Assert(err, check.IsNil)
	c.Check(ctr.Cells, check.HasLen, 6)
}

func (s *exportSuite) TestEmptyCohort(c *check.C) {
	tmpdir := c.MkDir()
	src := filepath.Join(tmpdir, "src")
	writeTestSource(c, src)
	out := filepath.Join(tmpdir, "out")
	_, err := exportExpression(exportOptions{
		Source:      src,
		GeneSymbols: "gene_symbols",
		Cohort:      cohortFilter{Attribute: "donor", Value: "nobody"},
		Output:      out,
	})
	c.Check(errors.Is(err, ErrDataIntegrity), check.Equals, true)
	_, err = os.Stat(out)
	c.Check(os.IsNotExist(err), check.Equals, true)
}

func (s *exportSuite) TestMissingCohortAttribute(c *check.C) {
	tmpdir := c.MkDir()
	src := filepath.Join(tmpdir, "src")
	writeTestSource(c, src)
	_, err := exportExpression(exportOptions{
		Source:      src,
		GeneSymbols: "gene_symbols",
		Cohort:      cohortFilter{Attribute: "batch", Value: "1"},
		Output:      filepath.Join(tmpdir, "out"),
	})
	c.Check(errors.Is(err, ErrMissingAttribute), check.Equals, true)
}

func (s *exportSuite) TestUsage(c *check.C) {
	var stderr bytes.Buffer
	code := (&exportMatrix{}).RunCommand("grnflow export-matrix", nil, nil, &bytes.Buffer{}, &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?s).*must specify -source.*`)
	code = (&exportMatrix{}).RunCommand("grnflow export-matrix", []string{"-source", "x", "-o", "y", "extra"}, nil, &bytes.Buffer{}, &stderr)
	c.Check(code, check.Equals, 2)
}
