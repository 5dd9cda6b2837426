// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package grnflow

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/check.v1"
)

type enrichSuite struct {
	tmpdir    string
	container string
	regulons  string
}

var _ = check.Suite(&enrichSuite{})

func (s *enrichSuite) SetUpTest(c *check.C) {
	s.tmpdir = c.MkDir()
	src := filepath.Join(s.tmpdir, "src")
	writeTestSource(c, src)
	s.container = filepath.Join(s.tmpdir, "anndata.container")
	_, err := exportExpression(exportOptions{
		Source:      src,
		GeneSymbols: "gene_symbols",
		Cohort:      cohortFilter{Attribute: "donor", Value: "nst9"},
		Output:      s.container,
	})
	c.Assert(err, check.IsNil)
	s.regulons = filepath.Join(s.tmpdir, "reg.gmt")
	c.Assert(os.WriteFile(s.regulons, []byte("G5(+)\t\tG5\tG6\nG1(+)\t\tG1\tG2\tG3\tNOTINDATA\nX(+)\t\tNOTINDATA\n"), 0644), check.IsNil)
}

func (s *enrichSuite) writeAUC(c *check.C, content string) string {
	path := filepath.Join(s.tmpdir, "auc.csv")
	c.Assert(os.WriteFile(path, []byte(content), 0644), check.IsNil)
	return path
}

func (s *enrichSuite) TestEnrich(c *check.C) {
	// cell order differs from the container, X(+) has no genes in
	// the data
	auc := s.writeAUC(c, `Cell,X(+),G1(+),G5(+)
c2,0,0.8,0.1
c1,0,0.9,0.05
c4,0,0.05,0.9
c3,0,0.1,0.8
`)
	out := filepath.Join(s.tmpdir, "anndata_output.container")
	c.Assert(enrichContainer(s.container, s.regulons, auc, out), check.IsNil)
	ctr, err := readContainer(out)
	c.Assert(err, check.IsNil)
	c.Check(ctr.enriched(), check.Equals, true)
	c.Check(ctr.Regulons, check.DeepEquals, []string{"G1(+)", "G5(+)"})
	c.Check(ctr.Cells, check.DeepEquals, []string{"c1", "c2", "c3", "c4"})
	c.Check(ctr.AUC.RawRowView(0), check.DeepEquals, []float64{0.9, 0.05})
	c.Check(ctr.AUC.RawRowView(3), check.DeepEquals, []float64{0.05, 0.9})
	// genes G1 G2 G3 G3-1 G5 G6
	var members [][]float64
	for i := range ctr.Genes {
		members = append(members, ctr.Membership.RawRowView(i))
	}
	c.Check(members, check.DeepEquals, [][]float64{{1, 0}, {1, 0}, {1, 0}, {0, 0}, {0, 1}, {0, 1}})
}

func (s *enrichSuite) TestCellMismatch(c *check.C) {
	out := filepath.Join(s.tmpdir, "out")
	auc := s.writeAUC(c, "Cell,G1(+),G5(+)\nc1,1,0\nc2,1,0\nc3,0,1\n")
	err := enrichContainer(s.container, s.regulons, auc, out)
	c.Check(errors.Is(err, ErrShapeMismatch), check.Equals, true)

	auc = s.writeAUC(c, "Cell,G1(+),G5(+)\nc1,1,0\nc2,1,0\nc3,0,1\nc9,0,1\n")
	err = enrichContainer(s.container, s.regulons, auc, out)
	c.Check(errors.Is(err, ErrShapeMismatch), check.Equals, true)

	_, err = os.Stat(out)
	c.Check(os.IsNotExist(err), check.Equals, true)
}

func (s *enrichSuite) TestUndefinedRegulon(c *check.C) {
	auc := s.writeAUC(c, "Cell,G1(+),Z(+)\nc1,1,0\nc2,1,0\nc3,0,1\nc4,0,1\n")
	err := enrichContainer(s.container, s.regulons, auc, filepath.Join(s.tmpdir, "out"))
	c.Check(errors.Is(err, ErrShapeMismatch), check.Equals, true)
	c.Check(err, check.ErrorMatches, `.*regulon "Z\(\+\)".*`)
}

func (s *enrichSuite) TestNoUsableRegulons(c *check.C) {
	auc := s.writeAUC(c, "Cell,X(+)\nc1,1\nc2,1\nc3,0\nc4,0\n")
	err := enrichContainer(s.container, s.regulons, auc, filepath.Join(s.tmpdir, "out"))
	c.Check(errors.Is(err, ErrDataIntegrity), check.Equals, true)
}
