// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package grnflow

import (
	"errors"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/check.v1"
)

type sourceSuite struct{}

var _ = check.Suite(&sourceSuite{})

func (s *sourceSuite) TestReadSource(c *check.C) {
	dir := c.MkDir()
	writeTestSource(c, dir)
	ds, err := readSource(dir, "gene_symbols")
	c.Assert(err, check.IsNil)
	c.Check(ds.cells, check.DeepEquals, []string{"c1", "c2", "c3", "c4", "c5", "c6"})
	c.Check(ds.genes, check.DeepEquals, []string{"G1", "G2", "G3", "G3-1", "G5", "G6"})
	c.Check(ds.obsCols, check.DeepEquals, []string{"donor", "cell_type"})
	r, cols := ds.X.Dims()
	c.Check(r, check.Equals, 6)
	c.Check(cols, check.Equals, 6)
	c.Check(ds.X.At(2, 4), check.Equals, 6.0)

	ds, err = readSource(dir, "")
	c.Assert(err, check.IsNil)
	c.Check(ds.genes[0], check.Equals, "ENSG1")
}

func (s *sourceSuite) TestMissingGeneSymbols(c *check.C) {
	dir := c.MkDir()
	writeTestSource(c, dir)
	_, err := readSource(dir, "symbol")
	c.Check(errors.Is(err, ErrMissingAttribute), check.Equals, true)
	c.Check(errors.Is(err, ErrDataIntegrity), check.Equals, true)
}

func (s *sourceSuite) TestShapeMismatch(c *check.C) {
	dir := c.MkDir()
	writeTestSource(c, dir)
	c.Assert(os.WriteFile(filepath.Join(dir, "X.csv"), []byte("1,2,3,4,5,6\n"), 0644), check.IsNil)
	_, err := readSource(dir, "gene_symbols")
	c.Check(errors.Is(err, ErrShapeMismatch), check.Equals, true)
}

func (s *sourceSuite) TestMissingMatrix(c *check.C) {
	dir := c.MkDir()
	writeTestSource(c, dir)
	c.Assert(os.Remove(filepath.Join(dir, "X.csv")), check.IsNil)
	_, err := readSource(dir, "gene_symbols")
	c.Check(errors.Is(err, os.ErrNotExist), check.Equals, true)
}

func (s *sourceSuite) TestNpyMatrix(c *check.C) {
	dir := c.MkDir()
	writeTestSource(c, dir)
	ds, err := readSource(dir, "gene_symbols")
	c.Assert(err, check.IsNil)
	c.Assert(os.Remove(filepath.Join(dir, "X.csv")), check.IsNil)
	c.Assert(writeNpyMatrix(filepath.Join(dir, "X.npy"), ds.X), check.IsNil)
	ds2, err := readSource(dir, "gene_symbols")
	c.Assert(err, check.IsNil)
	c.Check(mat.Equal(ds.X, ds2.X), check.Equals, true)
}

func (s *sourceSuite) TestMakeUnique(c *check.C) {
	c.Check(makeUnique([]string{"a", "a", "b", "a", "a-1"}), check.DeepEquals, []string{"a", "a-2", "b", "a-3", "a-1"})
	c.Check(makeUnique([]string{"x", "y"}), check.DeepEquals, []string{"x", "y"})
}

func (s *sourceSuite) TestSubset(c *check.C) {
	dir := c.MkDir()
	writeTestSource(c, dir)
	ds, err := readObs(dir)
	c.Assert(err, check.IsNil)
	c.Check(ds.X, check.IsNil)
	sub := ds.subset([]int{5, 0})
	c.Check(sub.cells, check.DeepEquals, []string{"c6", "c1"})
	col, err := sub.obsColumn("cell_type")
	c.Assert(err, check.IsNil)
	c.Check(col, check.DeepEquals, []string{"B", "A"})
}
