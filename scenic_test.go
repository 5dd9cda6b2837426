// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package grnflow

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/check.v1"
)

type scenicSuite struct{}

var _ = check.Suite(&scenicSuite{})

func (s *scenicSuite) TestInvocations(c *check.C) {
	o := &scenicOptions{Pyscenic: "pyscenic", NumWorkers: 20, Seed: -1}
	inv := grnInvocation(o, "expr.csv", "tfs.txt", "adj.csv")
	c.Check(inv.Args, check.DeepEquals, []string{"grn", "{i:expression}", "{i:tfs}", "-o", "{o:adjacencies}", "--num_workers", "20"})

	inv = ctxInvocation(o, "adj.csv", []string{"a.feather", "b.feather"}, "motifs.tbl", "expr.csv", "reg.csv", 0)
	args, err := inv.expand(
		func(name string) string { return inv.Inputs[name] },
		func(name string) string { return inv.Outputs[name] })
	c.Assert(err, check.IsNil)
	c.Check(args, check.DeepEquals, []string{
		"ctx", "adj.csv", "a.feather", "b.feather",
		"--annotations_fname", "motifs.tbl",
		"--expression_mtx_fname", "expr.csv",
		"--output", "reg.csv",
		"--mask_dropouts",
		"--num_workers", "20",
	})

	o.Seed = 7
	inv = ctxInvocation(o, "adj.csv", []string{"a.feather"}, "motifs.tbl", "expr.csv", "reg.csv", 5)
	c.Check(inv.Args[len(inv.Args)-2:], check.DeepEquals, []string{"--min_genes", "5"})

	inv = aucellInvocation(o, "expr.csv", "reg.csv", "auc.csv")
	c.Check(inv.Args, check.DeepEquals, []string{"aucell", "{i:expression}", "{i:regulons}", "--output", "{o:auc}", "--num_workers", "20", "--seed", "7"})
}

func (s *scenicSuite) TestResolveRankingDBs(c *check.C) {
	dir := c.MkDir()
	for _, fnm := range []string{"hg38_b.feather", "hg38_a.feather", "mm10.feather"} {
		c.Assert(os.WriteFile(filepath.Join(dir, fnm), nil, 0644), check.IsNil)
	}
	dbs, err := resolveRankingDBs(filepath.Join(dir, "hg38*.feather"))
	c.Assert(err, check.IsNil)
	c.Check(dbs, check.DeepEquals, []string{filepath.Join(dir, "hg38_a.feather"), filepath.Join(dir, "hg38_b.feather")})

	_, err = resolveRankingDBs(filepath.Join(dir, "dm6*.feather"))
	c.Check(errors.Is(err, fs.ErrNotExist), check.Equals, true)
}

func (s *scenicSuite) TestAUCellCommand(c *check.C) {
	tmpdir := c.MkDir()
	src := filepath.Join(tmpdir, "src")
	writeTestSource(c, src)
	ctr := filepath.Join(tmpdir, "anndata.container")
	_, err := exportExpression(exportOptions{Source: src, GeneSymbols: "gene_symbols", Cohort: cohortFilter{Attribute: "donor", Value: "nst9"}, Output: ctr})
	c.Assert(err, check.IsNil)
	pyscenic := writeFakePyscenic(c, tmpdir)
	// A .gmt regulon file is accepted as well as ctx output.
	gmt := filepath.Join(tmpdir, "reg.gmt")
	c.Assert(os.WriteFile(gmt, []byte("G1(+)\t\tG1\tG2\nG5(+)\t\tG5\nG6(+)\t\tG6\n"), 0644), check.IsNil)

	var stdout, stderr bytes.Buffer
	out := filepath.Join(tmpdir, "anndata_output.container")
	code := (&scenicAUCell{}).RunCommand("grnflow aucell", []string{
		"-pyscenic", pyscenic,
		"-container", ctr,
		"-regulons", gmt,
		"-auc", filepath.Join(tmpdir, "auc.csv"),
		"-o", out,
	}, nil, &stdout, &stderr)
	c.Assert(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
	c.Check(stdout.String(), check.Equals, out+"\n")
	enriched, err := readContainer(out)
	c.Assert(err, check.IsNil)
	c.Check(enriched.Regulons, check.DeepEquals, []string{"G1(+)", "G5(+)", "G6(+)"})
}

func (s *scenicSuite) TestGRNFailure(c *check.C) {
	tmpdir := c.MkDir()
	src := filepath.Join(tmpdir, "src")
	writeTestSource(c, src)
	ctr := filepath.Join(tmpdir, "anndata.container")
	_, err := exportExpression(exportOptions{Source: src, GeneSymbols: "gene_symbols", Output: ctr})
	c.Assert(err, check.IsNil)
	tfs := filepath.Join(tmpdir, "tfs.txt")
	c.Assert(os.WriteFile(tfs, []byte("G1\n"), 0644), check.IsNil)
	prog := writeScript(c, tmpdir, "broken", "echo 'Killed' >&2\nexit 137\n")

	var stderr bytes.Buffer
	code := (&scenicGRN{}).RunCommand("grnflow grn", []string{
		"-pyscenic", prog,
		"-container", ctr,
		"-tfs", tfs,
		"-o", filepath.Join(tmpdir, "adj.csv"),
	}, nil, &bytes.Buffer{}, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?s).*exited 137:\nKilled\n`)
}
