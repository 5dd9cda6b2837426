// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package grnflow

import (
	"os"
	"path/filepath"

	"gopkg.in/check.v1"
)

type configSuite struct{}

var _ = check.Suite(&configSuite{})

func writeConfig(c *check.C, dir, content string) string {
	path := filepath.Join(dir, "grnflow.yml")
	c.Assert(os.WriteFile(path, []byte(content), 0644), check.IsNil)
	return path
}

const minimalConfig = `
source: anndata_csv
tfs: hs_hgnc_tfs.txt
ranking_dbs: "*.feather"
motif_annotations: motifs.tbl
comparison_feature: cell_type
`

func (s *configSuite) TestDefaults(c *check.C) {
	dir := c.MkDir()
	cfg, err := loadConfig(writeConfig(c, dir, minimalConfig))
	c.Assert(err, check.IsNil)
	c.Check(cfg.Workdir, check.Equals, dir)
	c.Check(cfg.GeneSymbols, check.Equals, "gene_symbols")
	c.Check(cfg.Scenic.Pyscenic, check.Equals, "pyscenic")
	c.Check(cfg.Scenic.NumWorkers, check.Equals, 20)
	c.Check(cfg.Scenic.Seed, check.Equals, -1)
	c.Check(cfg.Scenic.RunLocal, check.Equals, true)
	c.Check(cfg.Plot, check.DeepEquals, plotConfig{Output: "rss.png", TopN: 5, DPI: 600, Columns: 5})
	c.Check(cfg.Container, check.Equals, "anndata.container")
	c.Check(cfg.EnrichedContainer, check.Equals, "anndata_output.container")
	c.Check(cfg.path(cfg.Source), check.Equals, filepath.Join(dir, "anndata_csv"))
	c.Check(cfg.path("/abs/path"), check.Equals, "/abs/path")
}

func (s *configSuite) TestOverrides(c *check.C) {
	dir := c.MkDir()
	cfg, err := loadConfig(writeConfig(c, dir, minimalConfig+`
workdir: run1
gene_symbols: ""
cohort: {attribute: donor, value: nst9}
pyscenic: /opt/bin/pyscenic
num_workers: 4
seed: 42
min_genes: 10
plot: {output: out/rss.pdf, top_n: 3}
`))
	c.Assert(err, check.IsNil)
	c.Check(cfg.Workdir, check.Equals, filepath.Join(dir, "run1"))
	c.Check(cfg.GeneSymbols, check.Equals, "")
	c.Check(cfg.Cohort, check.Equals, cohortFilter{Attribute: "donor", Value: "nst9"})
	c.Check(cfg.Scenic.Pyscenic, check.Equals, "/opt/bin/pyscenic")
	c.Check(cfg.Scenic.NumWorkers, check.Equals, 4)
	c.Check(cfg.Scenic.Seed, check.Equals, 42)
	c.Check(cfg.MinGenes, check.Equals, 10)
	c.Check(cfg.Plot, check.DeepEquals, plotConfig{Output: "out/rss.pdf", TopN: 3, DPI: 600, Columns: 5})
}

func (s *configSuite) TestMissingFields(c *check.C) {
	_, err := loadConfig(writeConfig(c, c.MkDir(), "source: x\n"))
	c.Check(err, check.ErrorMatches, `.*missing required config fields: tfs, ranking_dbs, motif_annotations, comparison_feature`)
}

func (s *configSuite) TestUnknownField(c *check.C) {
	_, err := loadConfig(writeConfig(c, c.MkDir(), minimalConfig+"num_wrokers: 3\n"))
	c.Check(err, check.ErrorMatches, `(?s).*num_wrokers.*`)
}

func (s *configSuite) TestInvalid(c *check.C) {
	for _, extra := range []string{
		"num_workers: 0\n",
		"cohort: {value: nst9}\n",
		"plot: {dpi: 0}\n",
		"pca_components: -1\n",
	} {
		_, err := loadConfig(writeConfig(c, c.MkDir(), minimalConfig+extra))
		c.Check(err, check.NotNil, check.Commentf("%s", extra))
	}
}

func (s *configSuite) TestEmptyFile(c *check.C) {
	_, err := loadConfig(writeConfig(c, c.MkDir(), ""))
	c.Check(err, check.ErrorMatches, `.*missing required config fields: source.*`)
}
