// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package grnflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type plotConfig struct {
	Output  string `yaml:"output"`
	TopN    int    `yaml:"top_n"`
	DPI     int    `yaml:"dpi"`
	Columns int    `yaml:"columns"`
}

// pipelineConfig describes a whole run, from the annotated source to
// the RSS plot. Relative paths are relative to Workdir.
type pipelineConfig struct {
	Workdir           string        `yaml:"workdir"`
	Source            string        `yaml:"source"`
	GeneSymbols       string        `yaml:"gene_symbols"`
	Cohort            cohortFilter  `yaml:"cohort"`
	TFs               string        `yaml:"tfs"`
	RankingDBs        string        `yaml:"ranking_dbs"`
	MotifAnnotations  string        `yaml:"motif_annotations"`
	ComparisonFeature string        `yaml:"comparison_feature"`
	Scenic            scenicOptions `yaml:",inline"`
	MinGenes          int           `yaml:"min_genes"`
	PCAComponents     int           `yaml:"pca_components"`
	Plot              plotConfig    `yaml:"plot"`

	// Intermediate and final artifacts.
	Container         string `yaml:"container"`
	Adjacencies       string `yaml:"adjacencies"`
	Regulons          string `yaml:"regulons"`
	AUC               string `yaml:"auc"`
	EnrichedContainer string `yaml:"enriched_container"`
	OutputDir         string `yaml:"output_dir"`
}

func defaultConfig() *pipelineConfig {
	return &pipelineConfig{
		GeneSymbols: "gene_symbols",
		Scenic: scenicOptions{
			Pyscenic:   "pyscenic",
			NumWorkers: 20,
			Seed:       -1,
			RunLocal:   true,
			Priority:   500,
			RAM:        64000000000,
		},
		Plot: plotConfig{
			Output:  "rss.png",
			TopN:    5,
			DPI:     600,
			Columns: 5,
		},
		Container:         "anndata.container",
		Adjacencies:       "anndata_adj.csv",
		Regulons:          "anndata_reg.csv",
		AUC:               "aucell_auc.csv",
		EnrichedContainer: "anndata_output.container",
		OutputDir:         ".",
	}
}

// loadConfig reads a YAML config file. Omitted fields keep their
// default values. If workdir is empty or relative, it is taken
// relative to the directory containing the config file.
func loadConfig(path string) (*pipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := defaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	err = dec.Decode(cfg)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if !filepath.IsAbs(cfg.Workdir) {
		abs, err := filepath.Abs(filepath.Join(filepath.Dir(path), cfg.Workdir))
		if err != nil {
			return nil, err
		}
		cfg.Workdir = abs
	}
	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (cfg *pipelineConfig) validate() error {
	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{"source", cfg.Source},
		{"tfs", cfg.TFs},
		{"ranking_dbs", cfg.RankingDBs},
		{"motif_annotations", cfg.MotifAnnotations},
		{"comparison_feature", cfg.ComparisonFeature},
		{"pyscenic", cfg.Scenic.Pyscenic},
		{"container", cfg.Container},
		{"adjacencies", cfg.Adjacencies},
		{"regulons", cfg.Regulons},
		{"auc", cfg.AUC},
		{"enriched_container", cfg.EnrichedContainer},
		{"output_dir", cfg.OutputDir},
		{"plot.output", cfg.Plot.Output},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config fields: %s", strings.Join(missing, ", "))
	}
	switch {
	case cfg.Cohort.Attribute == "" && cfg.Cohort.Value != "":
		return errors.New("cohort.value is set but cohort.attribute is empty")
	case cfg.Scenic.NumWorkers < 1:
		return fmt.Errorf("num_workers must be >= 1, not %d", cfg.Scenic.NumWorkers)
	case cfg.MinGenes < 0:
		return fmt.Errorf("min_genes must be >= 0, not %d", cfg.MinGenes)
	case cfg.PCAComponents < 0:
		return fmt.Errorf("pca_components must be >= 0, not %d", cfg.PCAComponents)
	case cfg.Plot.TopN < 0 || cfg.Plot.DPI < 1 || cfg.Plot.Columns < 1:
		return errors.New("plot.top_n must be >= 0, plot.dpi and plot.columns must be >= 1")
	}
	return nil
}

// path resolves p against the working directory.
func (cfg *pipelineConfig) path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(cfg.Workdir, p)
}
