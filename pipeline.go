// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package grnflow

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

type pathKind int

const (
	fileKind pathKind = iota
	dirKind
	globKind
)

func (k pathKind) String() string {
	switch k {
	case dirKind:
		return "directory"
	case globKind:
		return "glob"
	default:
		return "file"
	}
}

type stagePath struct {
	Name string
	Kind pathKind
	Path string
}

// check returns an error wrapping fs.ErrNotExist (or the underlying
// stat error) if the path does not exist as the declared kind.
func (sp stagePath) check() error {
	switch sp.Kind {
	case globKind:
		matches, err := filepath.Glob(sp.Path)
		if err != nil {
			return fmt.Errorf("%s %q: %w", sp.Name, sp.Path, err)
		} else if len(matches) == 0 {
			return fmt.Errorf("%s %q: no matching files: %w", sp.Name, sp.Path, fs.ErrNotExist)
		}
		return nil
	default:
		fi, err := os.Stat(sp.Path)
		if err != nil {
			return fmt.Errorf("%s: %w", sp.Name, err)
		} else if fi.IsDir() != (sp.Kind == dirKind) {
			return fmt.Errorf("%s: %s is not a %s", sp.Name, sp.Path, sp.Kind)
		}
		return nil
	}
}

type stage struct {
	Name    string
	Inputs  []stagePath
	Outputs []stagePath
	Run     func(context.Context) error
}

type pipeline []stage

func (pl pipeline) index(name string) (int, error) {
	for i, st := range pl {
		if st.Name == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("unknown stage %q (stages are: %s)", name, strings.Join(pl.names(), ", "))
}

func (pl pipeline) names() []string {
	names := make([]string, len(pl))
	for i, st := range pl {
		names[i] = st.Name
	}
	return names
}

// Run runs the stages from..to (inclusive; empty means the first or
// last stage respectively) in order. Each stage's inputs must exist
// before it starts, and its outputs must exist when it finishes.
func (pl pipeline) Run(ctx context.Context, from, to string) error {
	start, end := 0, len(pl)-1
	var err error
	if from != "" {
		start, err = pl.index(from)
		if err != nil {
			return err
		}
	}
	if to != "" {
		end, err = pl.index(to)
		if err != nil {
			return err
		}
	}
	if start > end {
		return fmt.Errorf("stage %q comes after stage %q", from, to)
	}
	for _, st := range pl[start : end+1] {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, in := range st.Inputs {
			if err := in.check(); err != nil {
				return fmt.Errorf("stage %s: missing input: %w", st.Name, err)
			}
		}
		log.Printf("stage %s: starting", st.Name)
		t0 := time.Now()
		if err := st.Run(ctx); err != nil {
			return fmt.Errorf("stage %s: %w", st.Name, err)
		}
		for _, out := range st.Outputs {
			if err := out.check(); err != nil {
				return fmt.Errorf("stage %s: output not written: %w", st.Name, err)
			}
		}
		log.Printf("stage %s: done in %v", st.Name, time.Since(t0).Round(time.Millisecond))
	}
	return nil
}

// buildPipeline returns the stages of a complete run: export-matrix,
// grn, ctx, aucell, results, plot-rss.
func buildPipeline(cfg *pipelineConfig) pipeline {
	source := cfg.path(cfg.Source)
	container := cfg.path(cfg.Container)
	tfs := cfg.path(cfg.TFs)
	adjacencies := cfg.path(cfg.Adjacencies)
	rankingDBs := cfg.path(cfg.RankingDBs)
	motifs := cfg.path(cfg.MotifAnnotations)
	regulons := cfg.path(cfg.Regulons)
	auc := cfg.path(cfg.AUC)
	enriched := cfg.path(cfg.EnrichedContainer)
	outdir := cfg.path(cfg.OutputDir)
	annotations := filepath.Join(outdir, cellAnnotFilename)
	rssTable := filepath.Join(outdir, rssFilename)
	plotOutput := cfg.path(cfg.Plot.Output)
	scenic := cfg.Scenic

	resultOutputs := []stagePath{
		{"regulon membership", fileKind, filepath.Join(outdir, regulonsFilename)},
		{"AUC matrix", fileKind, filepath.Join(outdir, aucFilename)},
		{"cell annotations", fileKind, annotations},
		{"RSS table", fileKind, rssTable},
	}
	if cfg.PCAComponents > 0 {
		resultOutputs = append(resultOutputs, stagePath{"AUC principal components", fileKind, filepath.Join(outdir, aucPCAFilename)})
	}

	return pipeline{
		{
			Name:    "export-matrix",
			Inputs:  []stagePath{{"source", dirKind, source}},
			Outputs: []stagePath{{"container", dirKind, container}},
			Run: func(context.Context) error {
				_, err := exportExpression(exportOptions{
					Source:      source,
					GeneSymbols: cfg.GeneSymbols,
					Cohort:      cfg.Cohort,
					Output:      container,
				})
				return err
			},
		},
		{
			Name:    "grn",
			Inputs:  []stagePath{{"container", dirKind, container}, {"tfs", fileKind, tfs}},
			Outputs: []stagePath{{"adjacencies", fileKind, adjacencies}},
			Run: func(ctx context.Context) error {
				_, err := runGRN(ctx, &scenic, container, tfs, adjacencies)
				return err
			},
		},
		{
			Name: "ctx",
			Inputs: []stagePath{
				{"adjacencies", fileKind, adjacencies},
				{"ranking databases", globKind, rankingDBs},
				{"motif annotations", fileKind, motifs},
				{"container", dirKind, container},
			},
			Outputs: []stagePath{{"regulons", fileKind, regulons}},
			Run: func(ctx context.Context) error {
				_, err := runCtx(ctx, &scenic, adjacencies, rankingDBs, motifs, container, regulons, cfg.MinGenes)
				return err
			},
		},
		{
			Name:    "aucell",
			Inputs:  []stagePath{{"container", dirKind, container}, {"regulons", fileKind, regulons}},
			Outputs: []stagePath{{"AUC scores", fileKind, auc}, {"enriched container", dirKind, enriched}},
			Run: func(ctx context.Context) error {
				return runAUCell(ctx, &scenic, container, regulons, auc, enriched)
			},
		},
		{
			Name:    "results",
			Inputs:  []stagePath{{"enriched container", dirKind, enriched}, {"source", dirKind, source}},
			Outputs: resultOutputs,
			Run: func(context.Context) error {
				return writeResults(resultsOptions{
					Enriched:          enriched,
					Source:            source,
					ComparisonFeature: cfg.ComparisonFeature,
					Cohort:            cfg.Cohort,
					OutputDir:         outdir,
					PCAComponents:     cfg.PCAComponents,
				})
			},
		},
		{
			Name:    "plot-rss",
			Inputs:  []stagePath{{"cell annotations", fileKind, annotations}, {"RSS table", fileKind, rssTable}},
			Outputs: []stagePath{{"plot", fileKind, plotOutput}},
			Run: func(context.Context) error {
				return renderRSS(reportOptions{
					Annotations: annotations,
					RSS:         rssTable,
					Output:      plotOutput,
					TopN:        cfg.Plot.TopN,
					DPI:         cfg.Plot.DPI,
					Columns:     cfg.Plot.Columns,
				})
			},
		},
	}
}
