// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package grnflow

import (
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/arvados/grnflow/rss"
	"github.com/james-bowman/nlp"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

const (
	regulonsFilename  = "regulons.csv"
	aucFilename       = "auc_mtx.csv"
	cellAnnotFilename = "cellAnnot.csv"
	rssFilename       = "RSS.csv"
	aucPCAFilename    = "auc_pca.csv"

	cellTypeColumn = "cell_type"
)

type resultsOptions struct {
	Enriched          string
	Source            string
	ComparisonFeature string
	Cohort            cohortFilter
	OutputDir         string
	PCAComponents     int
}

type extractResults struct{}

func (cmd *extractResults) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return exitCode(err)
	}
	return 0
}

func (cmd *extractResults) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var opts resultsOptions
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&opts.Enriched, "container", "anndata_output.container", "enriched container `directory` (output of aucell)")
	flags.StringVar(&opts.Source, "source", "", "annotated expression source `directory` the container was exported from")
	flags.StringVar(&opts.ComparisonFeature, "comparison-feature", "", "per-cell `attribute` to compare regulon activity across (e.g., cell_type)")
	flags.StringVar(&opts.OutputDir, "output-dir", ".", "output `directory`")
	flags.IntVar(&opts.PCAComponents, "pca-components", 0, "also write the first `N` principal components of the AUC matrix to auc_pca.csv")
	opts.Cohort.Flags(flags)
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return usageError{err}
	} else if flags.NArg() > 0 {
		return usageError{fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())}
	} else if opts.Source == "" || opts.ComparisonFeature == "" {
		return usageError{errors.New("must specify -source and -comparison-feature")}
	}
	return writeResults(opts)
}

// cellLabels returns the comparison feature of each container cell,
// looked up in the (cohort-filtered) source. The container and the
// filtered source must have exactly the same cells.
func cellLabels(c *container, opts resultsOptions) ([]string, error) {
	ds, err := readObs(opts.Source)
	if err != nil {
		return nil, err
	}
	if _, err := ds.obsColumn(opts.ComparisonFeature); err != nil {
		return nil, fmt.Errorf("%s: %w", opts.Source, err)
	}
	ds, err = opts.Cohort.Apply(ds)
	if err != nil {
		return nil, err
	}
	col, _ := ds.obsColumn(opts.ComparisonFeature)
	label := make(map[string]string, len(ds.cells))
	for i, id := range ds.cells {
		label[id] = col[i]
	}
	if len(label) != len(c.Cells) {
		return nil, fmt.Errorf("%w: source %s has %d cells (%s), container %s has %d", ErrShapeMismatch, opts.Source, len(label), &opts.Cohort, opts.Enriched, len(c.Cells))
	}
	labels := make([]string, len(c.Cells))
	for i, id := range c.Cells {
		l, ok := label[id]
		if !ok {
			return nil, fmt.Errorf("%w: cell %q in %s is not in source %s (%s)", ErrShapeMismatch, id, opts.Enriched, opts.Source, &opts.Cohort)
		}
		labels[i] = l
	}
	return labels, nil
}

func writeResults(opts resultsOptions) error {
	c, err := readContainer(opts.Enriched)
	if err != nil {
		return err
	}
	if !c.enriched() {
		return fmt.Errorf("%w: %s has no regulons/AUC scores (not an aucell output)", ErrDataIntegrity, opts.Enriched)
	}
	labels, err := cellLabels(c, opts)
	if err != nil {
		return err
	}
	err = os.MkdirAll(opts.OutputDir, 0755)
	if err != nil {
		return err
	}
	out := func(fnm string) string { return filepath.Join(opts.OutputDir, fnm) }

	log.Printf("writing %s", out(regulonsFilename))
	err = writeFileAtomic(out(regulonsFilename), func(w io.Writer) error {
		return writeRegulonMembers(w, c)
	})
	if err != nil {
		return err
	}

	log.Printf("writing %s", out(aucFilename))
	err = writeFileAtomic(out(aucFilename), func(w io.Writer) error {
		return writeMatrixCSV(w, c.Regulons, c.Cells, c.AUC)
	})
	if err != nil {
		return err
	}

	log.Printf("writing %s", out(cellAnnotFilename))
	err = writeFileAtomic(out(cellAnnotFilename), func(w io.Writer) error {
		cw := csv.NewWriter(w)
		cw.Write([]string{"", cellTypeColumn})
		for i, id := range c.Cells {
			cw.Write([]string{id, labels[i]})
		}
		cw.Flush()
		return cw.Error()
	})
	if err != nil {
		return err
	}

	log.Printf("computing regulon specificity scores: %d regulons", len(c.Regulons))
	table, err := computeRSS(c.AUC, c.Regulons, c.Cells, labels)
	if err != nil {
		return err
	}
	log.Printf("writing %s", out(rssFilename))
	err = writeFileAtomic(out(rssFilename), func(w io.Writer) error {
		return writeMatrixCSV(w, table.Regulons, table.Categories, table.Scores)
	})
	if err != nil {
		return err
	}

	if opts.PCAComponents > 0 {
		pcs, err := aucPCA(c.AUC, opts.PCAComponents)
		if err != nil {
			return err
		}
		names := make([]string, opts.PCAComponents)
		for i := range names {
			names[i] = fmt.Sprintf("PC%d", i+1)
		}
		log.Printf("writing %s", out(aucPCAFilename))
		err = writeFileAtomic(out(aucPCAFilename), func(w io.Writer) error {
			return writeMatrixCSV(w, names, c.Cells, pcs)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// writeRegulonMembers writes one row per regulon: the name, and a
// python list literal of the member genes. Like python's csv module,
// it uses CRLF line endings.
func writeRegulonMembers(w io.Writer, c *container) error {
	cw := csv.NewWriter(w)
	cw.UseCRLF = true
	for j, name := range c.Regulons {
		var members []string
		for i, gene := range c.Genes {
			if c.Membership.At(i, j) == 1 {
				members = append(members, gene)
			}
		}
		if len(members) == 0 {
			continue
		}
		cw.Write([]string{name, pyList(members)})
	}
	cw.Flush()
	return cw.Error()
}

// writeMatrixCSV writes m in pandas DataFrame.to_csv layout: a header
// row with an empty index name followed by the column names, then one
// row per index entry.
func writeMatrixCSV(w io.Writer, columns, index []string, m mat.Matrix) error {
	cw := csv.NewWriter(w)
	cw.Write(append([]string{""}, columns...))
	rec := make([]string, len(columns)+1)
	for i, id := range index {
		rec[0] = id
		for j := range columns {
			rec[j+1] = formatFloat(m.At(i, j))
		}
		cw.Write(rec)
	}
	cw.Flush()
	return cw.Error()
}

// computeRSS scores all regulons, one goroutine per regulon, at most
// GOMAXPROCS at a time. AUC values must be finite and non-negative.
func computeRSS(auc *mat.Dense, regulons, cells, labels []string) (*rss.Table, error) {
	if err := rss.CheckDims(auc, regulons, labels); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrShapeMismatch, err)
	}
	table := rss.NewTable(rss.Categories(labels), regulons)
	var mtx sync.Mutex
	throttle := throttle{Max: runtime.GOMAXPROCS(0)}
	for j := range regulons {
		if throttle.Err() != nil {
			break
		}
		j := j
		throttle.Acquire()
		go func() {
			defer throttle.Release()
			col := mat.Col(nil, j, auc)
			for i, v := range col {
				if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
					throttle.Report(fmt.Errorf("%w: regulon %q has AUC %v in cell %q", ErrDataIntegrity, regulons[j], v, cells[i]))
					return
				}
			}
			scores := rss.ScoreRegulon(col, labels, table.Categories)
			mtx.Lock()
			defer mtx.Unlock()
			table.SetRegulon(j, scores)
		}()
	}
	if err := throttle.Wait(); err != nil {
		return nil, err
	}
	return table, nil
}

// aucPCA projects cells onto the first n principal components of the
// AUC matrix.
func aucPCA(auc *mat.Dense, n int) (mat.Matrix, error) {
	cells, regulons := auc.Dims()
	if n > regulons || n > cells {
		return nil, fmt.Errorf("cannot compute %d principal components of a %d×%d AUC matrix", n, cells, regulons)
	}
	transformer := nlp.NewPCA(n)
	transformer.Fit(auc.T())
	pcs, err := transformer.Transform(auc.T())
	if err != nil {
		return nil, err
	}
	return pcs.T(), nil
}
