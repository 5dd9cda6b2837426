// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package grnflow

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

type exportOptions struct {
	Source      string
	GeneSymbols string
	Cohort      cohortFilter
	Output      string
}

type exportMatrix struct{}

func (cmd *exportMatrix) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return exitCode(err)
	}
	return 0
}

func (cmd *exportMatrix) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var opts exportOptions
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	flags.StringVar(&opts.Source, "source", "", "annotated expression source `directory` (obs.csv, var.csv, X.npy|X.csv[.gz])")
	flags.StringVar(&opts.GeneSymbols, "gene-symbols", "gene_symbols", "var.csv `column` to use as gene names (empty = index column)")
	flags.StringVar(&opts.Output, "o", "", "output container `directory`")
	opts.Cohort.Flags(flags)
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return usageError{err}
	} else if flags.NArg() > 0 {
		return usageError{fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())}
	} else if opts.Source == "" || opts.Output == "" {
		return usageError{errors.New("must specify -source and -o")}
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	_, err = exportExpression(opts)
	return err
}

// exportExpression reads the source, applies the cohort filter, and
// writes a genes × cells container with Gene, CellID, nGene, and
// nUMI attributes.
func exportExpression(opts exportOptions) (*container, error) {
	ds, err := readSource(opts.Source, opts.GeneSymbols)
	if err != nil {
		return nil, err
	}
	ds, err = opts.Cohort.Apply(ds)
	if err != nil {
		return nil, err
	}
	c := &container{
		Genes: ds.genes,
		Cells: ds.cells,
		NGene: make([]int, len(ds.cells)),
		NUMI:  make([]float64, len(ds.cells)),
		Expr:  mat.DenseCopyOf(ds.X.T()),
	}
	for i := range ds.cells {
		for _, v := range ds.X.RawRowView(i) {
			if v > 0 {
				c.NGene[i]++
			}
			c.NUMI[i] += v
		}
	}
	err = writeContainer(opts.Output, c)
	if err != nil {
		return nil, err
	}
	return c, nil
}
