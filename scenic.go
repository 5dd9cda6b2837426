// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package grnflow

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"

	"git.arvados.org/arvados.git/sdk/go/arvados"
)

// scenicOptions are the settings shared by all pyscenic invocations.
type scenicOptions struct {
	Pyscenic   string `yaml:"pyscenic"`
	NumWorkers int    `yaml:"num_workers"`
	Seed       int    `yaml:"seed"`

	RunLocal    bool   `yaml:"-"`
	ProjectUUID string `yaml:"-"`
	Priority    int    `yaml:"-"`
	RAM         int64  `yaml:"-"`
}

func (o *scenicOptions) Flags(flags *flag.FlagSet) {
	flags.StringVar(&o.Pyscenic, "pyscenic", "pyscenic", "pyscenic `program`")
	flags.IntVar(&o.NumWorkers, "num-workers", 20, "number of pyscenic worker processes")
	flags.IntVar(&o.Seed, "seed", -1, "random seed passed to pyscenic (-1 = unseeded)")
	flags.BoolVar(&o.RunLocal, "local", true, "run on local host (false: run in an arvados container)")
	flags.StringVar(&o.ProjectUUID, "project", "", "project `UUID` for containers and output data")
	flags.IntVar(&o.Priority, "priority", 500, "container request priority")
	flags.Int64Var(&o.RAM, "arvados-ram", 64000000000, "amount of memory to request for arvados container (`bytes`)")
}

func (o *scenicOptions) executor() executor {
	if o.RunLocal {
		return &localExecutor{}
	}
	return &arvadosExecutor{
		Client:      arvados.NewClientFromEnv(),
		ProjectUUID: o.ProjectUUID,
		VCPUs:       o.NumWorkers,
		RAM:         o.RAM,
		Priority:    o.Priority,
	}
}

func (o *scenicOptions) workerArgs() []string {
	return []string{"--num_workers", strconv.Itoa(o.NumWorkers)}
}

func (o *scenicOptions) seedArgs() []string {
	if o.Seed < 0 {
		return nil
	}
	return []string{"--seed", strconv.Itoa(o.Seed)}
}

// grnInvocation infers co-expression modules (regulator, target,
// importance) from the expression matrix and a list of candidate
// regulators.
func grnInvocation(o *scenicOptions, expression, tfs, adjacencies string) *invocation {
	args := []string{"grn", "{i:expression}", "{i:tfs}", "-o", "{o:adjacencies}"}
	args = append(args, o.workerArgs()...)
	args = append(args, o.seedArgs()...)
	return &invocation{
		Name:    "grn",
		Prog:    o.Pyscenic,
		Args:    args,
		Inputs:  map[string]string{"expression": expression, "tfs": tfs},
		Outputs: map[string]string{"adjacencies": adjacencies},
	}
}

// resolveRankingDBs expands a glob pattern into a sorted list of
// ranking database files.
func resolveRankingDBs(pattern string) ([]string, error) {
	dbs, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("ranking database pattern %q: %w", pattern, err)
	}
	if len(dbs) == 0 {
		return nil, fmt.Errorf("no ranking databases match %q: %w", pattern, fs.ErrNotExist)
	}
	sort.Strings(dbs)
	return dbs, nil
}

// ctxInvocation prunes the adjacencies against the ranking
// databases, keeping modules whose targets are supported by motif
// enrichment. pyscenic discards modules for which fewer than 80% of
// the genes are present in the databases.
func ctxInvocation(o *scenicOptions, adjacencies string, dbs []string, motifs, expression, regulons string, minGenes int) *invocation {
	inv := &invocation{
		Name:    "ctx",
		Prog:    o.Pyscenic,
		Inputs:  map[string]string{"adjacencies": adjacencies, "motifs": motifs, "expression": expression},
		Outputs: map[string]string{"regulons": regulons},
	}
	inv.Args = []string{"ctx", "{i:adjacencies}"}
	for i, db := range dbs {
		name := fmt.Sprintf("db%d", i)
		inv.Inputs[name] = db
		inv.Args = append(inv.Args, "{i:"+name+"}")
	}
	inv.Args = append(inv.Args,
		"--annotations_fname", "{i:motifs}",
		"--expression_mtx_fname", "{i:expression}",
		"--output", "{o:regulons}",
		"--mask_dropouts")
	inv.Args = append(inv.Args, o.workerArgs()...)
	if minGenes > 0 {
		inv.Args = append(inv.Args, "--min_genes", strconv.Itoa(minGenes))
	}
	return inv
}

// aucellInvocation scores each regulon in each cell.
func aucellInvocation(o *scenicOptions, expression, regulons, auc string) *invocation {
	args := []string{"aucell", "{i:expression}", "{i:regulons}", "--output", "{o:auc}"}
	args = append(args, o.workerArgs()...)
	args = append(args, o.seedArgs()...)
	return &invocation{
		Name:    "aucell",
		Prog:    o.Pyscenic,
		Args:    args,
		Inputs:  map[string]string{"expression": expression, "regulons": regulons},
		Outputs: map[string]string{"auc": auc},
	}
}

func runGRN(ctx context.Context, o *scenicOptions, containerPath, tfs, adjacencies string) (string, error) {
	res, err := runInvocation(ctx, o.executor(), grnInvocation(o, expressionPath(containerPath), tfs, adjacencies))
	if err != nil {
		return "", err
	}
	return res.Outputs["adjacencies"], nil
}

func runCtx(ctx context.Context, o *scenicOptions, adjacencies, dbPattern, motifs, containerPath, regulons string, minGenes int) (string, error) {
	dbs, err := resolveRankingDBs(dbPattern)
	if err != nil {
		return "", err
	}
	res, err := runInvocation(ctx, o.executor(), ctxInvocation(o, adjacencies, dbs, motifs, expressionPath(containerPath), regulons, minGenes))
	if err != nil {
		return "", err
	}
	return res.Outputs["regulons"], nil
}

// runAUCell runs pyscenic aucell, then writes an enriched copy of the
// export container with the regulon membership and AUC matrices.
func runAUCell(ctx context.Context, o *scenicOptions, containerPath, regulons, auc, enriched string) error {
	res, err := runInvocation(ctx, o.executor(), aucellInvocation(o, expressionPath(containerPath), regulons, auc))
	if err != nil {
		return err
	}
	return enrichContainer(containerPath, regulons, res.Outputs["auc"], enriched)
}

type scenicGRN struct{}

func (cmd *scenicGRN) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return exitCode(err)
	}
	return 0
}

func (cmd *scenicGRN) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var opts scenicOptions
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	containerPath := flags.String("container", "", "export container `directory` (see export-matrix)")
	tfs := flags.String("tfs", "", "candidate regulators `file` (one gene symbol per line)")
	output := flags.String("o", "anndata_adj.csv", "output adjacencies `file`")
	opts.Flags(flags)
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return usageError{err}
	} else if flags.NArg() > 0 {
		return usageError{fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())}
	} else if *containerPath == "" || *tfs == "" {
		return usageError{errors.New("must specify -container and -tfs")}
	}
	out, err := runGRN(context.Background(), &opts, *containerPath, *tfs, *output)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, out)
	return nil
}

type scenicCtx struct{}

func (cmd *scenicCtx) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return exitCode(err)
	}
	return 0
}

func (cmd *scenicCtx) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var opts scenicOptions
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	adjacencies := flags.String("adjacencies", "anndata_adj.csv", "adjacencies `file` (output of grn)")
	rankingDBs := flags.String("ranking-dbs", "", "ranking database glob `pattern` (e.g., 'hg38*.feather')")
	motifs := flags.String("motif-annotations", "", "motif annotations `file`")
	containerPath := flags.String("container", "", "export container `directory` (see export-matrix)")
	output := flags.String("o", "anndata_reg.csv", "output regulons `file`")
	minGenes := flags.Int("min-genes", 0, "minimum number of genes in a module (0 = pyscenic default)")
	opts.Flags(flags)
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return usageError{err}
	} else if flags.NArg() > 0 {
		return usageError{fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())}
	} else if *rankingDBs == "" || *motifs == "" || *containerPath == "" {
		return usageError{errors.New("must specify -ranking-dbs, -motif-annotations, and -container")}
	}
	out, err := runCtx(context.Background(), &opts, *adjacencies, *rankingDBs, *motifs, *containerPath, *output, *minGenes)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, out)
	return nil
}

type scenicAUCell struct{}

func (cmd *scenicAUCell) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return exitCode(err)
	}
	return 0
}

func (cmd *scenicAUCell) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var opts scenicOptions
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	containerPath := flags.String("container", "", "export container `directory` (see export-matrix)")
	regulons := flags.String("regulons", "anndata_reg.csv", "regulons `file` (output of ctx, or .gmt)")
	auc := flags.String("auc", "aucell_auc.csv", "raw AUCell output `file`")
	output := flags.String("o", "anndata_output.container", "output enriched container `directory`")
	opts.Flags(flags)
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return usageError{err}
	} else if flags.NArg() > 0 {
		return usageError{fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())}
	} else if *containerPath == "" {
		return usageError{errors.New("must specify -container")}
	}
	err = runAUCell(context.Background(), &opts, *containerPath, *regulons, *auc, *output)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, *output)
	return nil
}
