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
	"os"
	"os/signal"
	"syscall"
)

type runPipeline struct{}

func (cmd *runPipeline) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return exitCode(err)
	}
	return 0
}

func (cmd *runPipeline) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configFile := flags.String("config", "", "pipeline configuration `file` (YAML)")
	from := flags.String("from", "", "first `stage` to run (default: export-matrix)")
	to := flags.String("to", "", "last `stage` to run (default: plot-rss)")
	runLocal := flags.Bool("local", true, "run pyscenic on local host (false: run in arvados containers)")
	projectUUID := flags.String("project", "", "project `UUID` for containers and output data")
	priority := flags.Int("priority", 500, "container request priority")
	ram := flags.Int64("arvados-ram", 64000000000, "amount of memory to request for arvados containers (`bytes`)")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return usageError{err}
	} else if flags.NArg() > 0 {
		return usageError{fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())}
	} else if *configFile == "" {
		return usageError{errors.New("must specify -config")}
	}
	cfg, err := loadConfig(*configFile)
	if err != nil {
		return err
	}
	cfg.Scenic.RunLocal = *runLocal
	cfg.Scenic.ProjectUUID = *projectUUID
	cfg.Scenic.Priority = *priority
	cfg.Scenic.RAM = *ram

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return buildPipeline(cfg).Run(ctx, *from, *to)
}
