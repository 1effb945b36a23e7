package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"alma.local/fsfuzz/config"
	"alma.local/fsfuzz/findings"
	"alma.local/fsfuzz/fuzzer"
	"alma.local/fsfuzz/oracle"
)

func reduce(ctx context.Context, cfg config.Config, input, dim, out string, log *logrus.Entry) error {
	w, err := findings.LoadWorkload(input)
	if err != nil {
		return err
	}
	cfg.Workers = 1
	runner, err := newWorker(ctx, cfg, 0, nil, log)
	if err != nil {
		return err
	}
	defer runner.Close()

	red, err := fuzzer.Reduce(ctx, runner, w, oracle.Dimension(dim), log)
	if err != nil {
		return err
	}
	f := fuzzer.NewFinding(red.Report, red.Workload, red.Dimension, 0)
	f.Note = fmt.Sprintf("Reduced from %d to %d operations in %d executions.", w.Len(), red.Workload.Len(), red.Executions)
	if err := findings.Write(out, f); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"dimension": red.Dimension,
		"length":    red.Workload.Len(),
		"out":       out,
	}).Info("reduction finished")
	return nil
}
