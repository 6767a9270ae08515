// Copyright 2020 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/olr-project/redoflow/pkg/config"
	"github.com/olr-project/redoflow/redo/replicator"
)

func main() {
	cmd := &cobra.Command{
		Use:          "redoflow <config.json>",
		Short:        "redoflow replicates committed row changes out of a database redo log",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0])
		},
	}
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		_ = c.Usage()
		return err
	})
	pflag.CommandLine.AddFlagSet(cmd.Flags())
	if err := cmd.Execute(); err != nil {
		log.Error("replication failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	initLogger(*cfg.LogLevel)

	repl, err := replicator.New(cfg, configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First SIGINT drains through the last committed SCN; a second one, or
	// SIGTERM, aborts hard.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		soft := false
		for sig := range sigCh {
			if sig == syscall.SIGTERM || soft {
				repl.StopHard()
				return
			}
			soft = true
			repl.StopSoft()
		}
	}()

	if err := repl.Run(ctx); err != nil {
		return err
	}
	log.Info("replication finished")
	return nil
}

// initLogger maps the numeric config level onto zap and honors the
// OLR_LOCALES toggle for timestamp prefixes on log lines.
func initLogger(level int) {
	zapLevel := "info"
	switch level {
	case 0, 1:
		zapLevel = "error"
	case 2:
		zapLevel = "warn"
	case 3:
		zapLevel = "info"
	case 4:
		zapLevel = "debug"
	}
	logger, props, err := log.InitLogger(&log.Config{Level: zapLevel})
	if err != nil {
		return
	}
	if os.Getenv("OLR_LOCALES") == "MOCK" {
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.TimeKey = zapcore.OmitKey
		core := zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.AddSync(os.Stderr),
			props.Level,
		)
		logger = zap.New(core)
	}
	log.ReplaceGlobals(logger, props)
}
