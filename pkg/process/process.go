// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package process wires cobra commands to configuration, logging and
// lifetime management.
package process

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"storj.io/telemetry/pkg/cfgstruct"
)

// Error is a process error class
var Error = errs.Class("process error")

var (
	mu       sync.Mutex
	contexts = map[*cobra.Command]context.Context{}
)

// Bind attaches flags to the command for the given configuration struct and
// arranges for viper values to be loaded into it before the command runs.
func Bind(cmd *cobra.Command, config interface{}, opts ...cfgstruct.BindOpt) {
	cfgstruct.Bind(cmd.Flags(), config, opts...)
}

// Ctx returns the appropriate context.Context for the command. The context
// is canceled on SIGINT/SIGTERM.
func Ctx(cmd *cobra.Command) context.Context {
	mu.Lock()
	defer mu.Unlock()

	ctx, ok := contexts[cmd.Root()]
	if !ok {
		ctx = context.Background()
		contexts[cmd.Root()] = ctx
	}
	return ctx
}

// Exec runs a cobra command after setting up configuration loading, the
// global logger and signal handling.
func Exec(cmd *cobra.Command) {
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "output the version's build information, if any",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Println(cmd.Root().Use)
			return nil
		},
	})

	cleanup(cmd)
	Must(cmd.Execute())
}

func cleanup(cmd *cobra.Command) {
	for _, ccmd := range cmd.Commands() {
		cleanup(ccmd)
	}
	if cmd.RunE == nil {
		return
	}

	internalRun := cmd.RunE
	cmd.RunE = func(cmd *cobra.Command, args []string) (err error) {
		vip := viper.New()
		if err := vip.BindPFlags(cmd.Flags()); err != nil {
			return Error.Wrap(err)
		}
		vip.SetEnvPrefix("telemetry")
		vip.AutomaticEnv()

		if cfgFile, err := cmd.Flags().GetString("config"); err == nil && cfgFile != "" {
			vip.SetConfigFile(cfgFile)
			if err := vip.ReadInConfig(); err != nil {
				if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
					if !os.IsNotExist(err) {
						return Error.Wrap(err)
					}
				}
			}
		}

		// apply values from config file and environment to flags the
		// user did not set explicitly
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			if f.Changed || !vip.IsSet(f.Name) {
				return
			}
			err = errs.Combine(err, cmd.Flags().Set(f.Name, vip.GetString(f.Name)))
		})
		if err != nil {
			return Error.Wrap(err)
		}

		logger, err := NewLogger()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		defer zap.ReplaceGlobals(logger)()
		defer zap.RedirectStdLog(logger)()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-signals
			cancel()
		}()

		mu.Lock()
		contexts[cmd.Root()] = ctx
		mu.Unlock()

		registry := monkit.Default
		defer registry.ScopeNamed("process").TaskNamed("main")(&ctx)(&err)

		return internalRun(cmd, args)
	}
}

// Must can be used for default error handling in main
func Must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
