package main

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/born-ml/lite/internal/config"
)

// app carries what every command needs after flag parsing.
type app struct {
	v          *viper.Viper
	configPath string
	cfg        config.Config
	log        *logrus.Entry
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}
	root := &cobra.Command{
		Use:           "lite",
		Short:         "Optimize and run graph models on the CPU",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (yaml, json or toml)")
	flags.Int(config.KeyThreads, 0, "worker threads")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("bypass-epoch-ctrl-on-cache", true, "skip epoch control injection when the graph caches")
	bind := map[string]string{
		config.KeyThreads:  config.KeyThreads,
		config.KeyLogLevel: "log-level",
		config.KeyBypass:   "bypass-epoch-ctrl-on-cache",
	}
	for key, flag := range bind {
		if err := a.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	root.AddCommand(newVersionCmd(), newOptimizeCmd(a), newRunCmd(a))
	return root
}

// load resolves the configuration and sets up logging to stderr.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.v, a.configPath)
	if err != nil {
		return errors.WithMessage(err, "lite")
	}
	a.cfg = cfg

	logger := logrus.New()
	logger.SetOutput(cmd.ErrOrStderr())
	logger.SetLevel(cfg.Level())
	a.log = logrus.NewEntry(logger)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// Nothing to configure.
		PersistentPreRun: func(*cobra.Command, []string) {},
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("lite %s\n", version)
		},
	}
}
