package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kurobon/sessync/internal/config"
	"github.com/kurobon/sessync/internal/logger"
)

// annotationAlwaysSucceed marks commands whose failures must not fail the
// calling git hook.
const annotationAlwaysSucceed = "sessync/always-succeed"

// app is the state shared by all subcommands of one invocation.
type app struct {
	configFile string
	logLevel   string
	engine     string
	dir        string

	cfg *config.Config
	log *zap.Logger
	msg *messages
}

func newRootCmd() *cobra.Command {
	a := &app{log: zap.NewNop()}

	root := &cobra.Command{
		Use:   "sessync",
		Short: "Keep Claude Code sessions in step with your git checkouts",
		Long: "sessync keeps a separate git repository of Claude Code session logs per project. " +
			"Every primary-project commit captures the sessions, every checkout restores the sessions " +
			"that belong to it, and sync backs the store up to a remote bucket.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.msg = newMessages(cmd.ErrOrStderr())
			return a.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default: ./sessync.yaml or $HOME/.config/sessync/sessync.yaml)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error or none")
	flags.StringVar(&a.engine, "engine", "", "version control engine: git or go-git")
	flags.StringVarP(&a.dir, "dir", "C", ".", "run as if started in this directory of the primary project")

	root.AddCommand(
		newInitCmd(a),
		newCaptureCmd(a),
		newCheckoutSyncCmd(a),
		newSyncCmd(a),
		newPullCmd(a),
		newPushCmd(a),
		newResolveCmd(a),
		newStatusCmd(a),
	)
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	v, err := config.New(a.configFile)
	if err != nil {
		return a.fail(err)
	}
	if a.logLevel != "" {
		v.Set("log_level", a.logLevel)
	}
	if a.engine != "" {
		v.Set("engine", a.engine)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return a.fail(err)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return a.fail(fmt.Errorf("log level %q: %w", cfg.LogLevel, err))
	}
	a.cfg, a.log = cfg, log.With(zap.String("command", cmd.Name()))
	return nil
}

// fail reports err as an aborted operation and returns it for cobra.
func (a *app) fail(err error) error {
	if a.msg != nil {
		a.msg.Error("%v", err)
	}
	return err
}

func (a *app) out(cmd *cobra.Command) io.Writer { return cmd.OutOrStdout() }
