package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/remiblancher/qsign/internal/cli"
	"github.com/remiblancher/qsign/internal/supervisor"
)

var (
	superviseMarker  string
	superviseTimeout time.Duration
	superviseLogFile string
)

var superviseCmd = &cobra.Command{
	Use:   "supervise [-- command args...]",
	Short: "Run the external signature engine and watch its readiness",
	Long: `Start the external signature engine process and follow its output.

The process is ready once a stdout line contains the ready marker. Any line
written to stderr, or an exit before the command is stopped, marks it failed.
The command runs until interrupted, then stops the process.

The command comes from the arguments after "--", or from supervisor.command
in the configuration file.

Examples:
  qsign supervise -- java -jar secsigner.jar
  qsign supervise --config qsign.yaml --log engine.log`,
	RunE: runSupervise,
}

func init() {
	f := superviseCmd.Flags()
	f.StringVar(&superviseMarker, "ready-marker", "", "Output line marking readiness (default: "+supervisor.DefaultReadyMarker+")")
	f.DurationVar(&superviseTimeout, "timeout", 0, "Maximum start-up time (default: supervisor.start_timeout)")
	f.StringVar(&superviseLogFile, "log", "", "Append the process output to this file")
}

func runSupervise(cmd *cobra.Command, args []string) error {
	sc := appCfg.Supervisor
	command := sc.Command
	if len(args) > 0 {
		command = args
	}
	if len(command) == 0 {
		return fmt.Errorf("no command given (pass it after -- or set supervisor.command)")
	}
	marker := sc.ReadyMarker
	if superviseMarker != "" {
		marker = superviseMarker
	}
	timeout := sc.StartTimeout
	if superviseTimeout > 0 {
		timeout = superviseTimeout
	}
	if timeout <= 0 {
		timeout = time.Minute
	}

	scfg := supervisor.Config{
		Command:     command[0],
		Args:        command[1:],
		Dir:         appCfg.Path(sc.Dir),
		ReadyMarker: marker,
		Logger:      appLog,
	}
	if superviseLogFile != "" {
		f, err := os.OpenFile(superviseLogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0640)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
		scfg.Log = f
	}

	sup := supervisor.New(scfg)
	if err := sup.Start(); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sup.Stop(sctx); err != nil {
			appLog.Warn("failed to stop process", zap.Error(err))
		}
		fmt.Fprintf(out, "Engine:  %s\n", cli.FormatStatus(sup.State().String()))
	}()

	ctx := cmd.Context()
	wctx, cancel := context.WithTimeout(ctx, timeout)
	err := sup.WaitReady(wctx)
	cancel()
	if err != nil {
		return fmt.Errorf("engine process did not become ready: %w", err)
	}
	fmt.Fprintf(out, "Engine:  %s\n", cli.FormatStatus(sup.State().String()))

	select {
	case <-ctx.Done():
		return nil
	case <-sup.Done():
		return sup.Err()
	}
}
