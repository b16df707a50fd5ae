package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/isdaniel/replication-checker/internal/replication/engine"
	"github.com/isdaniel/replication-checker/internal/replication/proto"
	"github.com/isdaniel/replication-checker/internal/replication/transport"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect and stream decoded WAL changes until interrupted",
	Long: `Run performs IDENTIFY_SYSTEM, creates the replication slot if it
does not already exist, starts replication, and logs every decoded
change until the process receives SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		tr, err := transport.Connect(ctx, cfg.ConnectionString)
		if err != nil {
			return err
		}

		e := engine.New(tr, engine.Config{
			SlotName:         cfg.Replication.SlotName,
			PublicationName:  cfg.Replication.Publication,
			FeedbackInterval: cfg.Replication.FeedbackInterval,
			OnMessage:        logMessage,
		}, logger)

		return e.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// logMessage is the default consumer callback: it reports every decoded
// event at info level so `replstream run` is useful on its own, without a
// downstream consumer wired in.
func logMessage(msg proto.Message) {
	logger.Info().
		Str("kind", string(rune(msg.Kind()))).
		Interface("message", msg).
		Msg("decoded replication event")
}
