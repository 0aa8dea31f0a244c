package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/franz/screen-recall/internal/server"
	"github.com/franz/screen-recall/internal/util"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve frames and quarantine administration over HTTP",
	Long: `Start the HTTP API:

  GET    /health                  database readiness
  GET    /frames/:id              frame metadata and recognized text
  GET    /frames/:id/image        the frame as PNG
  GET    /chunks/quarantine       quarantined chunks
  DELETE /chunks/quarantine?path= purge a quarantined chunk`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "listen address (default 127.0.0.1:7077)")
	viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	util.InfoLog("Serving %s on http://%s", a.db.Layout().UserDir(), cfg.Server.Addr)
	return server.New(a.db, a.frames, a.chunks, a.events).Run(ctx, cfg.Server.Addr)
}
