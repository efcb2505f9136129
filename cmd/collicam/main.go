package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	// registers local video inputs with mediadevices
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"collicam/internal/camera"
	"collicam/internal/config"
	"collicam/internal/logging"
	"collicam/internal/overlay"
)

// app carries state shared by every command
type app struct {
	v        *viper.Viper
	cfgFile  string
	settings *config.Settings
	logger   *zap.Logger
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "collicam",
		Short:         "Dual camera recorder with live collision detection",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default ./collicam.yaml, /etc/collicam/collicam.yaml)")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "console", "log format (console, json)")
	_ = a.v.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))
	_ = a.v.BindPFlag("log.format", root.PersistentFlags().Lookup("log-format"))

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		settings, err := config.Load(a.v, a.cfgFile)
		if err != nil {
			return err
		}
		logger, err := logging.New(logging.Config{Level: settings.Log.Level, Format: settings.Log.Format})
		if err != nil {
			return err
		}
		a.settings, a.logger = settings, logger
		return nil
	}
	root.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if a.logger != nil {
			_ = a.logger.Sync()
		}
	}

	root.AddCommand(a.serveCommand(), a.planCommand(), a.devicesCommand())
	return root
}

func (a *app) serveCommand() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the capture service and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), a.settings, a.logger, debug)
		},
	}
	cmd.Flags().String("host", "0.0.0.0", "listen host")
	cmd.Flags().Int("port", 8080, "listen port")
	cmd.Flags().BoolVar(&debug, "debug", false, "log request and response bodies")
	_ = a.v.BindPFlag("server.host", cmd.Flags().Lookup("host"))
	_ = a.v.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	return cmd
}

func (a *app) planCommand() *cobra.Command {
	var duration float64
	cmd := &cobra.Command{
		Use:   "plan [image-url...]",
		Short: "Print the overlay plan for a recording length",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool := args
			if len(pool) == 0 {
				pool = a.settings.Overlay.Images
			}
			plan, err := overlay.Schedule(duration, pool, overlayCadence(a.settings)...)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(plan)
		},
	}
	cmd.Flags().Float64VarP(&duration, "duration", "d", 30, "recording length in seconds")
	return cmd
}

func (a *app) devicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List cameras and their front/back roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			cameras := camera.NewManager(camera.NewMediaDevicesBackend(a.logger), rolePolicy(a.settings), a.logger)
			if _, err := cameras.Acquire(cmd.Context()); err != nil {
				return err
			}
			devices, err := cameras.ListDevices(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLABEL\tROLE")
			for _, d := range devices {
				fmt.Fprintf(w, "%s\t%s\t%s\n", d.ID, d.Label, d.Role)
			}
			return w.Flush()
		},
	}
}

func rolePolicy(s *config.Settings) camera.RolePolicy {
	return camera.RolePolicy{
		FrontID:     s.Camera.FrontID,
		BackID:      s.Camera.BackID,
		RequirePair: s.Camera.RequirePair,
	}
}

// overlayCadence is shared by plan scheduling and the forwarding endpoint so
// both place overlays at the same offsets
func overlayCadence(s *config.Settings) []overlay.Option {
	return []overlay.Option{
		overlay.WithInterval(s.Overlay.Interval.Seconds()),
		overlay.WithWindow(s.Overlay.Window.Seconds()),
	}
}
