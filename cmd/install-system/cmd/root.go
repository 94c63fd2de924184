package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chaya2z/vyatta-cfg-system/internal/config"
	"github.com/chaya2z/vyatta-cfg-system/internal/logger"
	"github.com/chaya2z/vyatta-cfg-system/internal/service/installer"
	"github.com/chaya2z/vyatta-cfg-system/internal/version"
)

var (
	// image reference: a local path or a remote URL.
	image string

	// username and password for fetching the image from a protected server.
	username string
	password string

	// vrf is the routing domain used for remote transfers.
	vrf string

	// configPath to the installer settings YAML file.
	configPath string

	// logLevel of the installer output.
	logLevel string

	// rootCmd represents the base command installing an OS image onto the system.
	rootCmd = &cobra.Command{
		Use:   "install-system",
		Short: "Install an OS image onto the local storage",
		Long: "Install an OS image onto the local storage. The image is taken " +
			"from a local file, a remote URL, or the boot medium when the system " +
			"was started from installation media.",
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if level, ok := logger.ParseLogLevel(logLevel); ok {
				logger.SetLevel(level)
			} else {
				return fmt.Errorf("unknown log level %q", logLevel)
			}

			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := &installer.Options{
				Image:      image,
				Username:   username,
				Password:   password,
				VRF:        vrf,
				ConfigPath: configPath,
			}

			return installer.Run(ctx, options)
		},
	}
)

// Execute runs the install-system CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.Flags().StringVarP(&image, "image", "i", "", "image file or URL to install")
	rootCmd.Flags().StringVar(&username, "username", "", "username for the remote image server")
	rootCmd.Flags().StringVar(&password, "password", "", "password for the remote image server")
	rootCmd.Flags().StringVar(&vrf, "vrf", "", "routing domain used for remote transfers")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to installer settings file")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
}
