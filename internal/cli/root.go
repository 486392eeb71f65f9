// Package cli implements the usbflash command line.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/usbflash/tools/internal/config"
	"github.com/usbflash/tools/internal/flash"
	"github.com/usbflash/tools/internal/journal"
	"github.com/usbflash/tools/internal/version"
)

// ExitError makes Execute exit with Code after printing Msg.
type ExitError struct {
	Code int
	Msg  string
}

func (e *ExitError) Error() string { return e.Msg }

func RootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "usbflash",
		Short: "write bootable USB media",
		Long: `usbflash turns a removable storage device into boot media:

1. Provision the device with a single FAT32 partition,
2. Write a disk image (block by block) or an installer tree (file by file),
3. Install a boot configuration overlay into EFI/,
4. Verify what was written.

Everything on the device is erased.
`,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			versionVal, err := cmd.Flags().GetBool("version")
			if err != nil {
				return fmt.Errorf("BUG: version flag declared as non-bool")
			}
			if versionVal {
				fmt.Fprintln(cmd.OutOrStdout(), version.Read())
				return nil
			}
			return pflag.ErrHelp
		},
	}
	rootCmd.AddGroup(&cobra.Group{
		ID:    "devices",
		Title: "Commands to find and write devices:",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "info",
		Title: "Commands to inspect past runs and this binary:",
	})
	rootCmd.Flags().Bool("version", false, "print usbflash version")
	config.RegisterPflags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(flashCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

func Execute() {
	if err := RootCmd().Execute(); err != nil {
		var ee *ExitError
		if errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, ee.Msg)
			os.Exit(ee.Code)
		}
		log.Fatal(err)
	}
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	// Keep the terminal free for progress output unless asked otherwise.
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func newController(cfg *config.Config, log *slog.Logger) *flash.Controller {
	ctrl := flash.New(log)
	ctrl.Catalog.MinCapacity = cfg.MinCapacity
	ctrl.Catalog.MaxCapacity = cfg.MaxCapacity
	ctrl.Provisioner.Label = cfg.VolumeLabel
	ctrl.Provisioner.MountRoot = cfg.MountRoot
	ctrl.Provisioner.SettleTimeout = cfg.SettleTimeout
	ctrl.Writer.ChunkSize = cfg.ChunkSize
	ctrl.Verifier.Full = cfg.VerifyFull
	ctrl.Sources.S3Region = cfg.S3Region
	return ctrl
}

// openJournal returns nil if the journal is disabled.
func openJournal(cfg *config.Config, log *slog.Logger) (*journal.Journal, error) {
	if cfg.Journal == "" {
		return nil, nil
	}
	return journal.Open(cfg.Journal, log)
}
