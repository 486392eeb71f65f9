package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/usbflash/tools/internal/catalog"
	"github.com/usbflash/tools/internal/config"
)

func listCmd() *cobra.Command {
	return &cobra.Command{
		GroupID: "devices",
		Use:     "list",
		Short:   "List removable devices which can be written",
		Long: `List removable devices whose capacity lies within
--min-capacity and --max-capacity (4 GiB to 128 GiB by default).

Internal disks are never listed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			ctrl := newController(cfg, newLogger(cmd.ErrOrStderr(), cfg.Verbose))
			devices, err := ctrl.ListDevices()
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "no removable devices between %s and %s found\n",
					humanize.IBytes(cfg.MinCapacity),
					humanize.IBytes(cfg.MaxCapacity))
				return nil
			}
			return printDevices(cmd.OutOrStdout(), devices)
		},
	}
}

func printDevices(w io.Writer, devices []catalog.Device) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tSIZE\tLABEL\tSERIAL")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Path, humanize.IBytes(d.Capacity), d.Label, d.Serial)
	}
	return tw.Flush()
}

// pickDevice returns the only candidate device when none was specified.
func pickDevice(w io.Writer, devices []catalog.Device) (catalog.Device, error) {
	switch len(devices) {
	case 0:
		return catalog.Device{}, fmt.Errorf("no removable device found, see usbflash list")
	case 1:
		return devices[0], nil
	}
	if err := printDevices(w, devices); err != nil {
		return catalog.Device{}, err
	}
	return catalog.Device{}, fmt.Errorf("%d removable devices found, select one with --device", len(devices))
}
