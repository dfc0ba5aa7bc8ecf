package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/standardbeagle/scrcpyhub/internal/adb"
	"github.com/standardbeagle/scrcpyhub/internal/config"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices attached to the adb server",
	Long: `List the devices the adb server currently knows.

Output is a table when stdout is a terminal and JSON otherwise.`,
	Args: cobra.NoArgs,
	RunE: runDevices,
}

var (
	devicesADB  string
	devicesJSON bool
)

func init() {
	devicesCmd.Flags().StringVar(&devicesADB, "adb", config.DefaultConfig().ADB.Address, "Address of the adb server")
	devicesCmd.Flags().BoolVar(&devicesJSON, "json", false, "Print JSON even on a terminal")
}

func runDevices(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(os.Stderr, logLevel, logFormat)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	client := adb.NewClient(devicesADB, logger)
	devices, err := client.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	asJSON := devicesJSON || !term.IsTerminal(int(os.Stdout.Fd()))
	return printDevices(cmd.OutOrStdout(), devices, asJSON)
}

func printDevices(w io.Writer, devices []adb.DeviceEntry, asJSON bool) error {
	if devices == nil {
		devices = []adb.DeviceEntry{}
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(devices)
	}

	if len(devices) == 0 {
		_, err := fmt.Fprintln(w, "No devices attached")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERIAL\tSTATE")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\n", d.ID, d.Type)
	}
	return tw.Flush()
}
