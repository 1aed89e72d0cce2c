package app

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/autopeer-io/otaupdater/cmd/cpeer-ota-updater/app/options"
	"github.com/autopeer-io/otaupdater/internal/updater/core"
	"github.com/autopeer-io/otaupdater/internal/updater/hal"
	"github.com/autopeer-io/otaupdater/pkg/log"
)

func newPartitionsCommand(opts *options.UpdaterOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "partitions",
		Short: "Print the partition table with the running, boot and update slots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			device, err := openDevice(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer device.Close()

			return printPartitions(cmd.OutOrStdout(), device)
		},
	}
}

func newMarkBootCommand(opts *options.UpdaterOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mark-boot LABEL",
		Short: "Point the bootloader at an app partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			device, err := openDevice(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer device.Close()

			return markBoot(cmd.OutOrStdout(), device, args[0])
		},
	}
}

func openDevice(ctx context.Context, opts *options.UpdaterOptions) (*hal.FlashHAL, error) {
	if err := utilerrors.NewAggregate(opts.HALOptions.Validate()); err != nil {
		return nil, err
	}
	log.Init(opts.Log)

	device, err := hal.NewFromOptions(opts.HALOptions, opts.DeviceID)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := device.Init(ctx); err != nil {
		return nil, fmt.Errorf("initialize device state: %w", err)
	}
	return device, nil
}

func printPartitions(w io.Writer, device *hal.FlashHAL) error {
	boot, err := device.BootPartition()
	if err != nil {
		return err
	}

	table := uitable.New()
	table.MaxColWidth = 40
	table.AddRow("LABEL", "TYPE", "SUBTYPE", "OFFSET", "SIZE", "ROLE", "BOOT", "IMAGE")

	for _, p := range device.Partitions() {
		mark := ""
		if p.Same(boot) {
			mark = "*"
		}
		table.AddRow(p.Label, p.Type, p.SubType, fmt.Sprintf("0x%x", p.Offset), fmt.Sprintf("0x%x", p.Size), p.Role, mark, describe(device, p))
	}

	_, err = fmt.Fprintln(w, table)
	return err
}

func describe(device *hal.FlashHAL, p core.Partition) string {
	if !p.IsApp() {
		return ""
	}
	info, err := device.Describe(p)
	if err != nil {
		return "-"
	}
	parts := []string{fmt.Sprintf("%d segments", info.Segments)}
	if info.ProjectName != "" {
		parts = append(parts, info.ProjectName)
	}
	if info.Version != "" {
		parts = append(parts, info.Version)
	}
	return strings.Join(parts, " ")
}

func markBoot(w io.Writer, device *hal.FlashHAL, label string) error {
	for _, p := range device.Partitions() {
		if p.Label != label {
			continue
		}
		if !p.IsApp() {
			return fmt.Errorf("partition %s is not an app partition", label)
		}
		if err := device.SetBootPartition(p); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w, "boot partition set to %s\n", p.Label)
		return err
	}
	return fmt.Errorf("%w: %s", core.ErrPartitionNotFound, label)
}
