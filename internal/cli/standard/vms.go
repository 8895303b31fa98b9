package standard

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/ccheshirecat/lambdo/internal/cli/client"
)

func newStartCmd() *cobra.Command {
	var (
		kernel   string
		initrd   string
		bootArgs string
		disks    []string
		ports    []string
		asJSON   bool
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Boot a microVM from a kernel and disk images",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kernel == "" {
				return fmt.Errorf("--kernel is required")
			}
			req := client.StartRequest{
				Boot:  client.BootOptions{KernelImagePath: kernel},
				Disks: []client.DiskOptions{},
			}
			if initrd != "" {
				req.Boot.InitrdPath = &initrd
			}
			if cmd.Flags().Changed("boot-args") {
				req.Boot.BootArgs = &bootArgs
			}
			for _, raw := range disks {
				disk, err := parseDisk(raw)
				if err != nil {
					return err
				}
				req.Disks = append(req.Disks, disk)
			}
			for _, raw := range ports {
				pair, err := parsePortPair(raw)
				if err != nil {
					return err
				}
				req.Network.PortMapping = append(req.Network.PortMapping, pair)
			}

			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			resp, err := api.Start(ctx, req)
			if err != nil {
				return err
			}
			return printStarted(cmd, resp, asJSON)
		},
	}

	cmd.Flags().StringVar(&kernel, "kernel", "", "Kernel image id")
	cmd.Flags().StringVar(&initrd, "initrd", "", "Initrd image id")
	cmd.Flags().StringVar(&bootArgs, "boot-args", "", "Kernel boot arguments (replaces the default set)")
	cmd.Flags().StringArrayVar(&disks, "disk", nil, "Disk image as id[:ro][:root] (repeatable)")
	cmd.Flags().StringArrayVarP(&ports, "port", "p", nil, "Port forward as host:guest (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the response as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "Request timeout")
	return cmd
}

func newSpawnCmd() *cobra.Command {
	var (
		rootfs  string
		ports   []int
		asJSON  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Boot a microVM from a rootfs with ephemeral host ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rootfs == "" {
				return fmt.Errorf("--rootfs is required")
			}
			for _, p := range ports {
				if p < 1 || p > 65535 {
					return fmt.Errorf("guest port %d out of range", p)
				}
			}
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			resp, err := api.Spawn(ctx, client.SpawnRequest{Rootfs: rootfs, RequestedPorts: ports})
			if err != nil {
				return err
			}
			return printStarted(cmd, resp, asJSON)
		},
	}

	cmd.Flags().StringVar(&rootfs, "rootfs", "", "Rootfs image id")
	cmd.Flags().IntSliceVarP(&ports, "port", "p", nil, "Guest port to expose (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the response as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "Request timeout")
	return cmd
}

func printStarted(cmd *cobra.Command, resp *client.StartResponse, asJSON bool) error {
	if asJSON {
		return encodeAsJSON(cmd.OutOrStdout(), resp)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "VM %s started\n", resp.ID)
	for _, pair := range resp.PortMapping {
		fmt.Fprintf(cmd.OutOrStdout(), "  host %d -> guest %d\n", pair[0], pair[1])
	}
	return nil
}

func newDestroyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "destroy <id>",
		Aliases: []string{"rm"},
		Short:   "Stop a microVM and release its resources",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			if err := api.Destroy(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "VM %s destroyed\n", args[0])
			return nil
		},
	}
	return cmd
}

func newVMsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vms",
		Short: "Inspect microVMs",
	}

	cmd.AddCommand(newVMsListCmd())
	cmd.AddCommand(newVMsGetCmd())
	cmd.AddCommand(newVMsWatchCmd())
	cmd.AddCommand(newVMsPortsCmd())
	return cmd
}

func newVMsListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List microVMs",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			vms, err := api.ListVMs(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return encodeAsJSON(cmd.OutOrStdout(), vms)
			}
			if len(vms) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No VMs found")
				return nil
			}
			sort.Slice(vms, func(i, j int) bool { return vms[i].CreatedAt.Before(vms[j].CreatedAt) })
			fmt.Fprintf(cmd.OutOrStdout(), "%-36s %-10s %-15s %-14s %s\n", "ID", "STATUS", "IP", "TAP", "PORTS")
			for _, vm := range vms {
				fmt.Fprintf(cmd.OutOrStdout(), "%-36s %-10s %-15s %-14s %s\n", vm.ID, vm.Status, vm.IPAddress, vm.TapDevice, formatPortMapping(vm.PortMapping))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func newVMsGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show microVM details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			vm, err := api.GetVM(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID: %s\nStatus: %s\nIP: %s\nTap: %s\nPorts: %s\nKernel: %s\n", vm.ID, vm.Status, vm.IPAddress, vm.TapDevice, formatPortMapping(vm.PortMapping), vm.KernelPath)
			if vm.InitrdPath != "" {
				fmt.Fprintf(out, "Initrd: %s\n", vm.InitrdPath)
			}
			if vm.PID != 0 {
				fmt.Fprintf(out, "PID: %d\n", vm.PID)
			}
			fmt.Fprintf(out, "Boot Args: %s\n", vm.BootArgs)
			for _, disk := range vm.Disks {
				mode := "rw"
				if disk.IsReadonly {
					mode = "ro"
				}
				root := ""
				if disk.IsRootDevice {
					root = " root"
				}
				fmt.Fprintf(out, "Disk: %s %s (%s%s)\n", disk.ID, disk.Path, mode, root)
			}
			return nil
		},
	}
	return cmd
}

func newVMsWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream microVM lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			return api.WatchVMEvents(ctx, func(ev client.VMEvent) {
				target := cmd.OutOrStdout()
				fmt.Fprintf(target, "%s\t%s\t%s\t%s\n", ev.Timestamp.Format(time.RFC3339), ev.Type, ev.ID, ev.Message)
			})
		},
	}
	return cmd
}

func newVMsPortsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List host ports forwarded to microVMs",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			ports, err := api.UsedPorts(ctx)
			if err != nil {
				return err
			}
			for _, p := range ports {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
	return cmd
}
