// aegisctl is the command-line client for aegisd: it dials the message
// bus (E), issues one JSON-RPC call (F), prints the result, and exits.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/xfeldman/aegisd/internal/rpcclient"
)

var (
	addr    string
	timeout time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "aegisctl",
		Short: "Command-line client for aegisd",
	}
	root.PersistentFlags().StringVar(&addr, "addr", "127.0.0.1:54321", "aegisd bus address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "call timeout")

	root.AddCommand(newPingCmd())
	root.AddCommand(newEchoCmd())
	root.AddCommand(newVMCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func call(method string, params interface{}) {
	c, err := rpcclient.Dial(addr, timeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer c.Close()

	result, err := c.Call(method, params)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if len(result) == 0 {
		fmt.Println("ok")
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		fmt.Println(string(result))
		return
	}
	fmt.Println(pretty.String())
}

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Call Host.ping",
		Run: func(cmd *cobra.Command, args []string) {
			call("Host.ping", nil)
		},
	}
}

func newEchoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "echo [message]",
		Short: "Call Host.echo",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			call("Host.echo", map[string]string{"message": args[0]})
		},
	}
}

func newVMCmd() *cobra.Command {
	vmCmd := &cobra.Command{
		Use:   "vm",
		Short: "Managed-VM lifecycle operations",
	}

	var vmID string
	createCmd := &cobra.Command{
		Use:   "create [xml-file]",
		Short: "Define and start a VM from a domain XML file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			xmlBytes, err := os.ReadFile(args[0])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			call("VM.create", map[string]string{"vmID": vmID, "xml": string(xmlBytes)})
		},
	}
	createCmd.Flags().StringVar(&vmID, "vmid", "", "VM id (required)")
	createCmd.MarkFlagRequired("vmid")

	destroyCmd := &cobra.Command{
		Use:   "destroy",
		Short: "Stop and undefine a VM",
		Run: func(cmd *cobra.Command, args []string) {
			call("VM.destroy", map[string]string{"vmID": vmID})
		},
	}
	destroyCmd.Flags().StringVar(&vmID, "vmid", "", "VM id (required)")
	destroyCmd.MarkFlagRequired("vmid")

	vmCmd.AddCommand(createCmd, destroyCmd)
	return vmCmd
}
