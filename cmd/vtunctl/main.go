// Command vtunctl is a thin front end over the virtual TCP stack: a daemon
// subcommand that binds a tun device and serves Prometheus metrics, and a
// connect subcommand for ad hoc testing of one outbound connection.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/datawire/dlib/dlog"
)

func main() {
	ctx := makeBaseLogger()

	root := &cobra.Command{
		Use:           "vtunctl",
		Short:         "Userspace TCP/IPv4 stack over a tun device",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand())
	root.AddCommand(newConnectCommand())

	if err := root.ExecuteContext(ctx); err != nil {
		dlog.Errorf(ctx, "%v", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
