package main

import (
	"bufio"
	"context"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.zx2c4.com/wireguard/tun"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/vtun/internal/config"
	"github.com/datawire/vtun/pkg/adapter"
	"github.com/datawire/vtun/pkg/vif/tcp"
)

func newConnectCommand() *cobra.Command {
	var remote string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "connect <host:port>",
		Short: "Open one outbound connection, copy stdin to it, print what comes back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote = args[0]
			return runConnect(cmd.Context(), remote, timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "handshake timeout")
	return cmd
}

func runConnect(ctx context.Context, remote string, timeout time.Duration) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	localAddr, err := netip.ParseAddr(cfg.LocalAddr)
	if err != nil {
		return err
	}

	addrPort, err := netip.ParseAddrPort(remote)
	if err != nil {
		return fmt.Errorf("connect: parse %q: %w", remote, err)
	}

	dev, err := tun.CreateTUN(cfg.TunName, 1420)
	if err != nil {
		return err
	}
	defer dev.Close()

	stack := tcp.NewVirtualStack(localAddr)
	a := adapter.New(dev, stack)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pumpDone := make(chan error, 1)
	go func() { pumpDone <- a.Run(runCtx, cfg.RetransmitInterval, cfg.CleanupInterval) }()

	id, rx := stack.Connect(ctx, addrPort.Addr(), addrPort.Port())

	deadline := time.Now().Add(timeout)
	for !stack.IsEstablished(id) {
		if time.Now().After(deadline) {
			return fmt.Errorf("connect: handshake with %s timed out", remote)
		}
		if !stack.WaitForStateChange(500 * time.Millisecond) {
			// No SYN-ACK yet within one RTO-ish window; re-send the SYN in
			// case it or the original ACK was lost in transit.
			stack.ResendSynIfPending(ctx, id)
		}
	}
	dlog.Infof(ctx, "connected to %s", remote)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			// Send keeps the slice for retransmission, so copy it out of the
			// scanner's reused buffer and restore the stripped newline.
			line := append(append([]byte(nil), scanner.Bytes()...), '\n')
			if err := stack.Send(ctx, id, line); err != nil {
				dlog.Errorf(ctx, "send: %v", err)
				return
			}
		}
		stack.Close(ctx, id)
	}()

	for chunk := range rx {
		if len(chunk) == 0 {
			break
		}
		os.Stdout.Write(chunk)
	}

	stack.RemoveConnection(id)
	cancel()
	<-pumpDone
	return nil
}
