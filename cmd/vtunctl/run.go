package main

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.zx2c4.com/wireguard/tun"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dhttp"
	"github.com/datawire/dlib/dlog"

	"github.com/datawire/vtun/internal/config"
	"github.com/datawire/vtun/pkg/adapter"
	"github.com/datawire/vtun/pkg/vif/tcp"
)

func newRunCommand() *cobra.Command {
	var loopback bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Bind a tun device and run the stack's read/write pumps and maintenance sweeps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), loopback)
		},
	}
	cmd.Flags().BoolVar(&loopback, "loopback", false, "use an in-memory loopback device instead of a real tun device")
	return cmd
}

// runDaemon creates the tun device, wires it to a fresh VirtualStack through
// the adapter, optionally serves /metrics, and blocks until the process is
// signaled to stop. Goroutine lifecycle follows the soft/hard shutdown
// pattern used throughout this stack's parent codebase: a dgroup with
// signal handling enabled, each goroutine wrapped so a panic is converted
// to an error rather than crashing the process.
func runDaemon(ctx context.Context, loopback bool) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}

	localAddr, err := netip.ParseAddr(cfg.LocalAddr)
	if err != nil {
		return err
	}

	dev, err := openDevice(cfg.TunName, loopback)
	if err != nil {
		return err
	}
	defer dev.Close()

	name, _ := dev.Name()
	dlog.Infof(ctx, "bound tun device %q for %s", name, localAddr)

	stack := tcp.NewVirtualStack(localAddr)
	a := adapter.New(dev, stack)

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		SoftShutdownTimeout:  2 * time.Second,
		EnableSignalHandling: true,
	})

	g.Go("adapter", func(ctx context.Context) (err error) {
		defer func() {
			if perr := derror.PanicToError(recover()); perr != nil {
				dlog.Errorf(ctx, "%+v", perr)
				err = perr
			}
		}()
		return a.Run(ctx, cfg.RetransmitInterval, cfg.CleanupInterval)
	})

	if cfg.MetricsAddr != "" {
		g.Go("metrics", func(ctx context.Context) error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			sc := &dhttp.ServerConfig{Handler: mux}

			ln, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				return err
			}
			dlog.Infof(ctx, "metrics listening on %s", cfg.MetricsAddr)
			soft := dcontext.WithSoftness(dcontext.HardContext(ctx))
			if err := sc.Serve(soft, ln); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		})
	}

	return g.Wait()
}

// openDevice returns a loopback device for smoke testing, or binds a real
// tun device with the given name.
func openDevice(name string, loopback bool) (adapter.Device, error) {
	if loopback {
		return adapter.NewLoopbackDevice(name), nil
	}
	return tun.CreateTUN(name, 1420)
}
