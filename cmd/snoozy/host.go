package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/snoozy/internal/host"
	"github.com/srg/snoozy/internal/logstore"
	"github.com/srg/snoozy/pkg/config"
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Run the host process that owns the radio and the logs",
	Long: `Serve the local Bluetooth transport and the day logs to other snoozy
processes over a websocket at ws://<host_addr>/ipc. Clients use it with
transport: bridge and storage: host. Logs are also readable at
GET /api/days/<day> and GET /api/days/<day>/summary.`,
	Args: cobra.NoArgs,
	RunE: runHost,
}

var hostAddr string

func init() {
	hostCmd.Flags().StringVar(&hostAddr, "addr", "", "Listen address (defaults to host_addr from the config)")
}

func runHost(cmd *cobra.Command, _ []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()
	if e.cfg.Transport == config.TransportBridge || e.cfg.Storage == config.StorageHost {
		return fmt.Errorf("the host needs local transport and storage, got transport %q and storage %q", e.cfg.Transport, e.cfg.Storage)
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	transport, err := newTransport(ctx, e)
	if err != nil {
		return err
	}
	durable, err := newBackend(ctx, e)
	if err != nil {
		return err
	}

	addr := e.cfg.HostAddr
	if hostAddr != "" {
		addr = hostAddr
	}
	srv := host.New(transport, logstore.NewMemoryBackend(durable), e.logger)
	fmt.Fprintf(e.out, "Host serving %s transport and %s storage on %s\n", transport.Kind(), e.cfg.Storage, addr)
	return srv.Start(ctx, addr)
}
