package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loccen/tinder-swipe/internal/aria2"
	"github.com/loccen/tinder-swipe/internal/config"
	"github.com/loccen/tinder-swipe/internal/linode"
	"github.com/loccen/tinder-swipe/internal/orchestrator"
	"github.com/loccen/tinder-swipe/internal/store"
)

func newDestroyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Delete every cloud instance under the proxy label",
		Long: `Delete every Linode instance whose label starts with the proxy label,
retire the local instance records, and clear the download daemon's proxy.

This is the CLI equivalent of the dashboard's emergency destroy button.
Use it when the daemon is down and a VM is still accruing cost. Running
tasks are left alone; the monitor tick fails them once their downloads
stall without the proxy.`,
		Args: cobra.NoArgs,
		RunE: runDestroy,
	}

	cmd.Flags().Bool("yes", false, "skip the confirmation prompt")

	return cmd
}

func runDestroy(cmd *cobra.Command, _ []string) error {
	cfg := resolvedCfg
	logger := appLogger

	if cfg.Linode.Token == "" {
		return fmt.Errorf("linode.token: required (set %s)", config.EnvLinodeToken)
	}

	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		ok, err := confirmDestroy(os.Stdin, os.Stdout, orchestrator.InstanceLabel)
		if err != nil {
			return err
		}

		if !ok {
			fmt.Println("Aborted.")

			return nil
		}
	}

	st, err := store.Open(cfg.Core.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	httpClient := defaultHTTPClient()
	cloud := linode.NewManager(linode.DefaultBaseURL, cfg.Linode.Token, httpClient, logger)
	daemon := aria2.NewClient(cfg.Aria2.RPCURL, cfg.Aria2.RPCSecret, httpClient, logger)

	proxy := orchestrator.NewProxyInstance(st, cloud, daemon, orchestrator.ProxyConfig{
		Region:        cfg.Linode.Region,
		Type:          cfg.Linode.Type,
		ProxyPort:     cfg.Proxy.Port,
		ProxyUsername: cfg.Proxy.Username,
		ProxyPassword: cfg.Proxy.Password,
		HourlyCost:    cfg.Linode.HourlyCost,
	}, logger)

	deleted, err := proxy.EmergencyDestroyAll(cmd.Context())
	if err != nil {
		return fmt.Errorf("emergency destroy: %w", err)
	}

	fmt.Printf("Destroyed %d instance(s).\n", deleted)

	return nil
}

// confirmDestroy asks for explicit confirmation before the teardown. Only
// "y" or "yes" (case-insensitive) proceeds; anything else, including EOF on
// a non-interactive stdin, aborts.
func confirmDestroy(in io.Reader, out io.Writer, label string) (bool, error) {
	fmt.Fprintf(out, "Delete ALL cloud instances labelled %q and retire their records? [y/N]: ", label)

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false, nil
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
