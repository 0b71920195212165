// Command exitnode lists Azure regions and VMs and provisions Azure VMs that
// join a tailnet as Tailscale exit nodes.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/cobra"

	"github.com/vpatelsj/exitnode/internal/cloud"
	"github.com/vpatelsj/exitnode/internal/cloud/arm"
	"github.com/vpatelsj/exitnode/internal/cloud/azcli"
	"github.com/vpatelsj/exitnode/internal/config"
	"github.com/vpatelsj/exitnode/internal/ipdiscovery"
	"github.com/vpatelsj/exitnode/internal/lister"
	"github.com/vpatelsj/exitnode/internal/logging"
	"github.com/vpatelsj/exitnode/internal/prompt"
	"github.com/vpatelsj/exitnode/internal/provision"
	"github.com/vpatelsj/exitnode/pkg/tailscale"
)

func main() {
	// SIGINT/SIGTERM cancel the context; polls stop and nothing is cleaned up.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := Execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// Execute runs exitnode with args and returns the process exit status.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand(func(cmd *cobra.Command, a Action) error {
		return run(cmd.Context(), a, stdout, stderr)
	})
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return exitCode(cmd, cmd.ExecuteContext(ctx), stderr)
}

func run(ctx context.Context, a Action, stdout, stderr io.Writer) error {
	log, sync, err := logging.New(logging.Options{JSON: a.LogJSON, Verbose: a.Verbose})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer sync()

	cfg, err := config.Load(a.ConfigPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate().Err(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log.V(1).Info("Loaded configuration", "backend", cfg.Backend, "resourceGroupPrefix", cfg.ResourceGroupPrefix)

	backend, err := newCloud(cfg, log, stderr)
	if err != nil {
		return err
	}
	if err := backend.CheckSession(ctx); err != nil {
		return fmt.Errorf("azure session: %w", err)
	}

	switch a.Kind {
	case KindListRegions:
		return lister.New(backend, stdout, log).Regions(ctx)
	case KindListVMs:
		return lister.New(backend, stdout, log).VMs(ctx)
	case KindBuild:
		p := &provision.Provisioner{
			Cloud:    backend,
			Prompter: prompt.Terminal{Out: stderr},
			IPFinder: ipdiscovery.NewFinder(cfg.IPDiscoveryURL, log),
			Config:   cfg,
			Logger:   log,
			Out:      stdout,
		}
		if cfg.Tailscale.Enabled() {
			tn, err := newTailnet(ctx, cfg.Tailscale, log)
			if err != nil {
				return err
			}
			p.Tailnet = tn
		}
		_, err := p.Run(ctx, a.Build)
		return err
	default:
		return fmt.Errorf("unhandled action %s", a.Kind)
	}
}

func newCloud(cfg *config.Config, log logr.Logger, stderr io.Writer) (cloud.Cloud, error) {
	switch cfg.Backend {
	case config.BackendARM:
		cred, err := arm.NewCredential(cfg.TenantID, stderr)
		if err != nil {
			return nil, err
		}
		clients, err := arm.NewClients(cfg.SubscriptionID, cred, log.WithName("arm"))
		if err != nil {
			return nil, fmt.Errorf("create Azure clients: %w", err)
		}
		return clients, nil
	default:
		var opts []azcli.Option
		if cfg.SubscriptionID != "" {
			opts = append(opts, azcli.WithSubscription(cfg.SubscriptionID))
		}
		return azcli.New(azcli.NewExecRunner(log.WithName("az")), log.WithName("azcli"), opts...), nil
	}
}

func newTailnet(ctx context.Context, ts config.TailscaleConfig, log logr.Logger) (*tailscale.Client, error) {
	log = log.WithName("tailscale")

	// Rate limits and 5xx from the API are retried below the approval poll.
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.Logger = logging.NewLeveledLogger(log)
	withRetries := tailscale.WithHTTPClient(rc.StandardClient())

	if ts.APIKey != "" {
		return tailscale.NewClient(ts.APIKey, ts.Tailnet, log, withRetries)
	}
	return tailscale.NewClientWithOAuth(ctx, ts.ClientID, ts.ClientSecret, ts.Tailnet, log, withRetries)
}
