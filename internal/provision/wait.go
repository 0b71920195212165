package provision

import (
	"context"
	"errors"
	"strings"

	"github.com/go-logr/logr"

	"github.com/vpatelsj/exitnode/internal/bootstrap"
	"github.com/vpatelsj/exitnode/internal/cloud"
	"github.com/vpatelsj/exitnode/internal/retry"
)

// softFail turns poll exhaustion into a logged warning. Any other error,
// in practice cancellation, is returned.
func softFail(log logr.Logger, what string, err error) error {
	if errors.Is(err, retry.ErrExhausted) {
		log.Info("Warning: "+what+" not confirmed, continuing", "reason", err.Error())
		return nil
	}
	return err
}

func (p *Provisioner) waitVMReady(ctx context.Context, log logr.Logger, ref cloud.VMRef) (bool, error) {
	policy := p.Config.VMReadyPoll
	log.Info("Waiting for VM to be running", "attempts", policy.Attempts, "delay", policy.Delay, "budget", policy.Budget())

	status, err := retry.Until(ctx, policy,
		func(ctx context.Context) (cloud.VMStatus, error) {
			return p.Cloud.VMStatus(ctx, ref)
		},
		cloud.VMStatus.Ready,
		func(n uint, s cloud.VMStatus, err error) {
			if err != nil {
				log.V(1).Info("VM status query failed", "attempt", n, "error", err.Error())
				return
			}
			log.V(1).Info("VM not ready", "attempt", n, "status", s.String())
		},
	)
	if err != nil {
		return false, softFail(log, "VM readiness", err)
	}
	log.Info("VM is running", "status", status.String())
	return true, nil
}

func (p *Provisioner) waitAgentReady(ctx context.Context, log logr.Logger, ref cloud.VMRef) (bool, error) {
	policy := p.Config.AgentReadyPoll
	log.Info("Waiting for VM agent", "attempts", policy.Attempts, "delay", policy.Delay, "budget", policy.Budget())

	_, err := retry.Until(ctx, policy,
		func(ctx context.Context) (string, error) {
			return p.Cloud.AgentStatus(ctx, ref)
		},
		func(s string) bool { return strings.EqualFold(s, "Ready") },
		func(n uint, s string, err error) {
			log.V(1).Info("VM agent not ready", "attempt", n, "status", s, "error", errString(err))
		},
	)
	if err != nil {
		return false, softFail(log, "VM agent readiness", err)
	}
	log.Info("VM agent is ready")
	return true, nil
}

// waitStatus polls the status command until it prints something. The command
// only prints once this run's marker is on the VM. Exhaustion is silent.
func (p *Provisioner) waitStatus(ctx context.Context, log logr.Logger, ref cloud.VMRef, runID string) (string, error) {
	script, err := bootstrap.StatusCommand(runID)
	if err != nil {
		return "", err
	}
	policy := p.Config.StatusPoll
	log.Info("Waiting for Tailscale to come up", "attempts", policy.Attempts, "delay", policy.Delay, "budget", policy.Budget())

	out, err := retry.Until(ctx, policy,
		func(ctx context.Context) (string, error) {
			msg, err := p.Cloud.RunCommand(ctx, ref, script)
			if err != nil {
				return "", err
			}
			return bootstrap.StdoutOf(msg), nil
		},
		func(s string) bool { return s != "" },
		func(n uint, _ string, err error) {
			log.V(1).Info("Tailscale status not available yet", "attempt", n, "error", errString(err))
		},
	)
	if errors.Is(err, retry.ErrExhausted) {
		log.V(1).Info("Tailscale status never confirmed", "reason", err.Error())
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return out, nil
}

func (p *Provisioner) approveRoutes(ctx context.Context, log logr.Logger, hostname string) (bool, error) {
	policy := p.ApprovePoll
	if policy.Attempts == 0 {
		policy = DefaultApprovePoll
	}
	log.Info("Approving exit routes in the tailnet", "budget", policy.Budget())

	approved, err := retry.Until(ctx, policy,
		func(ctx context.Context) (bool, error) {
			if _, err := p.Tailnet.ApproveExitNode(ctx, hostname); err != nil {
				return false, err
			}
			return true, nil
		},
		func(ok bool) bool { return ok },
		func(n uint, _ bool, err error) {
			log.V(1).Info("Exit routes not approved yet", "attempt", n, "error", errString(err))
		},
	)
	if err != nil {
		return false, softFail(log, "exit route approval", err)
	}
	return approved, nil
}

// lookupAddress finds the VM's public IP by its DNS label. Failures only
// cost the summary its address.
func (p *Provisioner) lookupAddress(ctx context.Context, log logr.Logger, resourceGroup, dnsLabel string) cloud.Address {
	ips, err := p.Cloud.ListPublicIPs(ctx, resourceGroup)
	if err != nil {
		log.V(1).Info("Could not list public IPs", "error", err.Error())
		return cloud.Address{}
	}
	for _, ip := range ips {
		if strings.HasPrefix(strings.ToLower(ip.FQDN), dnsLabel+".") {
			return cloud.Address{PublicIP: ip.IPAddress, FQDN: ip.FQDN}
		}
	}
	return cloud.Address{}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
