// Package worker drives one remote GPU worker: provisioning it through
// the control plane, keeping its generation service healthy, executing
// jobs against it and tearing it down when the partition is drained.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/x121ai/podbatch/internal/comfy"
	"github.com/x121ai/podbatch/internal/config"
	"github.com/x121ai/podbatch/internal/model"
	"github.com/x121ai/podbatch/internal/remote"
	"github.com/x121ai/podbatch/internal/runpod"
)

const provisionPollInterval = 10 * time.Second

// Controller owns the lifecycle of a single worker. It is not safe for
// concurrent use; each partition loop holds its own.
type Controller struct {
	cp  runpod.ControlPlane
	ssh *config.SSHConfig
	cfg *config.ComfyConfig
	log *slog.Logger

	info    model.WorkerInfo
	state   model.WorkerState
	shell   remote.Shell
	client  *comfy.Client
	created bool

	// dial and pollInterval are swapped in tests.
	dial         func(host, port string, cfg *config.SSHConfig) (remote.Shell, error)
	pollInterval time.Duration
}

// NewController creates a lifecycle controller bound to a control plane.
func NewController(cp runpod.ControlPlane, ssh *config.SSHConfig, cfg *config.ComfyConfig, log *slog.Logger) *Controller {
	return &Controller{
		cp:    cp,
		ssh:   ssh,
		cfg:   cfg,
		log:   log,
		state: model.WorkerCreating,
		dial: func(host, port string, sshCfg *config.SSHConfig) (remote.Shell, error) {
			return remote.Dial(host, port, sshCfg)
		},
		pollInterval: provisionPollInterval,
	}
}

// Info returns the last control-plane snapshot of the worker.
func (c *Controller) Info() model.WorkerInfo { return c.info }

// State returns the worker's current lifecycle state.
func (c *Controller) State() model.WorkerState { return c.state }

// Comfy returns the generation client bound to this worker. Valid after
// Provision succeeds.
func (c *Controller) Comfy() *comfy.Client { return c.client }

// Shell returns the remote shell bound to this worker. Valid after
// Provision succeeds.
func (c *Controller) Shell() remote.Shell { return c.shell }

// Created reports whether this controller created the pod itself rather
// than adopting an existing one.
func (c *Controller) Created() bool { return c.created }

// Provision brings the worker to the ready state: a running pod with a
// responsive shell. With podID it adopts an existing pod (resuming it if
// stopped); otherwise it creates a fresh one under the given name. The
// whole sequence is bounded by the provision timeout.
func (c *Controller) Provision(ctx context.Context, podID, name string) error {
	c.state = model.WorkerCreating

	if podID == "" {
		info, err := c.cp.Create(ctx, name)
		if err != nil {
			return fmt.Errorf("provisioning worker: %w", err)
		}
		c.info = info
		c.created = true
		podID = info.ID
	} else {
		info, err := c.cp.Get(ctx, podID)
		if err != nil {
			return fmt.Errorf("adopting pod %s: %w", podID, err)
		}
		c.info = info
		if info.DesiredStatus == "EXITED" || info.DesiredStatus == "STOPPED" {
			c.log.Info("resuming stopped pod", "pod_id", podID)
			if err := c.cp.Resume(ctx, podID); err != nil {
				return fmt.Errorf("adopting pod %s: %w", podID, err)
			}
		}
	}

	timeout := time.Duration(c.cfg.ProvisionTimeout) * time.Second
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ready := func() error {
		// Get keeps retrying through ErrNotFound: a freshly created pod
		// may not be visible to the API for a short while.
		info, err := c.cp.Get(waitCtx, podID)
		if err != nil {
			return err
		}
		c.info = info
		if !info.Running() {
			return fmt.Errorf("pod %s not running yet (status %s)", podID, info.DesiredStatus)
		}

		shell, err := c.dial(info.SSHHost, info.SSHPort, c.ssh)
		if err != nil {
			return err
		}
		if _, err := shell.Run(waitCtx, "echo ok", 15*time.Second); err != nil {
			shell.Close()
			return err
		}
		c.shell = shell
		return nil
	}

	policy := backoff.WithContext(backoff.NewConstantBackOff(c.pollInterval), waitCtx)
	if err := backoff.Retry(ready, policy); err != nil {
		if waitCtx.Err() != nil {
			return fmt.Errorf("pod %s not ready after %s: %w", podID, timeout, model.ErrProvisionTimeout)
		}
		return fmt.Errorf("provisioning worker: %w", err)
	}

	c.client = comfy.NewClient(c.cp.ProxyURL(podID), c.log,
		comfy.WithPollInterval(time.Duration(c.cfg.PollIntervalSec)*time.Second),
		comfy.WithMessageWait(time.Duration(c.cfg.MessageWaitSec)*time.Second),
	)
	c.state = model.WorkerReady
	c.log.Info("worker ready", "pod_id", podID, "ssh", c.info.SSHHost+":"+c.info.SSHPort)
	return nil
}

// EnsureReady verifies the generation service answers, restarting it over
// the shell when it does not. Called before every job attempt; the common
// case is a single cheap health probe.
func (c *Controller) EnsureReady(ctx context.Context) error {
	if c.client.IsAlive(ctx) {
		c.state = model.WorkerHealthy
		return nil
	}

	c.state = model.WorkerUnhealthy
	c.log.Warn("generation service down, restarting", "pod_id", c.info.ID)
	if err := c.restartService(ctx); err != nil {
		return fmt.Errorf("worker %s: %w: %v", c.info.ID, model.ErrWorkerUnrecoverable, err)
	}
	c.state = model.WorkerHealthy
	return nil
}

// restartService launches the generation service on the worker, via the
// startup script when present, and waits for it to answer.
func (c *Controller) restartService(ctx context.Context) error {
	script := c.cfg.StartupScript
	launch := fmt.Sprintf(
		"if [ -x %s ]; then nohup %s > /workspace/comfyui.log 2>&1 & "+
			"else cd %s && nohup python main.py --listen 0.0.0.0 --port 8188 > /workspace/comfyui.log 2>&1 & fi; echo started",
		script, script, c.cfg.Dir)
	if _, err := c.shell.Run(ctx, launch, 30*time.Second); err != nil {
		return fmt.Errorf("launching service: %w", err)
	}

	timeout := time.Duration(c.cfg.StartupTimeout) * time.Second
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	probe := func() error {
		if !c.client.IsAlive(waitCtx) {
			return fmt.Errorf("service not answering yet")
		}
		return nil
	}
	interval := time.Duration(c.cfg.PollIntervalSec) * time.Second
	policy := backoff.WithContext(backoff.NewConstantBackOff(interval), waitCtx)
	if err := backoff.Retry(probe, policy); err != nil {
		return fmt.Errorf("service did not come up within %s", timeout)
	}
	c.log.Info("generation service restarted", "pod_id", c.info.ID)
	return nil
}

// Teardown releases the worker. Created pods are terminated, or stopped
// when keep is set; adopted pods are left running. Teardown must always
// run, so failures are logged rather than propagated.
func (c *Controller) Teardown(ctx context.Context, keep bool) {
	if c.client != nil {
		if err := c.client.ClearQueue(ctx); err != nil {
			c.log.Warn("failed to clear worker queue", "pod_id", c.info.ID, "error", err)
		}
	}
	if c.shell != nil {
		if err := c.shell.Close(); err != nil {
			c.log.Warn("failed to close shell", "pod_id", c.info.ID, "error", err)
		}
		c.shell = nil
	}

	if c.info.ID == "" {
		return
	}
	switch {
	case !c.created:
		c.log.Info("leaving adopted pod running", "pod_id", c.info.ID)
	case keep:
		if err := c.cp.Stop(ctx, c.info.ID); err != nil {
			c.log.Error("failed to stop pod", "pod_id", c.info.ID, "error", err)
			return
		}
		c.state = model.WorkerStopped
	default:
		if err := c.cp.Terminate(ctx, c.info.ID); err != nil {
			c.log.Error("failed to terminate pod", "pod_id", c.info.ID, "error", err)
			return
		}
		c.state = model.WorkerTerminated
	}
}
