package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/GoCodeAlone/exthost/manifest"
)

// ContainerConfig describes how a module's lifecycle hooks run when the
// module ships as a container image instead of in-process code. The memory
// and CPU limits come from the module's manifest, never from here.
type ContainerConfig struct {
	Image       string            `yaml:"image"`
	WorkDir     string            `yaml:"workDir"`
	Env         map[string]string `yaml:"env"`
	HookTimeout time.Duration     `yaml:"hookTimeout"`
}

// HookResult is the outcome of one containerized hook invocation.
type HookResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ContainerRunner executes module hooks in throwaway containers. Each hook
// run creates a fresh container with the module's bundle mounted read-only,
// waits for it to exit, captures its output, and removes it. Containers get
// the manifest's memory and CPU limits and, when the manifest declares no
// allowed hosts, no network at all.
type ContainerRunner struct {
	client    *client.Client
	cfg       ContainerConfig
	limits    manifest.ResourceLimits
	networked bool
	bundleDir string
}

// NewContainerRunner creates a runner for one module. bundleDir is the
// extracted module bundle mounted into each hook container.
func NewContainerRunner(cfg ContainerConfig, md *manifest.ModuleMetadata, bundleDir string) (*ContainerRunner, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("sandbox: container image is required")
	}
	if cfg.HookTimeout == 0 {
		cfg.HookTimeout = 5 * time.Minute
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: create container client: %w", err)
	}

	return &ContainerRunner{
		client:    cli,
		cfg:       cfg,
		limits:    md.ResourceLimits,
		networked: len(md.Network.AllowedHosts) > 0,
		bundleDir: bundleDir,
	}, nil
}

// RunHook executes a lifecycle hook command ("activate", "deactivate",
// "uninstall") inside a fresh container. A non-zero exit is returned as an
// ExecutionError carrying the container's stderr.
func (r *ContainerRunner) RunHook(ctx context.Context, moduleID, tenantID, hook string) (*HookResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.HookTimeout)
	defer cancel()

	if err := r.ensureImage(ctx); err != nil {
		return nil, fmt.Errorf("sandbox: pull image %s: %w", r.cfg.Image, err)
	}

	containerConfig := &container.Config{
		Image:      r.cfg.Image,
		Cmd:        []string{"/module/hooks/" + hook},
		Env:        r.buildEnv(moduleID, tenantID),
		WorkingDir: r.cfg.WorkDir,
	}

	resp, err := r.client.ContainerCreate(ctx, containerConfig, r.buildHostConfig(), nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("sandbox: create hook container: %w", err)
	}
	containerID := resp.ID

	defer func() {
		removeCtx, removeCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer removeCancel()
		_ = r.client.ContainerRemove(removeCtx, containerID, container.RemoveOptions{Force: true})
	}()

	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("sandbox: start hook container: %w", err)
	}

	statusCh, errCh := r.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("sandbox: wait for hook container: %w", err)
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = r.client.ContainerStop(stopCtx, containerID, container.StopOptions{})
		return nil, &ExecutionError{
			ModuleID: moduleID,
			TenantID: tenantID,
			Cause:    fmt.Errorf("hook %s timed out after %s", hook, r.cfg.HookTimeout),
		}
	}

	stdout, stderr, err := r.captureLogs(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("sandbox: capture hook output: %w", err)
	}

	result := &HookResult{ExitCode: exitCode, Stdout: stdout, Stderr: stderr}
	if exitCode != 0 {
		return result, &ExecutionError{
			ModuleID: moduleID,
			TenantID: tenantID,
			Cause:    fmt.Errorf("hook %s exited %d: %s", hook, exitCode, stderr),
		}
	}
	return result, nil
}

// Close releases the container client.
func (r *ContainerRunner) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerRunner) ensureImage(ctx context.Context) error {
	_, _, err := r.client.ImageInspectWithRaw(ctx, r.cfg.Image)
	if err == nil {
		return nil
	}

	reader, err := r.client.ImagePull(ctx, r.cfg.Image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (r *ContainerRunner) buildEnv(moduleID, tenantID string) []string {
	env := make([]string, 0, len(r.cfg.Env)+2)
	for k, v := range r.cfg.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, "EXTHOST_MODULE_ID="+moduleID, "EXTHOST_TENANT_ID="+tenantID)
	return env
}

func (r *ContainerRunner) buildHostConfig() *container.HostConfig {
	hc := &container.HostConfig{}

	if r.limits.MaxMemoryBytes > 0 {
		hc.Resources.Memory = r.limits.MaxMemoryBytes
	}
	if r.limits.MaxCPUFraction > 0 {
		// Docker counts in NanoCPUs (1 CPU = 1e9 NanoCPUs)
		hc.Resources.NanoCPUs = int64(r.limits.MaxCPUFraction * 1e9)
	}

	if r.bundleDir != "" {
		hc.Mounts = []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   r.bundleDir,
			Target:   "/module",
			ReadOnly: true,
		}}
	}

	if !r.networked {
		hc.NetworkMode = "none"
	}
	return hc
}

func (r *ContainerRunner) captureLogs(ctx context.Context, containerID string) (string, string, error) {
	logReader, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", err
	}
	defer logReader.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, logReader); err != nil {
		return "", "", err
	}
	return strings.TrimSpace(stdoutBuf.String()), strings.TrimSpace(stderrBuf.String()), nil
}
