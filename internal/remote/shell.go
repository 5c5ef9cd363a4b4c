// Package remote is the shell and file-transfer channel to a worker. It is
// the fallback path when the generation service's native upload/download
// is unavailable, and the probe channel during provisioning.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/x121ai/podbatch/internal/config"
)

// Shell executes commands and transfers files on one worker.
type Shell interface {
	Run(ctx context.Context, command string, timeout time.Duration) (string, error)
	Upload(ctx context.Context, localPath, remotePath string) error
	Download(ctx context.Context, remotePath, localPath string) error
	Close() error
}

// SSHShell implements Shell over an SSH connection. One instance is bound
// to one worker and owned by its lifecycle controller.
type SSHShell struct {
	client *ssh.Client
}

// Dial opens an SSH connection to host:port using the configured key.
func Dial(host, port string, cfg *config.SSHConfig) (*SSHShell, error) {
	keyPath := cfg.KeyPath
	if strings.HasPrefix(keyPath, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		keyPath = filepath.Join(home, keyPath[2:])
	}

	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key %s: %w", keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key: %w", err)
	}

	client, err := ssh.Dial("tcp", host+":"+port, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // ephemeral pods, host keys rotate per create
		Timeout:         10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing %s:%s: %w", host, port, err)
	}
	return &SSHShell{client: client}, nil
}

// Run executes one command with a bounded wait and returns combined
// stdout. A non-zero exit or an elapsed timeout is an error.
func (s *SSHShell) Run(ctx context.Context, command string, timeout time.Duration) (string, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("opening ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return stdout.String(), fmt.Errorf("remote command failed: %w (stderr: %s)",
				err, strings.TrimSpace(stderr.String()))
		}
		return stdout.String(), nil
	case <-timer.C:
		session.Close()
		return "", fmt.Errorf("remote command timed out after %s", timeout)
	case <-ctx.Done():
		session.Close()
		return "", ctx.Err()
	}
}

// Upload copies a local file to the worker via SFTP.
func (s *SSHShell) Upload(ctx context.Context, localPath, remotePath string) error {
	return s.transfer(ctx, func(client *sftp.Client) error {
		src, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("opening %s: %w", localPath, err)
		}
		defer src.Close()

		dst, err := client.Create(remotePath)
		if err != nil {
			return fmt.Errorf("creating remote %s: %w", remotePath, err)
		}
		defer dst.Close()

		if _, err := io.Copy(dst, src); err != nil {
			return fmt.Errorf("uploading %s: %w", localPath, err)
		}
		return nil
	})
}

// Download copies a remote file from the worker via SFTP.
func (s *SSHShell) Download(ctx context.Context, remotePath, localPath string) error {
	return s.transfer(ctx, func(client *sftp.Client) error {
		src, err := client.Open(remotePath)
		if err != nil {
			return fmt.Errorf("opening remote %s: %w", remotePath, err)
		}
		defer src.Close()

		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", filepath.Dir(localPath), err)
		}
		dst, err := os.Create(localPath)
		if err != nil {
			return fmt.Errorf("creating %s: %w", localPath, err)
		}
		defer dst.Close()

		if _, err := io.Copy(dst, src); err != nil {
			return fmt.Errorf("downloading %s: %w", remotePath, err)
		}
		return nil
	})
}

func (s *SSHShell) transfer(ctx context.Context, fn func(*sftp.Client) error) error {
	client, err := sftp.NewClient(s.client)
	if err != nil {
		return fmt.Errorf("opening sftp channel: %w", err)
	}
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- fn(client) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down the SSH connection.
func (s *SSHShell) Close() error {
	return s.client.Close()
}
