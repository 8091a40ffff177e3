// Package ssh runs node operations over SSH. Each operation dials the node,
// runs the configured remote command in one session and reports a
// *CommandError on non-zero exit.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/orchardproj/orchard/pkg/orchestrator"
	"github.com/orchardproj/orchard/pkg/telemetry"
)

// CommandError reports a remote command that ran and exited non-zero.
type CommandError struct {
	Unit     string
	Op       orchestrator.Operation
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s on %s exited with code %d", e.Op, e.Unit, e.ExitCode)
	}
	return fmt.Sprintf("%s on %s exited with code %d: %s", e.Op, e.Unit, e.ExitCode, e.Stderr)
}

// IsCommandError reports whether err wraps a *CommandError.
func IsCommandError(err error) bool {
	var cmdErr *CommandError
	return errors.As(err, &cmdErr)
}

// Executor implements orchestrator.UnitExecutor over SSH. It is safe for
// concurrent use; every Run dials its own connection.
type Executor struct {
	config *Config
	log    *telemetry.Logger
}

// NewExecutor creates an SSH executor.
func NewExecutor(config *Config, logger *telemetry.Logger) (*Executor, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	return &Executor{
		config: config,
		log:    logger.WithField("component", "ssh"),
	}, nil
}

// Run dials the node and executes the remote command for the operation.
func (e *Executor) Run(ctx context.Context, unitID string, op orchestrator.Operation) error {
	cmd, err := e.commandFor(op)
	if err != nil {
		return err
	}

	client, err := e.dial(ctx, unitID)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	return e.runCommand(ctx, client, unitID, op, cmd)
}

func (e *Executor) commandFor(op orchestrator.Operation) (string, error) {
	switch op {
	case orchestrator.OpConfigure:
		return e.config.Commands.Configure, nil
	case orchestrator.OpBootstrap:
		return e.config.Commands.Bootstrap, nil
	case orchestrator.OpDestroy:
		return e.config.Commands.Destroy, nil
	default:
		return "", fmt.Errorf("unknown operation: %s", op)
	}
}

// dial establishes the SSH connection, honoring ctx cancellation.
func (e *Executor) dial(ctx context.Context, unitID string) (*ssh.Client, error) {
	clientConfig, err := e.config.BuildSSHClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build ssh config: %w", err)
	}

	address := e.config.Address(unitID)
	e.log.WithUnitID(unitID).Debugf("dialing %s", address)

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)

	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- client
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("dial %s: %w", address, ctx.Err())
	case err := <-errChan:
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	case client := <-connChan:
		return client, nil
	}
}

func (e *Executor) runCommand(ctx context.Context, client *ssh.Client, unitID string, op orchestrator.Operation, cmd string) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create session on %s: %w", unitID, err)
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	start := time.Now()
	log := e.log.WithUnitID(unitID)
	log.Debugf("running %q", cmd)

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	timeout := time.NewTimer(e.config.CommandTimeout)
	defer timeout.Stop()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		runErr = ctx.Err()
	case <-timeout.C:
		_ = session.Signal(ssh.SIGKILL)
		runErr = fmt.Errorf("command timed out after %s", e.config.CommandTimeout)
	case runErr = <-doneChan:
	}

	stderr := strings.TrimSpace(stderrBuf.String())
	log.WithField("duration", time.Since(start).String()).Debugf("%s finished", op)

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			return &CommandError{
				Unit:     unitID,
				Op:       op,
				ExitCode: exitErr.ExitStatus(),
				Stderr:   stderr,
			}
		}
		return fmt.Errorf("%s on %s: %w", op, unitID, runErr)
	}

	return nil
}
