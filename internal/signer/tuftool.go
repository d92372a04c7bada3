// Package signer drives the external tuftool binary. Every root.json
// mutation is one subprocess invocation with AWS_REGION pinned to the region
// of the key involved, so multi-region key sets sign correctly.
package signer

import (
	"fmt"
	"os"
	"os/exec"
)

// Runner executes one external command with an environment override.
// Production code uses ExecRunner; tests substitute a fake to capture the
// command protocol.
type Runner interface {
	Run(name string, args []string, env map[string]string) error
}

// ExecRunner runs commands via os/exec, inheriting the process environment
// and stdio.
type ExecRunner struct{}

func (ExecRunner) Run(name string, args []string, env map[string]string) error {
	cmd := exec.Command(name, args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return &CommandError{Name: name, Args: args, Code: exitErr.ExitCode()}
		}
		return fmt.Errorf("failed to spawn %s: %w", name, err)
	}
	return nil
}

// CommandError reports a subprocess that started but exited non-zero.
type CommandError struct {
	Name string
	Args []string
	Code int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q exited with code %d", commandLine(e.Name, e.Args), e.Code)
}

func commandLine(name string, args []string) string {
	line := name
	for _, a := range args {
		line += " " + a
	}
	return line
}

// Tuftool translates root.json operations into tuftool invocations.
type Tuftool struct {
	runner        Runner
	defaultRegion string
}

// New returns a Tuftool adapter bound to a default region for operations
// that do not touch a specific key.
func New(runner Runner, defaultRegion string) *Tuftool {
	return &Tuftool{runner: runner, defaultRegion: defaultRegion}
}

func (t *Tuftool) run(region string, args ...string) error {
	if region == "" {
		region = t.defaultRegion
	}
	if err := t.runner.Run("tuftool", args, map[string]string{"AWS_REGION": region}); err != nil {
		return fmt.Errorf("tuftool %s failed: %w", args[0], err)
	}
	return nil
}

// RootInit creates a fresh root.json at path.
func (t *Tuftool) RootInit(path string) error {
	return t.run("", "root", "init", path)
}

// RootExpire sets the root.json expiration, e.g. "in 52 weeks".
func (t *Tuftool) RootExpire(path, expiration string) error {
	return t.run("", "root", "expire", path, expiration)
}

// SetThreshold sets the signature threshold for a single role.
func (t *Tuftool) SetThreshold(path, role, threshold string) error {
	return t.run("", "root", "set-threshold", path, role, threshold)
}

// AddKMSKey registers a KMS key as a signer for one or more roles. The
// invocation runs with AWS_REGION set to the key's home region.
func (t *Tuftool) AddKMSKey(path, keyID, region string, roles ...string) error {
	args := []string{"root", "add-key", path, KMSKeyURI(keyID)}
	for _, role := range roles {
		args = append(args, "--role", role)
	}
	return t.run(region, args...)
}

// SignWithKMSKey signs root.json with a single KMS key in its home region.
func (t *Tuftool) SignWithKMSKey(path, keyID, region string) error {
	return t.run(region, "root", "sign", path, "-k", KMSKeyURI(keyID))
}

// KMSKeyURI formats a KMS key id in the aws-kms:// scheme tuftool expects.
func KMSKeyURI(keyID string) string {
	return "aws-kms:///" + keyID
}
