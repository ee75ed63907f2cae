// Package claude implements the step processor and reconciler boundaries
// on top of the claude CLI in headless JSON mode.
package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/papapumpkin/accretion/internal/processor"
)

// Processor invokes the claude CLI once per commit. It implements both
// processor.StepProcessor and processor.Reconciler.
type Processor struct {
	Path       string
	Model      string
	MaxRetries int
	Verbose    bool
}

const retryBackoff = 2 * time.Second

// buildEnv constructs the environment for a claude invocation.
// It strips the CLAUDECODE variable (to allow nested invocation) and adds
// CLAUDE_CODE_DISABLE_MCP_POPUPS=1 to suppress MCP server UI popups
// during headless runs.
func buildEnv(base []string) []string {
	env := make([]string, 0, len(base)+1)
	for _, e := range base {
		if !strings.HasPrefix(e, "CLAUDECODE=") {
			env = append(env, e)
		}
	}
	env = append(env, "CLAUDE_CODE_DISABLE_MCP_POPUPS=1")
	return env
}

// buildArgs constructs the CLI arguments for a claude invocation.
func (p *Processor) buildArgs(prompt string) []string {
	args := []string{
		"-p", prompt,
		"--output-format", "json",
	}
	if p.Model != "" {
		args = append(args, "--model", p.Model)
	}
	return args
}

func (p *Processor) Process(ctx context.Context, req processor.StepRequest) (processor.StepResult, error) {
	return p.invokeWithRetry(ctx, stepPrompt(req))
}

func (p *Processor) Reconcile(ctx context.Context, req processor.ReconcileRequest) (processor.StepResult, error) {
	return p.invokeWithRetry(ctx, reconcilePrompt(req))
}

// invokeWithRetry retries transient invocation failures with a flat
// backoff. Context cancellation always wins.
func (p *Processor) invokeWithRetry(ctx context.Context, prompt string) (processor.StepResult, error) {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return processor.StepResult{}, ctx.Err()
			case <-time.After(retryBackoff):
			}
		}
		result, err := p.invoke(ctx, prompt)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return processor.StepResult{}, ctx.Err()
		}
		lastErr = err
		if p.Verbose {
			fmt.Fprintf(os.Stderr, "[claude] attempt %d failed: %v\n", attempt+1, err)
		}
	}
	return processor.StepResult{}, fmt.Errorf("claude failed after %d attempts: %w", p.MaxRetries+1, lastErr)
}

func (p *Processor) invoke(ctx context.Context, prompt string) (processor.StepResult, error) {
	args := p.buildArgs(prompt)

	cmd := exec.CommandContext(ctx, p.Path, args...)
	cmd.SysProcAttr = sessionAttr()
	cmd.Env = buildEnv(os.Environ())

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if p.Verbose {
		fmt.Fprintf(os.Stderr, "[claude] running: %s -p <prompt> --output-format json\n", p.Path)
	}

	if err := cmd.Run(); err != nil {
		return processor.StepResult{}, fmt.Errorf("claude invocation failed: %w\nstderr: %s", err, stderr.String())
	}

	var resp CLIResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return processor.StepResult{}, fmt.Errorf("failed to parse claude JSON output: %w\nraw output: %s", err, stdout.String())
	}
	if resp.IsError {
		return processor.StepResult{}, fmt.Errorf("claude returned error: %s", resp.Result)
	}

	body, err := parsePayload(resp.Result)
	if err != nil {
		return processor.StepResult{}, err
	}
	return processor.StepResult{
		Artifact:      body.Artifact,
		LogEntry:      body.LogEntry,
		CommitSummary: body.CommitSummary,
		CostUSD:       resp.TotalCostUSD,
		DurationMs:    resp.DurationMs,
	}, nil
}

// parsePayload decodes the structured body from the result text, tolerating
// a fenced code block around the JSON object.
func parsePayload(result string) (payload, error) {
	text := strings.TrimSpace(result)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}
	var body payload
	if err := json.Unmarshal([]byte(text), &body); err != nil {
		return payload{}, fmt.Errorf("claude result is not a valid payload: %w", err)
	}
	if body.Artifact == "" {
		return payload{}, fmt.Errorf("claude result payload has no artifact")
	}
	return body, nil
}

func (p *Processor) Validate() error {
	cmd := exec.Command(p.Path, "--version")
	cmd.Env = buildEnv(os.Environ())

	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("claude CLI not found at %q: %w", p.Path, err)
	}
	if p.Verbose {
		fmt.Fprintf(os.Stderr, "[claude] version: %s", string(out))
	}
	return nil
}
