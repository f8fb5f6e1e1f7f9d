package scripts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// Runner executes operator-configured shell scripts for responders, timers,
// and geofence triggers. Scripts get the trigger context through environment
// variables and answer through stdout JSON: {"response": "..."} or
// {"responses": ["...", "..."]}.
type Runner struct {
	logger  *slog.Logger
	baseEnv map[string]string
	timeout time.Duration
}

// NewRunner builds a runner. baseEnv is merged under every call's own
// variables; it carries the radio endpoint (MESHTASTIC_IP, MESHTASTIC_PORT)
// so scripts talk to the virtual-node surface instead of opening a second
// TCP connection to the physical radio.
func NewRunner(logger *slog.Logger, baseEnv map[string]string, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Runner{
		logger:  logger.With("component", "scripts"),
		baseEnv: baseEnv,
		timeout: timeout,
	}
}

type scriptOutput struct {
	Response  string   `json:"response"`
	Responses []string `json:"responses"`
}

// Responses runs one script and returns the messages its stdout requested.
// A script that prints no parseable JSON sends nothing; that is not an error.
func (r *Runner) Responses(ctx context.Context, script string, env map[string]string) ([]string, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", script)
	cmd.Env = r.mergedEnv(env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("script timed out after %s", r.timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("script failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	r.logger.Debug("Script finished", "elapsed", elapsed, "stdout_bytes", stdout.Len())

	return parseResponses(stdout.Bytes()), nil
}

func (r *Runner) mergedEnv(env map[string]string) []string {
	merged := make(map[string]string, len(r.baseEnv)+len(env))
	for k, v := range r.baseEnv {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}

	out := os.Environ()
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}

	return out
}

// parseResponses accepts {"response": s} or {"responses": [s...]}; anything
// else in stdout is ignored.
func parseResponses(raw []byte) []string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}

	var out scriptOutput
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil
	}

	var responses []string
	if out.Response != "" {
		responses = append(responses, out.Response)
	}
	for _, resp := range out.Responses {
		if resp != "" {
			responses = append(responses, resp)
		}
	}

	return responses
}
