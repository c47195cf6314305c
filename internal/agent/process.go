package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rogers-f/crucible/internal/domain"
	"github.com/rogers-f/crucible/internal/logging"
)

// waitDelay bounds how long a killed process may hold its output pipes.
const waitDelay = 2 * time.Second

// stderrTail is the amount of stderr kept in error messages.
const stderrTail = 2048

// ProcessAgent generates implementations by running the tier's command. The
// FunctionContext is written to stdin as JSON; stdout is the candidate code.
type ProcessAgent struct {
	registry *Registry
	log      *logging.Logger
}

// NewProcessAgent creates an agent backed by the given tier registry.
func NewProcessAgent(registry *Registry, logger *logging.Logger) *ProcessAgent {
	return &ProcessAgent{registry: registry, log: logger.With("agent")}
}

// GenerateImplementation runs the agent of tier for fc.
func (a *ProcessAgent) GenerateImplementation(ctx context.Context, fc domain.FunctionContext, tier domain.Tier) (domain.Implementation, error) {
	spec, err := a.registry.Get(tier)
	if err != nil {
		return domain.Implementation{}, err
	}
	input, err := json.Marshal(fc)
	if err != nil {
		return domain.Implementation{}, fmt.Errorf("marshal function context: %w", err)
	}

	start := time.Now()
	stdout, stderr, err := runProcess(ctx, spec.Command, spec.Args, spec.Env, input)
	a.log.Debugf("tier %s on %s exited after %s", spec.Name, fc.Spec.ID, time.Since(start).Round(time.Millisecond))
	if err != nil {
		if ctx.Err() != nil {
			return domain.Implementation{}, fmt.Errorf("agent %s: %w", spec.Name, ctx.Err())
		}
		return domain.Implementation{}, domain.WrapEngineError(
			domain.ErrAgentFailed.Code,
			"agent "+spec.Name,
			fmt.Errorf("%v: %s", err, tail(stderr)),
		)
	}

	code := string(stdout)
	if strings.TrimSpace(code) == "" {
		return domain.Implementation{}, domain.NewEngineError(
			domain.ErrInvalidAgentOutput.Code,
			fmt.Sprintf("agent %s produced no code for %s", spec.Name, fc.Spec.ID),
		)
	}
	return domain.Implementation{FunctionID: fc.Spec.ID, Tier: tier, Code: code}, nil
}

// ProcessVerifier checks a candidate by running an external command. The
// request is written to stdin as JSON. The verifier may answer with a JSON
// Verification on stdout; otherwise exit status 0 means the candidate
// passed and the output is the diagnostic.
type ProcessVerifier struct {
	Command string
	Args    []string
	Env     map[string]string
	Timeout time.Duration
}

type verifyRequest struct {
	Implementation domain.Implementation  `json:"implementation"`
	Context        domain.FunctionContext `json:"context"`
}

// Verify runs the verifier for impl.
func (v *ProcessVerifier) Verify(ctx context.Context, impl domain.Implementation, fc domain.FunctionContext) (domain.Verification, error) {
	if v.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.Timeout)
		defer cancel()
	}
	input, err := json.Marshal(verifyRequest{Implementation: impl, Context: fc})
	if err != nil {
		return domain.Verification{}, fmt.Errorf("marshal verify request: %w", err)
	}

	stdout, stderr, err := runProcess(ctx, v.Command, v.Args, v.Env, input)
	if ctx.Err() != nil {
		return domain.Verification{}, fmt.Errorf("verifier: %w", ctx.Err())
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return domain.Verification{}, domain.WrapEngineError(domain.ErrVerifierFailed.Code, "run verifier", err)
	}
	exitOK := err == nil

	if out, ok := parseVerification(stdout); ok {
		out.Passed = out.Passed && exitOK
		if !out.Passed {
			out.Category = domain.ParseFailureCategory(string(out.Category))
		}
		return out, nil
	}
	if exitOK {
		return domain.Verification{Passed: true}, nil
	}

	diag := strings.TrimSpace(string(stderr) + "\n" + string(stdout))
	return domain.Verification{
		Passed:     false,
		Category:   categoryOf(diag),
		Diagnostic: diag,
	}, nil
}

// parseVerification accepts stdout only when it is a single JSON object.
func parseVerification(stdout []byte) (domain.Verification, bool) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return domain.Verification{}, false
	}
	var out domain.Verification
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return domain.Verification{}, false
	}
	return out, true
}

// categoryOf reads a "category: message" prefix from the first line of the
// diagnostic.
func categoryOf(diag string) domain.FailureCategory {
	first, _, _ := strings.Cut(diag, "\n")
	prefix, _, found := strings.Cut(first, ":")
	if !found {
		return domain.FailureUnknown
	}
	return domain.ParseFailureCategory(strings.TrimSpace(prefix))
}

func runProcess(ctx context.Context, command string, args []string, env map[string]string, input []byte) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Env = mergeEnv(os.Environ(), env)
	cmd.Stdin = bytes.NewReader(input)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// mergeEnv appends extra to base in key order; later entries win.
func mergeEnv(base []string, extra map[string]string) []string {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := append([]string(nil), base...)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

func tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > stderrTail {
		s = s[len(s)-stderrTail:]
	}
	return s
}
