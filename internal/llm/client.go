// Package llm provides the inference collaborator used by the generation
// stages. The concrete implementation shells out to the claude CLI; stage
// handlers never construct it directly and tests swap in fakes.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/hochfrequenz/proposal-orchestrator/internal/collab"
)

// Request is one completion call.
type Request struct {
	System string
	Prompt string
}

// Completion is the raw model output.
type Completion struct {
	Text string
}

// Service is the inference collaborator contract.
type Service interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// CLIClient invokes the claude CLI in print mode.
type CLIClient struct {
	Model     string
	MaxTokens int

	// bin overrides the executable name in tests
	bin string
}

// NewCLIClient creates a client for the given model.
func NewCLIClient(model string, maxTokens int) *CLIClient {
	return &CLIClient{Model: model, MaxTokens: maxTokens, bin: "claude"}
}

// Complete runs one completion. Failures are transient: the CLI talks to a
// remote API and a retry is the right default.
func (c *CLIClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	prompt := req.Prompt
	if req.System != "" {
		prompt = req.System + "\n\n" + prompt
	}

	cmd := exec.CommandContext(ctx, c.bin,
		"--print",
		"--output-format", "text",
		"--model", c.Model,
		"-p", prompt)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			err = fmt.Errorf("%w: %s", err, detail)
		}
		return nil, collab.Transient("llm.complete", err)
	}

	return &Completion{Text: string(output)}, nil
}
