package adapters

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/layerbridge"
	"github.com/ZanzyTHEbar/layerbridge/internal/procexec"
)

// CLIConfig describes a one-shot command line backend.
type CLIConfig struct {
	Binary    string
	Model     string
	ExtraArgs []string
	Env       []string
	// CostPer1KTokens prices the token estimate used for selection.
	CostPer1KTokens float64
	// Latency is the fixed part of the duration estimate.
	Latency     time.Duration
	GracePeriod time.Duration
}

// cliRunner runs one invocation; replaced in tests.
type cliRunner func(ctx context.Context, cmd procexec.Command) (*procexec.Output, error)

// cliBackend is the shared machinery of the reasoning and search adapters.
type cliBackend struct {
	base
	cfg CLIConfig
	run cliRunner
}

func newCLIBackend(name layerbridge.LayerName, cfg CLIConfig, opts []Option) *cliBackend {
	s := newSettings(opts)
	if s.healthCheck == nil {
		s.healthCheck = lookPathCheck(cfg.Binary)
	}
	if cfg.Latency <= 0 {
		cfg.Latency = 5 * time.Second
	}
	return &cliBackend{
		base: base{settings: s, name: name},
		cfg:  cfg,
		run:  procexec.Run,
	}
}

// invoke runs the binary with args under the task timeout and returns stdout
// of a successful exit.
func (c *cliBackend) invoke(ctx context.Context, task layerbridge.Task, args []string) ([]byte, time.Duration, error) {
	timeout := c.timeouts.For(task)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	full := append(append([]string{}, args...), c.cfg.ExtraArgs...)
	c.logger.Debug("invoking backend",
		zap.String("layer", string(c.name)),
		zap.String("binary", c.cfg.Binary),
		zap.Duration("timeout", timeout))

	out, err := c.run(runCtx, procexec.Command{
		Path:        c.cfg.Binary,
		Args:        full,
		Env:         c.cfg.Env,
		GracePeriod: c.cfg.GracePeriod,
	})
	if err != nil {
		lerr := classifyRunError(ctx, c.name, err)
		c.afterFailure(lerr)
		return nil, 0, lerr
	}
	if out.ExitCode != 0 {
		lerr := classifyExit(c.name, out)
		c.afterFailure(lerr)
		return nil, out.Duration, lerr
	}
	return out.Stdout, out.Duration, nil
}

func (c *cliBackend) Cost(task layerbridge.Task) float64 {
	return float64(estimateTokens(task)) / 1000 * c.cfg.CostPer1KTokens
}

func (c *cliBackend) EstimatedDuration(task layerbridge.Task) time.Duration {
	return c.cfg.Latency + time.Duration(len(task.Files))*2*time.Second
}

// estimateTokens approximates four characters per token.
func estimateTokens(task layerbridge.Task) int {
	return (len(task.Prompt)+int(task.TotalFileSize()))/4 + 1
}

// composePrompt renders the prompt with file references and kind-specific
// instructions for text-only backends.
func composePrompt(task layerbridge.Task) string {
	var b strings.Builder
	switch task.Kind {
	case layerbridge.KindSummarize:
		b.WriteString("Summarize the following.\n\n")
	case layerbridge.KindConvert:
		if to := task.StringOption("to"); to != "" {
			fmt.Fprintf(&b, "Convert the following to %s.\n\n", to)
		}
	case layerbridge.KindExtract:
		b.WriteString("Extract the requested information from the files below.\n\n")
	case layerbridge.KindAnalyze:
		b.WriteString("Analyze the files below.\n\n")
	}
	b.WriteString(task.Prompt)
	if len(task.Files) > 0 {
		b.WriteString("\n\nFiles:\n")
		for _, f := range task.Files {
			fmt.Fprintf(&b, "- @%s\n", f.Path)
		}
	}
	return strings.TrimSpace(b.String())
}

// textOnly reports whether every file of the task is plain text.
func textOnly(task layerbridge.Task) bool {
	return !task.HasBinaryFiles()
}
