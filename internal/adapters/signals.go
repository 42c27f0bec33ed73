package adapters

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ZanzyTHEbar/layerbridge"
	"github.com/ZanzyTHEbar/layerbridge/internal/procexec"
)

// Substrings that identify quota and authentication failures in backend output.
var (
	quotaSignals = []string{
		"quota", "rate limit", "rate-limit", "ratelimit", "resource_exhausted",
		"resource exhausted", "too many requests",
	}
	authSignals = []string{
		"unauthorized", "unauthenticated", "invalid api key", "api key not valid",
		"not authenticated", "not logged in", "please login", "please log in", "login required",
		"authentication required", "invalid credentials",
	}
)

// statusCode matches an HTTP status only when it follows an HTTP or status
// label, so counts such as "4290 tokens" stay unclassified.
var statusCode = regexp.MustCompile(`(?i)\b(?:http(?:/\d(?:\.\d)?)?|status(?:[ _]?code)?|code|error)\W{0,3}(\d{3})\b`)

// hasStatus reports whether text carries the given HTTP status code.
func hasStatus(text, code string) bool {
	for _, m := range statusCode.FindAllStringSubmatch(text, -1) {
		if m[1] == code {
			return true
		}
	}
	return false
}

func containsAny(text string, signals []string) bool {
	lower := strings.ToLower(text)
	for _, s := range signals {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// classifyMessage maps backend failure text onto a typed error.
func classifyMessage(layer layerbridge.LayerName, msg string, cause error) *layerbridge.LayerError {
	switch {
	case containsAny(msg, quotaSignals) || hasStatus(msg, "429"):
		return layerbridge.NewQuotaError(layer, firstLine(msg), cause)
	case containsAny(msg, authSignals) || hasStatus(msg, "401"):
		return layerbridge.NewAuthenticationError(layer, firstLine(msg), cause)
	}
	return layerbridge.NewTransientError(layer, firstLine(msg), cause)
}

// classifyExit turns a finished non-zero exit into a typed error.
func classifyExit(layer layerbridge.LayerName, out *procexec.Output) *layerbridge.LayerError {
	text := strings.TrimSpace(string(out.Stderr))
	if text == "" {
		text = strings.TrimSpace(string(out.Stdout))
	}
	if text == "" {
		text = "no output"
	}
	return classifyMessage(layer, fmt.Sprintf("exited with code %d: %s", out.ExitCode, text), nil)
}

// classifyRunError maps spawn and context failures. parent is the caller's
// context; an error while parent is still live means the per-task timeout fired.
func classifyRunError(parent context.Context, layer layerbridge.LayerName, err error) *layerbridge.LayerError {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(parent.Err(), context.Canceled):
		return layerbridge.NewCancelledError("execution", err)
	case errors.Is(err, context.DeadlineExceeded):
		return layerbridge.NewTimeoutError(layer, "execution", err)
	case errors.Is(err, procexec.ErrSpawn):
		return layerbridge.NewTransientError(layer, "backend process could not be started", err)
	}
	return layerbridge.NewTransientError(layer, "backend process failed", err)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 300 {
		s = s[:300] + "..."
	}
	return s
}
