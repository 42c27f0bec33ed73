package bridge

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/layerbridge"
)

// EnvVerifier treats a service as authenticated when any of its credential
// environment variables is set. Services without variables always pass.
type EnvVerifier struct {
	vars   map[layerbridge.LayerName][]string
	lookup func(string) (string, bool)
}

// NewEnvVerifier creates a verifier for the given per-service variables.
func NewEnvVerifier(vars map[layerbridge.LayerName][]string) *EnvVerifier {
	return &EnvVerifier{vars: vars, lookup: os.LookupEnv}
}

// Verify implements layerbridge.CredentialVerifier.
func (v *EnvVerifier) Verify(ctx context.Context, service layerbridge.LayerName) layerbridge.AuthStatus {
	status := layerbridge.AuthStatus{Service: service, CachedAt: time.Now()}
	if err := ctx.Err(); err != nil {
		status.Error = err.Error()
		return status
	}
	names := v.vars[service]
	if len(names) == 0 {
		status.Success = true
		status.Method = "none"
		return status
	}
	for _, name := range names {
		if val, ok := v.lookup(name); ok && strings.TrimSpace(val) != "" {
			status.Success = true
			status.Method = "env:" + name
			return status
		}
	}
	status.Error = fmt.Sprintf("none of %s is set", strings.Join(names, ", "))
	status.ActionInstructions = fmt.Sprintf("export %s=<key> and refresh the %s credentials", names[0], service)
	return status
}
