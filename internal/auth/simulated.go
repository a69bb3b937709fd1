package auth

import "net/http"

// SimulatedHandler accepts every request with full access. It is only
// wired up in development mode, where it lets local tooling skip
// credential plumbing entirely.
type SimulatedHandler struct{}

func (SimulatedHandler) Mode() string  { return ModeSimulated }
func (SimulatedHandler) Priority() int { return prioritySimulated }

func (SimulatedHandler) CanHandle(*http.Request) bool { return true }

func (SimulatedHandler) Authenticate(*http.Request) (*Result, error) {
	return &Result{Authenticated: true, Mode: ModeSimulated, Principal: "simulated", Level: LevelFullAccess}, nil
}
