package sessions

import (
	"context"

	"github.com/ggoodman/pairgate/qr"
)

// ProbeOutcome is the answer to a pairing probe.
type ProbeOutcome int

const (
	// ProbeGenerating means a session was just created and no artifact exists yet.
	ProbeGenerating ProbeOutcome = iota
	// ProbeConnected means the session is Ready.
	ProbeConnected
	// ProbeArtifact means a pairing artifact is available.
	ProbeArtifact
	// ProbeNotReady means the session exists but has nothing to show yet.
	ProbeNotReady
)

func (o ProbeOutcome) String() string {
	switch o {
	case ProbeGenerating:
		return "generating"
	case ProbeConnected:
		return "already connected"
	case ProbeArtifact:
		return "qr"
	}
	return "not ready yet"
}

// ProbeResult is returned by Probe. With ProbeArtifact, Artifact carries no
// image when the pairing payload could not be rendered.
type ProbeResult struct {
	Outcome  ProbeOutcome
	Session  *Session
	Artifact qr.Artifact
}

// Probe returns the pairing view of id, creating the session when absent. A
// session retained in the Disconnected state is torn down and replaced.
func (r *Registry) Probe(ctx context.Context, id string) (ProbeResult, error) {
	s, created, err := r.GetOrCreate(ctx, id)
	if err != nil {
		return ProbeResult{}, err
	}
	if created {
		return ProbeResult{Outcome: ProbeGenerating, Session: s}, nil
	}

	switch s.State() {
	case StateReady:
		if s.Status() == StatusReady {
			return ProbeResult{Outcome: ProbeConnected, Session: s}, nil
		}
	case StateDisconnected:
		r.teardown(ctx, s, teardownRequest{reason: "replaced after disconnect"})
		s, _, err = r.GetOrCreate(ctx, id)
		if err != nil {
			return ProbeResult{}, err
		}
		return ProbeResult{Outcome: ProbeGenerating, Session: s}, nil
	}

	if a, ok := s.Artifact(); ok {
		return ProbeResult{Outcome: ProbeArtifact, Session: s, Artifact: a}, nil
	}
	// Rendering failed: hand out the raw payload with an empty image.
	if s.State() == StateAwaitingPairing {
		if raw, ok := r.pairing.Raw(s.generation); ok {
			return ProbeResult{Outcome: ProbeArtifact, Session: s, Artifact: qr.Artifact{Payload: raw}}, nil
		}
	}
	return ProbeResult{Outcome: ProbeNotReady, Session: s}, nil
}
