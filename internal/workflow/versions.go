package workflow

import (
	"time"

	"github.com/Masterminds/semver/v3"
)

type WorkflowVersion struct {
	WorkflowID string    `json:"workflow_id"`
	Version    string    `json:"version"`
	Payload    Workflow  `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
}

const firstVersion = "1.0.0"

func initialVersion(requested string) string {
	if v, err := semver.NewVersion(requested); err == nil {
		return v.String()
	}
	return firstVersion
}

// nextVersion bumps the patch component; unparsable history restarts at 1.0.1.
func nextVersion(current string) string {
	v, err := semver.NewVersion(current)
	if err != nil {
		v = semver.MustParse(firstVersion)
	}
	return v.IncPatch().String()
}
