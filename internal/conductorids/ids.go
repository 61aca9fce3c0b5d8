// Package conductorids generates opaque, entity-kind-prefixed identifiers.
package conductorids

import (
	"strings"

	"github.com/google/uuid"
)

// Kind prefixes, per the data model's identifier convention.
const (
	KindUser           = "usr"
	KindProject        = "proj"
	KindRepo           = "repo"
	KindTask           = "task"
	KindRun            = "run"
	KindEvent          = "evt"
	KindArtifact       = "art"
	KindJob            = "job"
	KindAgentInvoc     = "agi"
	KindAgentMessage   = "agm"
	KindToolInvocation = "tin"
	KindOperatorAction = "opa"
	KindOutboxEntry    = "ghw"
	KindWorktree       = "wt"
	KindPortLease      = "port"
	KindPolicyRule     = "pol"
	KindMirrorDeferred = "mde"
)

// New returns a new identifier of the form "<kind>_<uuid>".
func New(kind string) string {
	return kind + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
