package protocol

import (
	"fmt"
	"strings"
)

// Subject construction is a pure function of message type and routing
// keys. Publishers and subscribers must build subjects through these
// functions only, so both sides always agree on the wire name.

const subjectPrefix = "toolmesh"

// ControlPlaneSubject is where runtimes send connect/register and
// capability-update requests.
func ControlPlaneSubject() string {
	return subjectPrefix + ".controlplane"
}

// RuntimeSubject scopes events to one registration id. The control plane
// pushes desired configuration here.
func RuntimeSubject(registrationID string) string {
	return fmt.Sprintf("%s.runtime.%s", subjectPrefix, registrationID)
}

// CatalogSubject carries tool-catalog updates for one workspace.
func CatalogSubject(workspaceID string) string {
	return fmt.Sprintf("%s.catalog.%s", subjectPrefix, workspaceID)
}

// ToolCallSubject scopes call requests for one tool to one runtime. Used
// when the tool's server is configured RunOn=AGENT.
func ToolCallSubject(toolID, runtimeID string) string {
	return fmt.Sprintf("%s.call.%s.%s", subjectPrefix, toolID, runtimeID)
}

// ToolBroadcastSubject broadcasts call requests for one tool to every
// subscribed runtime. Used for RunOn=EDGE and RunOn=GLOBAL; the first
// responder wins.
func ToolBroadcastSubject(toolID string) string {
	return fmt.Sprintf("%s.call.%s.any", subjectPrefix, toolID)
}

// PresenceKey is the ephemeral liveness record for one registration.
func PresenceKey(registrationID string) string {
	return fmt.Sprintf("%s.presence.%s", subjectPrefix, registrationID)
}

// RegistrationFromPresenceKey recovers the registration id from a
// presence key built by PresenceKey.
func RegistrationFromPresenceKey(key string) (string, bool) {
	regID := strings.TrimPrefix(key, subjectPrefix+".presence.")
	if regID == key || regID == "" {
		return "", false
	}
	return regID, true
}
