package broadcast

import "strings"

const (
	// EventBuildProgress carries job status changes on a tenant's build topic.
	EventBuildProgress = "build.progress"

	// EventPresenceChanged carries online/offline edges on a tenant's presence topic.
	EventPresenceChanged = "presence.changed"
)

const (
	buildPrefix    = "store."
	buildSuffix    = ".builds"
	presencePrefix = "presence-store."
)

// BuildTopic returns the topic job progress for a tenant is published on.
func BuildTopic(tenantID string) string {
	return buildPrefix + tenantID + buildSuffix
}

// PresenceTopic returns the presence channel of a tenant.
func PresenceTopic(tenantID string) string {
	return presencePrefix + tenantID
}

// PresenceTenant extracts the tenant a presence channel names.
func PresenceTenant(topic string) (string, bool) {
	tenantID, ok := strings.CutPrefix(topic, presencePrefix)
	if !ok || tenantID == "" || strings.ContainsAny(tenantID, ". ") {
		return "", false
	}
	return tenantID, true
}

// BuildTenant extracts the tenant a build topic names.
func BuildTenant(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, buildPrefix)
	if !ok {
		return "", false
	}
	tenantID, ok := strings.CutSuffix(rest, buildSuffix)
	if !ok || tenantID == "" || strings.ContainsAny(tenantID, ". ") {
		return "", false
	}
	return tenantID, true
}
