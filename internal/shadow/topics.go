package shadow

import (
	"strings"
)

// Topic namespace of the device shadow protocol.
const (
	// topicPrefix is the reserved prefix for all thing topics.
	topicPrefix = "$aws/things/"

	// shadowSegment separates the thing name from the shadow path.
	shadowSegment = "shadow"

	// namedSegment introduces a named shadow.
	namedSegment = "name"
)

// Operation is a shadow request type.
type Operation string

// Shadow operations.
const (
	OpGet    Operation = "get"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Suffix selects the request topic or one of its response/notification topics.
type Suffix string

// Topic suffixes. SuffixNone addresses the request topic itself.
const (
	SuffixNone      Suffix = ""
	SuffixAccepted  Suffix = "accepted"
	SuffixRejected  Suffix = "rejected"
	SuffixDelta     Suffix = "delta"
	SuffixDocuments Suffix = "documents"
)

// Identity names one shadow of one thing.
// An empty ShadowName addresses the classic (unnamed) shadow.
type Identity struct {
	ThingName  string
	ShadowName string
}

// Classic returns the identity of the unnamed shadow of a thing.
func Classic(thingName string) Identity {
	return Identity{ThingName: thingName}
}

// Named returns the identity of a named shadow of a thing.
func Named(thingName, shadowName string) Identity {
	return Identity{ThingName: thingName, ShadowName: shadowName}
}

// IsNamed reports whether the identity addresses a named shadow.
func (id Identity) IsNamed() bool {
	return id.ShadowName != ""
}

// String returns "thing" or "thing/shadow" for logging.
func (id Identity) String() string {
	if id.IsNamed() {
		return id.ThingName + "/" + id.ShadowName
	}
	return id.ThingName
}

// Topic returns the topic for an operation and suffix of this shadow.
func (id Identity) Topic(op Operation, suffix Suffix) string {
	return Topic(id, op, suffix)
}

// Topic builds a shadow topic:
//
//	$aws/things/<thing>/shadow[/name/<shadow>]/<op>[/<suffix>]
//
// Names are formatted as given; validating them against the service's naming
// rules is the caller's job.
func Topic(id Identity, op Operation, suffix Suffix) string {
	var b strings.Builder
	b.Grow(len(topicPrefix) + len(id.ThingName) + len(id.ShadowName) + 32)

	b.WriteString(topicPrefix)
	b.WriteString(id.ThingName)
	b.WriteByte('/')
	b.WriteString(shadowSegment)
	if id.IsNamed() {
		b.WriteByte('/')
		b.WriteString(namedSegment)
		b.WriteByte('/')
		b.WriteString(id.ShadowName)
	}
	b.WriteByte('/')
	b.WriteString(string(op))
	if suffix != SuffixNone {
		b.WriteByte('/')
		b.WriteString(string(suffix))
	}
	return b.String()
}

// ParseTopic splits a shadow topic into its identity, operation and suffix.
// It returns ok=false for topics outside the shadow namespace.
func ParseTopic(topic string) (id Identity, op Operation, suffix Suffix, ok bool) {
	rest, found := strings.CutPrefix(topic, topicPrefix)
	if !found {
		return Identity{}, "", "", false
	}

	parts := strings.Split(rest, "/")
	// thing, "shadow", op at minimum
	if len(parts) < 3 || parts[0] == "" || parts[1] != shadowSegment {
		return Identity{}, "", "", false
	}
	id.ThingName = parts[0]
	parts = parts[2:]

	if parts[0] == namedSegment {
		if len(parts) < 3 || parts[1] == "" {
			return Identity{}, "", "", false
		}
		id.ShadowName = parts[1]
		parts = parts[2:]
	}

	switch len(parts) {
	case 1:
		suffix = SuffixNone
	case 2:
		suffix = Suffix(parts[1])
	default:
		return Identity{}, "", "", false
	}

	op = Operation(parts[0])
	if !op.valid() || !suffix.validFor(op) {
		return Identity{}, "", "", false
	}
	return id, op, suffix, true
}

func (op Operation) valid() bool {
	switch op {
	case OpGet, OpUpdate, OpDelete:
		return true
	}
	return false
}

// validFor reports whether the suffix exists for the operation.
// delta and documents are only published under update.
func (s Suffix) validFor(op Operation) bool {
	switch s {
	case SuffixNone, SuffixAccepted, SuffixRejected:
		return true
	case SuffixDelta, SuffixDocuments:
		return op == OpUpdate
	}
	return false
}
