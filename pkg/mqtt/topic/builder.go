package topic

import (
	"strings"
)

// Topic segments under a device namespace.
// Structure: {root}/{deviceID}/ota/{suffix}
const (
	// SuffixStatus carries the retained session state of a device.
	SuffixStatus = "ota/status"

	// SuffixOnline carries the retained presence flag, also used as the
	// last will.
	SuffixOnline = "ota/online"
)

// Builder constructs the topics a device publishes on.
type Builder struct {
	root string
}

// NewBuilder creates a Builder under root (e.g. "ota/v1").
func NewBuilder(root string) *Builder {
	return &Builder{root: strings.Trim(root, "/")}
}

// Status returns the status topic of a device.
func (b *Builder) Status(deviceID string) string {
	return b.build(deviceID, SuffixStatus)
}

// Online returns the presence topic of a device.
func (b *Builder) Online(deviceID string) string {
	return b.build(deviceID, SuffixOnline)
}

// StatusWildcard matches the status topic of every device.
func (b *Builder) StatusWildcard() string {
	return b.build("+", SuffixStatus)
}

func (b *Builder) build(deviceID, suffix string) string {
	if b.root == "" {
		return deviceID + "/" + suffix
	}
	return b.root + "/" + deviceID + "/" + suffix
}
