package core

import (
	"fmt"
	"strconv"
	"strings"
)

// PartitionType is the top-level type column of a partition table.
type PartitionType string

const (
	TypeApp  PartitionType = "app"
	TypeData PartitionType = "data"
)

// Role describes what a partition is to the running system.
type Role string

const (
	RoleRunning   Role = "running"
	RoleCandidate Role = "update-candidate"
	RoleFactory   Role = "factory"
	// RoleInactive marks OTA slots that are neither running nor next in line.
	RoleInactive Role = "inactive"
	RoleData     Role = "data"
)

// Partition is a contiguous flash region.
type Partition struct {
	Label   string
	Type    PartitionType
	SubType string
	Offset  uint32
	Size    uint32
	Role    Role
}

// IsApp reports whether p can hold a firmware image.
func (p Partition) IsApp() bool {
	return p.Type == TypeApp
}

// OTASlot returns n for an app partition with subtype ota_n.
func (p Partition) OTASlot() (int, bool) {
	if !p.IsApp() || !strings.HasPrefix(p.SubType, "ota_") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(p.SubType, "ota_"))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Same reports whether p and o describe the same flash region.
func (p Partition) Same(o Partition) bool {
	return p.Label == o.Label && p.Offset == o.Offset && p.Size == o.Size
}

// End returns the first offset past the partition.
func (p Partition) End() uint32 {
	return p.Offset + p.Size
}

func (p Partition) String() string {
	return fmt.Sprintf("%s (%s/%s @0x%x, %s)", p.Label, p.Type, p.SubType, p.Offset, formatBytes(int64(p.Size)))
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%dM", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%dK", n>>10)
	default:
		return fmt.Sprintf("%dB", n)
	}
}
