package hal

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/autopeer-io/otaupdater/internal/updater/core"
)

const (
	// The partition table itself lives at 0x8000; the first partition
	// starts right after it.
	firstPartitionOffset = 0x9000

	appAlign  = 0x10000
	dataAlign = 0x1000

	maxLabelLen = 16
	maxOTASlots = 16
)

// DefaultTable is the two-slot layout used when no CSV is configured.
const DefaultTable = `# Name,   Type, SubType, Offset,   Size, Flags
nvs,      data, nvs,     0x9000,   0x4000,
otadata,  data, ota,     0xd000,   0x2000,
phy_init, data, phy,     0xf000,   0x1000,
factory,  app,  factory, 0x10000,  1M,
ota_0,    app,  ota_0,   0x110000, 1M,
ota_1,    app,  ota_1,   0x210000, 1M,
storage,  data, spiffs,  0x310000, 0xF0000,
`

var (
	appSubTypes  = map[string]bool{"factory": true, "test": true}
	dataSubTypes = map[string]bool{
		"ota": true, "phy": true, "nvs": true, "coredump": true, "nvs_keys": true,
		"efuse": true, "undefined": true, "esphttpd": true, "fat": true,
		"spiffs": true, "littlefs": true,
	}
)

// LoadTable reads the partition CSV at path, or DefaultTable when path is
// empty.
func LoadTable(path string, flashSize int64) ([]core.Partition, error) {
	if path == "" {
		return ParseTable(strings.NewReader(DefaultTable), flashSize)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open partition table: %w", err)
	}
	defer f.Close()

	parts, err := ParseTable(f, flashSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return parts, nil
}

// ParseTable parses a partition CSV (name, type, subtype, offset, size,
// flags). Empty offsets are placed after the previous partition, aligned for
// the partition type. The result is sorted by offset and validated against
// flashSize.
func ParseTable(r io.Reader, flashSize int64) ([]core.Partition, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	var (
		parts []core.Partition
		next  uint32 = firstPartitionOffset
	)

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse partition table: %w", err)
		}
		line, _ := cr.FieldPos(0)

		for i := range rec {
			rec[i] = strings.TrimSpace(rec[i])
		}
		if len(rec) == 1 && rec[0] == "" {
			continue
		}
		if len(rec) < 5 {
			return nil, fmt.Errorf("line %d: want at least 5 columns, got %d", line, len(rec))
		}

		p, err := parseRow(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		align := uint32(dataAlign)
		if p.IsApp() {
			align = appAlign
		}
		if rec[3] == "" {
			p.Offset = alignUp(next, align)
		} else {
			off, err := parseSize(rec[3])
			if err != nil {
				return nil, fmt.Errorf("line %d: offset: %w", line, err)
			}
			p.Offset = off
		}
		if p.Offset%align != 0 {
			return nil, fmt.Errorf("line %d: %s offset 0x%x is not aligned to 0x%x", line, p.Label, p.Offset, align)
		}

		next = p.End()
		parts = append(parts, p)
	}

	if err := validateTable(parts, flashSize); err != nil {
		return nil, err
	}
	return parts, nil
}

func parseRow(rec []string) (core.Partition, error) {
	p := core.Partition{Label: rec[0], SubType: strings.ToLower(rec[2])}

	if p.Label == "" || len(p.Label) > maxLabelLen {
		return p, fmt.Errorf("label %q must have 1 to %d characters", p.Label, maxLabelLen)
	}

	switch strings.ToLower(rec[1]) {
	case "app", "0x00", "0":
		p.Type = core.TypeApp
		p.Role = core.RoleInactive
		if !appSubTypes[p.SubType] {
			if _, ok := p.OTASlot(); !ok {
				return p, fmt.Errorf("unknown app subtype %q", rec[2])
			}
		}
	case "data", "0x01", "1":
		p.Type = core.TypeData
		p.Role = core.RoleData
		if !dataSubTypes[p.SubType] {
			return p, fmt.Errorf("unknown data subtype %q", rec[2])
		}
	default:
		return p, fmt.Errorf("unknown partition type %q", rec[1])
	}

	if n, ok := p.OTASlot(); ok && n >= maxOTASlots {
		return p, fmt.Errorf("OTA slot %d out of range", n)
	}

	size, err := parseSize(rec[4])
	if err != nil {
		return p, fmt.Errorf("size: %w", err)
	}
	if size == 0 {
		return p, fmt.Errorf("%s has zero size", p.Label)
	}
	p.Size = size

	return p, nil
}

// parseSize accepts decimal, 0x-prefixed hex and K/M suffixed values.
func parseSize(s string) (uint32, error) {
	mult := uint64(1)
	switch {
	case strings.HasSuffix(s, "K"), strings.HasSuffix(s, "k"):
		mult, s = 1<<10, s[:len(s)-1]
	case strings.HasSuffix(s, "M"), strings.HasSuffix(s, "m"):
		mult, s = 1<<20, s[:len(s)-1]
	}

	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	v *= mult
	if v > 1<<32-1 {
		return 0, fmt.Errorf("value %q overflows 32 bits", s)
	}
	return uint32(v), nil
}

func validateTable(parts []core.Partition, flashSize int64) error {
	if len(parts) == 0 {
		return errors.New("partition table is empty")
	}

	sort.SliceStable(parts, func(i, j int) bool { return parts[i].Offset < parts[j].Offset })

	labels := make(map[string]bool, len(parts))
	slots := make(map[int]bool)
	otadata, apps := 0, 0

	for i, p := range parts {
		if labels[p.Label] {
			return fmt.Errorf("duplicate partition label %q", p.Label)
		}
		labels[p.Label] = true

		if p.Offset < firstPartitionOffset {
			return fmt.Errorf("%s at 0x%x overlaps the bootloader or partition table", p.Label, p.Offset)
		}
		if int64(p.End()) > flashSize {
			return fmt.Errorf("%s ends at 0x%x, past the flash size 0x%x", p.Label, p.End(), flashSize)
		}
		if i > 0 && parts[i-1].End() > p.Offset {
			return fmt.Errorf("%s overlaps %s", p.Label, parts[i-1].Label)
		}

		if p.IsApp() {
			apps++
		}
		if n, ok := p.OTASlot(); ok {
			if slots[n] {
				return fmt.Errorf("duplicate OTA slot ota_%d", n)
			}
			slots[n] = true
		}
		if p.Type == core.TypeData && p.SubType == "ota" {
			otadata++
			if p.Size < 2*sectorSize {
				return fmt.Errorf("%s must hold two 0x%x sectors", p.Label, sectorSize)
			}
		}
	}

	if apps == 0 {
		return errors.New("partition table has no app partition")
	}
	if otadata > 1 {
		return errors.New("partition table has more than one otadata partition")
	}
	if len(slots) > 0 && otadata == 0 {
		return errors.New("OTA slots require an otadata partition")
	}
	return nil
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}
