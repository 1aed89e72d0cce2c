package hal

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	imageMagic       = 0xE9
	imageHeaderLen   = 24
	segmentHeaderLen = 8
	maxSegments      = 16
	checksumSeed     = 0xEF
	hashLen          = sha256.Size

	appDescMagic      = 0xABCD5432
	appDescVersionOff = 16
	appDescProjectOff = 48
	appDescFieldLen   = 32
)

var (
	ErrInvalidImage     = errors.New("invalid app image")
	ErrChecksumMismatch = errors.New("image checksum mismatch")
	ErrHashMismatch     = errors.New("image SHA-256 mismatch")
)

// ImageInfo describes a validated app image.
type ImageInfo struct {
	EntryAddr    uint32
	Segments     int
	Length       int
	HashAppended bool
	// Version and ProjectName come from the app descriptor at the start of
	// the first segment, when present.
	Version     string
	ProjectName string
}

// VerifyImage walks an app image at the start of b: header, segments, the
// XOR checksum and, when flagged in the header, the appended SHA-256.
// Trailing bytes past the image are ignored.
func VerifyImage(b []byte) (ImageInfo, error) {
	var info ImageInfo

	if len(b) < imageHeaderLen {
		return info, fmt.Errorf("%w: %d bytes is shorter than the header", ErrInvalidImage, len(b))
	}
	if b[0] != imageMagic {
		return info, fmt.Errorf("%w: bad magic 0x%02x", ErrInvalidImage, b[0])
	}

	info.Segments = int(b[1])
	info.EntryAddr = binary.LittleEndian.Uint32(b[4:8])
	info.HashAppended = b[23] == 1

	if info.Segments == 0 || info.Segments > maxSegments {
		return info, fmt.Errorf("%w: %d segments", ErrInvalidImage, info.Segments)
	}

	pos := imageHeaderLen
	sum := byte(checksumSeed)
	for i := 0; i < info.Segments; i++ {
		if pos+segmentHeaderLen > len(b) {
			return info, fmt.Errorf("%w: segment %d header truncated", ErrInvalidImage, i)
		}
		n := int(binary.LittleEndian.Uint32(b[pos+4 : pos+8]))
		pos += segmentHeaderLen

		if n%4 != 0 {
			return info, fmt.Errorf("%w: segment %d length %d is not word aligned", ErrInvalidImage, i, n)
		}
		if n > len(b)-pos {
			return info, fmt.Errorf("%w: segment %d data truncated", ErrInvalidImage, i)
		}

		data := b[pos : pos+n]
		for _, c := range data {
			sum ^= c
		}
		if i == 0 {
			info.Version, info.ProjectName = appDesc(data)
		}
		pos += n
	}

	// The checksum byte closes a 16-byte block.
	for (pos+1)%16 != 0 {
		pos++
	}
	if pos >= len(b) {
		return info, fmt.Errorf("%w: checksum truncated", ErrInvalidImage)
	}
	if b[pos] != sum {
		return info, fmt.Errorf("%w: stored 0x%02x, computed 0x%02x", ErrChecksumMismatch, b[pos], sum)
	}
	pos++

	if info.HashAppended {
		if pos+hashLen > len(b) {
			return info, fmt.Errorf("%w: hash truncated", ErrInvalidImage)
		}
		digest := sha256.Sum256(b[:pos])
		if !bytes.Equal(digest[:], b[pos:pos+hashLen]) {
			return info, ErrHashMismatch
		}
		pos += hashLen
	}

	info.Length = pos
	return info, nil
}

func appDesc(seg []byte) (version, project string) {
	if len(seg) < appDescProjectOff+appDescFieldLen || binary.LittleEndian.Uint32(seg) != appDescMagic {
		return "", ""
	}
	return cString(seg[appDescVersionOff : appDescVersionOff+appDescFieldLen]),
		cString(seg[appDescProjectOff : appDescProjectOff+appDescFieldLen])
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
