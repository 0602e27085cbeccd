package models

import (
	"encoding/hex"
	"fmt"
	"time"
)

// ChecksumSize is the length of an artifact checksum (BLAKE2b-256)
const ChecksumSize = 32

// ArtifactHandle identifies an artifact file by location and content
type ArtifactHandle struct {
	Path     string             `json:"path" yaml:"path"`
	Checksum [ChecksumSize]byte `json:"-" yaml:"-"`
}

// ChecksumHex returns the checksum as lowercase hex
func (h ArtifactHandle) ChecksumHex() string {
	return hex.EncodeToString(h.Checksum[:])
}

// ParseChecksum decodes a hex checksum
func ParseChecksum(s string) ([ChecksumSize]byte, error) {
	var sum [ChecksumSize]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return sum, fmt.Errorf("invalid checksum: %w", err)
	}
	if len(raw) != ChecksumSize {
		return sum, fmt.Errorf("invalid checksum length %d, want %d", len(raw), ChecksumSize)
	}
	copy(sum[:], raw)
	return sum, nil
}

func (h ArtifactHandle) String() string {
	return fmt.Sprintf("%s@%s", h.Path, h.ChecksumHex())
}

// ArtifactMeta describes how an artifact was produced
type ArtifactMeta struct {
	EngineVersion   string        `json:"engine_version" yaml:"engine_version"`
	CompileDuration time.Duration `json:"compile_duration" yaml:"compile_duration"`
	MemoryCeiling   uint64        `json:"memory_ceiling" yaml:"memory_ceiling"` // bytes
	CodeHash        [32]byte      `json:"-" yaml:"-"`
	CreatedAt       time.Time     `json:"created_at" yaml:"created_at"`
}

// Artifact is immutable once its handle has been returned to the host
type Artifact struct {
	Handle ArtifactHandle `json:"handle" yaml:"handle"`
	Meta   ArtifactMeta   `json:"meta" yaml:"meta"`
}
