package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/nexus-edge/saj-gateway/internal/domain"
	"gopkg.in/yaml.v3"
)

// LoadRegisters reads and validates the register map at path.
func LoadRegisters(path string) (*domain.RegisterMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read register map: %w", err)
	}
	return ParseRegisters(data)
}

// ParseRegisters decodes a YAML register map. Unknown keys are rejected so that a
// misspelled field never silently drops a register.
func ParseRegisters(data []byte) (*domain.RegisterMap, error) {
	expanded := expandEnvBraces(string(data))

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)

	var m domain.RegisterMap
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse register map: %w", err)
	}

	if len(m.Blocks) == 0 {
		return nil, fmt.Errorf("invalid register map: %w: no blocks defined", domain.ErrInvalidBlock)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid register map: %w", err)
	}
	return &m, nil
}
