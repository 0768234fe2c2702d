// Package uuid generates domain ids.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 strings, so listing domains by id
// lists them in registration order.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Valid reports whether s parses as a UUID. Domain ids become file names, so
// anything else is refused before it reaches the filesystem.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
