package adapter

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// IDGenerator defines an interface for identifier generation to enable mocking
//
//go:generate mockgen -source=ids.go -destination=../mocks/ids.go -package=mocks -mock_names=IDGenerator=MockIDGenerator
type IDGenerator interface {
	// NewUUID returns a random UUID, used for forms, cases and deletion ids
	NewUUID() string
	// NewULID returns a lexically sortable id, used for restore ids
	NewULID() string
}

// RealIDGenerator implements IDGenerator with google/uuid and oklog/ulid
type RealIDGenerator struct{}

// NewIDGenerator creates a new real id generator
func NewIDGenerator() IDGenerator {
	return &RealIDGenerator{}
}

func (g *RealIDGenerator) NewUUID() string {
	return uuid.NewString()
}

func (g *RealIDGenerator) NewULID() string {
	return ulid.Make().String()
}
