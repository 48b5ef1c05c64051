package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicate          = errors.New("already exists")
	ErrAssignmentNotFound = errors.New("assignment not found")
	// ErrConflict is returned by UpdateTest when the stored status no longer
	// matches the status the caller read.
	ErrConflict = errors.New("test changed concurrently")
)

// Store defines the interface for test storage operations
type Store interface {
	// Test operations
	CreateTest(ctx context.Context, test *Test) error
	GetTest(ctx context.Context, id string) (*Test, error)
	ListTests(ctx context.Context, opts ListOptions) ([]*Test, error)
	// UpdateTest replaces the stored test only while its status is still
	// expected, otherwise it returns ErrConflict.
	UpdateTest(ctx context.Context, test *Test, expected Status) error
	DeleteTest(ctx context.Context, id string) error

	// Assignment operations. AssignIfAbsent stores variantID for the session
	// unless an assignment already exists, in which case the existing one is
	// returned with created=false. Creating an assignment increments the
	// variant's visitor counter in the same atomic unit.
	GetAssignment(ctx context.Context, testID, sessionID string) (*Assignment, error)
	AssignIfAbsent(ctx context.Context, testID, sessionID, variantID string) (*Assignment, bool, error)

	// Conversion and metric operations
	RecordConversion(ctx context.Context, c Conversion) (string, error)
	GetVariantMetrics(ctx context.Context, testID string) ([]VariantMetrics, error)
	GetTimeline(ctx context.Context, testID string) ([]DailyBucket, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}
