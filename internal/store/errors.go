package store

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreConcurrency signals that another rewrite of the same partition is in flight.
	// The call had no effect and may be retried.
	ErrStoreConcurrency = errors.New("partition is being rewritten")
	// ErrInvalidPartition signals a partition ID that cannot name a file.
	ErrInvalidPartition = errors.New("invalid partition id")
)

// MalformedPartitionError reports a partition file that is missing required
// columns or cannot be parsed. Readers skip such partitions.
type MalformedPartitionError struct {
	Partition string
	Err       error
}

func (e *MalformedPartitionError) Error() string {
	return fmt.Sprintf("malformed partition %s: %v", e.Partition, e.Err)
}

func (e *MalformedPartitionError) Unwrap() error {
	return e.Err
}
