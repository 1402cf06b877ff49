package pipeline

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/basaltdb/basalt/chunk"
)

// Role tags what a port carries. The merge builder asserts the role sequence
// at every pipe boundary instead of relying on index arithmetic.
type Role uint8

const (
	// RoleData carries table data destined for serialization.
	RoleData Role = iota
	// RoleRowID carries row identifiers for the matched update path.
	RoleRowID
	// RoleRowNumber carries row numbers for the distributed unmatched path.
	RoleRowNumber
	// RoleMutationLog carries encoded mutation log records.
	RoleMutationLog
	// RoleMixed carries interleaved row-number and mutation-log chunks, as
	// delivered by a distributed exchange. Chunks are routed downstream by
	// their kind tag.
	RoleMixed
)

func (r Role) String() string {
	switch r {
	case RoleData:
		return "data"
	case RoleRowID:
		return "row_id"
	case RoleRowNumber:
		return "row_number"
	case RoleMutationLog:
		return "mutation_log"
	case RoleMixed:
		return "mixed"
	default:
		return "unknown"
	}
}

// Port is a single-slot channel moving one chunk at a time between exactly
// one producer and one consumer. Back-pressure comes from the bounded
// buffer; completion is signalled by closing, cancellation through the
// execution context.
type Port struct {
	role Role
	ch   chan *chunk.Chunk
	once sync.Once
}

// NewPort returns a port carrying the given role.
func NewPort(role Role) *Port {
	return &Port{role: role, ch: make(chan *chunk.Chunk, 1)}
}

// Role returns the semantic tag of the port.
func (p *Port) Role() Role { return p.role }

// Send delivers one chunk, blocking until the consumer has room or the
// context is cancelled.
func (p *Port) Send(ctx context.Context, c *chunk.Chunk) error {
	select {
	case p.ch <- c:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "port send")
	}
}

// Recv returns the next chunk. ok is false once the producer has closed the
// port and the buffer is drained.
func (p *Port) Recv(ctx context.Context) (c *chunk.Chunk, ok bool, err error) {
	select {
	case c, ok = <-p.ch:
		return c, ok, nil
	case <-ctx.Done():
		return nil, false, errors.Wrap(ctx.Err(), "port recv")
	}
}

// Close marks the stream complete. Safe to call more than once.
func (p *Port) Close() {
	p.once.Do(func() { close(p.ch) })
}

func closePorts(ports []*Port) {
	for _, p := range ports {
		p.Close()
	}
}

func roles(ports []*Port) []Role {
	rs := make([]Role, len(ports))
	for i, p := range ports {
		rs[i] = p.role
	}
	return rs
}
