// Package cluster provides the membership view the execution core needs:
// a stable mapping from node id to partition index. Discovery belongs to
// the coordination layer; this package only holds its result for the
// lifetime of one statement.
package cluster

import "github.com/pkg/errors"

// Membership maps the nodes participating in one distributed statement to
// contiguous partition indexes in declaration order.
type Membership struct {
	local string
	index map[string]uint16
}

// NewMembership builds a membership for the given node ids with the local
// node named explicitly.
func NewMembership(local string, nodes []string) (*Membership, error) {
	index := make(map[string]uint16, len(nodes))
	for i, id := range nodes {
		if _, ok := index[id]; ok {
			return nil, errors.Errorf("cluster: duplicate node id %q", id)
		}
		index[id] = uint16(i)
	}
	return &Membership{local: local, index: index}, nil
}

// LocalID returns the local node id.
func (m *Membership) LocalID() string { return m.local }

// NodeIndex returns the partition index of the given node.
func (m *Membership) NodeIndex(id string) (uint16, bool) {
	idx, ok := m.index[id]
	return idx, ok
}

// Len returns the number of member nodes.
func (m *Membership) Len() int { return len(m.index) }
