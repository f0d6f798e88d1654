package domain

import (
	"fmt"
	"regexp"
	"strconv"
)

var nodeIDPattern = regexp.MustCompile(`^ns=(\d+);([isgb])=([^;]+)$`)

// NodeID is a parsed OPC-UA style node identifier: ns=<uint>;<type>=<value>.
type NodeID struct {
	Namespace  uint32
	Type       byte // i, s, g or b
	Identifier string
}

func (n NodeID) String() string {
	return fmt.Sprintf("ns=%d;%c=%s", n.Namespace, n.Type, n.Identifier)
}

// ValidNodeID reports whether s matches the node identifier grammar.
func ValidNodeID(s string) bool {
	m := nodeIDPattern.FindStringSubmatch(s)
	if m == nil {
		return false
	}
	_, err := strconv.ParseUint(m[1], 10, 32)
	return err == nil
}

// ParseNodeID parses s, returning a validation error when it does not match
// the grammar.
func ParseNodeID(s string) (NodeID, error) {
	m := nodeIDPattern.FindStringSubmatch(s)
	if m == nil {
		return NodeID{}, NewError(KindValidation, "parse node id",
			"node id must match ns=<uint>;[i|s|g|b]=<value>").With("node_id", s)
	}
	ns, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return NodeID{}, NewError(KindValidation, "parse node id", "namespace out of range").With("node_id", s)
	}
	return NodeID{Namespace: uint32(ns), Type: m[2][0], Identifier: m[3]}, nil
}

// Numeric returns the identifier as an integer for i= node ids.
func (n NodeID) Numeric() (uint32, error) {
	if n.Type != 'i' {
		return 0, NewError(KindValidation, "node id", "identifier is not numeric").With("node_id", n.String())
	}
	v, err := strconv.ParseUint(n.Identifier, 10, 32)
	if err != nil {
		return 0, NewError(KindValidation, "node id", "identifier is not a uint32").With("node_id", n.String())
	}
	return uint32(v), nil
}
