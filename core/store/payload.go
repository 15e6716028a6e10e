package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

type PayloadKind int

const (
	PayloadText PayloadKind = iota
	PayloadTree
	PayloadBinary
)

var payloadKindNames = map[PayloadKind]string{
	PayloadText:   "text",
	PayloadTree:   "tree",
	PayloadBinary: "binary",
}

func (k PayloadKind) String() string {
	if name, ok := payloadKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Payload is the tagged content variant stored per entity. Exactly one of
// Text, Tree, or Data is meaningful, selected by Kind.
type Payload struct {
	Kind PayloadKind
	Text []byte
	Tree map[string]string
	Data []byte
}

func TextPayload(content string) Payload {
	return Payload{Kind: PayloadText, Text: []byte(content)}
}

func TreePayload(fields map[string]string) Payload {
	return Payload{Kind: PayloadTree, Tree: fields}
}

func BinaryPayload(data []byte) Payload {
	return Payload{Kind: PayloadBinary, Data: data}
}

func (p Payload) Clone() Payload {
	out := Payload{Kind: p.Kind}
	if p.Text != nil {
		out.Text = append([]byte(nil), p.Text...)
	}
	if p.Data != nil {
		out.Data = append([]byte(nil), p.Data...)
	}
	if p.Tree != nil {
		out.Tree = make(map[string]string, len(p.Tree))
		for k, v := range p.Tree {
			out.Tree[k] = v
		}
	}
	return out
}

func (p Payload) Equal(other Payload) bool {
	if p.Kind != other.Kind {
		return false
	}
	switch p.Kind {
	case PayloadText:
		return bytes.Equal(p.Text, other.Text)
	case PayloadBinary:
		return bytes.Equal(p.Data, other.Data)
	case PayloadTree:
		return treesEqual(p.Tree, other.Tree)
	default:
		return false
	}
}

func treesEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func (p Payload) Size() int64 {
	switch p.Kind {
	case PayloadText:
		return int64(len(p.Text))
	case PayloadBinary:
		return int64(len(p.Data))
	case PayloadTree:
		var total int64
		for k, v := range p.Tree {
			total += int64(len(k) + len(v))
		}
		return total
	default:
		return 0
	}
}

// TreeKeys returns the field names of a tree payload in sorted order.
func (p Payload) TreeKeys() []string {
	keys := make([]string, 0, len(p.Tree))
	for k := range p.Tree {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func encodePayload(p Payload) ([]byte, error) {
	switch p.Kind {
	case PayloadText:
		return p.Text, nil
	case PayloadBinary:
		return p.Data, nil
	case PayloadTree:
		return json.Marshal(p.Tree)
	default:
		return nil, fmt.Errorf("encode payload: unknown kind %d", p.Kind)
	}
}

func decodePayload(kind PayloadKind, data []byte) (Payload, error) {
	switch kind {
	case PayloadText:
		return Payload{Kind: PayloadText, Text: data}, nil
	case PayloadBinary:
		return Payload{Kind: PayloadBinary, Data: data}, nil
	case PayloadTree:
		tree := make(map[string]string)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &tree); err != nil {
				return Payload{}, fmt.Errorf("decode tree payload: %w", err)
			}
		}
		return Payload{Kind: PayloadTree, Tree: tree}, nil
	default:
		return Payload{}, fmt.Errorf("decode payload: unknown kind %d", kind)
	}
}
