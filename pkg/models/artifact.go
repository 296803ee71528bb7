package models

import (
	"encoding/json"
	"fmt"
)

// Artifact is a document produced alongside a workflow, for example an
// account plan or a renewal brief. Its content is a tree of nodes.
type Artifact struct {
	ID      string
	Title   string
	Kind    string
	Content Node
}

// NodeKind tags a Node variant.
type NodeKind string

const (
	NodeKindText    NodeKind = "text"
	NodeKindList    NodeKind = "list"
	NodeKindSection NodeKind = "section"
)

// Node is one element of an artifact's content tree. Implementations are
// TextNode, ListNode and SectionNode.
type Node interface {
	NodeKind() NodeKind
	cloneNode() Node
}

// TextNode is a leaf holding text.
type TextNode struct {
	Text string
}

// ListNode is an ordered list; items may themselves be lists or sections.
type ListNode struct {
	Items []Node
}

// SectionNode is a titled group of child nodes.
type SectionNode struct {
	Heading  string
	Children []Node
}

func (TextNode) NodeKind() NodeKind    { return NodeKindText }
func (ListNode) NodeKind() NodeKind    { return NodeKindList }
func (SectionNode) NodeKind() NodeKind { return NodeKindSection }

func (n TextNode) cloneNode() Node { return n }
func (n ListNode) cloneNode() Node { return ListNode{Items: cloneNodes(n.Items)} }
func (n SectionNode) cloneNode() Node {
	return SectionNode{Heading: n.Heading, Children: cloneNodes(n.Children)}
}

func cloneNodes(nodes []Node) []Node {
	if nodes == nil {
		return nil
	}
	out := make([]Node, len(nodes))
	for i, n := range nodes {
		if n != nil {
			out[i] = n.cloneNode()
		}
	}
	return out
}

// Clone returns a deep copy of the artifact.
func (a Artifact) Clone() Artifact {
	out := Artifact{ID: a.ID, Title: a.Title, Kind: a.Kind}
	if a.Content != nil {
		out.Content = a.Content.cloneNode()
	}
	return out
}

// CloneArtifacts deep-copies an artifact slice.
func CloneArtifacts(artifacts []Artifact) []Artifact {
	if artifacts == nil {
		return nil
	}
	out := make([]Artifact, len(artifacts))
	for i, a := range artifacts {
		out[i] = a.Clone()
	}
	return out
}

func (n TextNode) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind NodeKind `json:"kind"`
		Text string   `json:"text"`
	}{NodeKindText, n.Text})
}

func (n ListNode) MarshalJSON() ([]byte, error) {
	items := n.Items
	if items == nil {
		items = []Node{}
	}
	return json.Marshal(struct {
		Kind  NodeKind `json:"kind"`
		Items []Node   `json:"items"`
	}{NodeKindList, items})
}

func (n SectionNode) MarshalJSON() ([]byte, error) {
	children := n.Children
	if children == nil {
		children = []Node{}
	}
	return json.Marshal(struct {
		Kind     NodeKind `json:"kind"`
		Heading  string   `json:"heading"`
		Children []Node   `json:"children"`
	}{NodeKindSection, n.Heading, children})
}

// DecodeNode decodes a tagged JSON node. A JSON null yields a nil Node.
func DecodeNode(raw json.RawMessage) (Node, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var head struct {
		Kind     NodeKind          `json:"kind"`
		Text     string            `json:"text"`
		Heading  string            `json:"heading"`
		Items    []json.RawMessage `json:"items"`
		Children []json.RawMessage `json:"children"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, err
	}
	switch head.Kind {
	case NodeKindText:
		return TextNode{Text: head.Text}, nil
	case NodeKindList:
		items, err := decodeNodes(head.Items)
		if err != nil {
			return nil, err
		}
		return ListNode{Items: items}, nil
	case NodeKindSection:
		children, err := decodeNodes(head.Children)
		if err != nil {
			return nil, err
		}
		return SectionNode{Heading: head.Heading, Children: children}, nil
	default:
		return nil, fmt.Errorf("unknown node kind %q", head.Kind)
	}
}

func decodeNodes(raws []json.RawMessage) ([]Node, error) {
	out := make([]Node, 0, len(raws))
	for _, r := range raws {
		n, err := DecodeNode(r)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

type artifactJSON struct {
	ID      string          `json:"id"`
	Title   string          `json:"title"`
	Kind    string          `json:"kind"`
	Content json.RawMessage `json:"content,omitempty"`
}

func (a Artifact) MarshalJSON() ([]byte, error) {
	out := artifactJSON{ID: a.ID, Title: a.Title, Kind: a.Kind}
	if a.Content != nil {
		raw, err := json.Marshal(a.Content)
		if err != nil {
			return nil, err
		}
		out.Content = raw
	}
	return json.Marshal(out)
}

func (a *Artifact) UnmarshalJSON(data []byte) error {
	var in artifactJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	content, err := DecodeNode(in.Content)
	if err != nil {
		return fmt.Errorf("artifact %q: %w", in.ID, err)
	}
	*a = Artifact{ID: in.ID, Title: in.Title, Kind: in.Kind, Content: content}
	return nil
}
