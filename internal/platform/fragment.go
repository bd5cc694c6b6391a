package platform

import "strings"

// Default field projections.
var (
	ProjectFields = []string{"id", "title", "description", "inputType", "jsonInterface"}
	AssetFields   = []string{
		"id",
		"externalId",
		"content",
		"jsonContent",
		"status",
		"createdAt",
		"resolution.width",
		"resolution.height",
		"jsonMetadata",
		"latestLabel.id",
		"latestLabel.createdAt",
		"latestLabel.labelType",
		"latestLabel.jsonResponse",
		"latestLabel.author.id",
		"latestLabel.author.email",
	}
	AllLabelsFields = []string{
		"labels.id",
		"labels.createdAt",
		"labels.labelType",
		"labels.jsonResponse",
		"labels.author.id",
		"labels.author.email",
	}
)

type fieldNode struct {
	name     string
	children []*fieldNode
}

func (n *fieldNode) child(name string) *fieldNode {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	c := &fieldNode{name: name}
	n.children = append(n.children, c)
	return c
}

// BuildFragment renders dotted field paths as a GraphQL selection set,
// keeping the order in which fields first appear.
//
//	BuildFragment([]string{"id", "latestLabel.author.email"}) == "id latestLabel { author { email } }"
func BuildFragment(fields []string) string {
	root := &fieldNode{}
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n := root
		for _, part := range strings.Split(f, ".") {
			n = n.child(part)
		}
	}
	var b strings.Builder
	writeNodes(&b, root.children)
	return b.String()
}

func writeNodes(b *strings.Builder, nodes []*fieldNode) {
	for i, n := range nodes {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(n.name)
		if len(n.children) > 0 {
			b.WriteString(" { ")
			writeNodes(b, n.children)
			b.WriteString(" }")
		}
	}
}
