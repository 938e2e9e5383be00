package model

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Visualize renders the model as a Graphviz digraph for debug logs.
func Visualize(m *Model) string {
	var sb strings.Builder
	sb.WriteString("digraph G {\n")

	for _, id := range m.OperandIDs() {
		o := m.operands[id]
		label := fmt.Sprintf("%d\\n%s", id, o.Type.String())
		switch {
		case m.IsModelInput(id):
			label = fmt.Sprintf("input%d: %s", slices.Index(m.InputOperands, id), label)
		case m.IsModelOutput(id):
			label = fmt.Sprintf("output%d: %s", slices.Index(m.OutputOperands, id), label)
		case o.IsConstant():
			label = "const " + label
		}
		fmt.Fprintf(&sb, "\tn%d [label=\"%s\", shape=box];\n", id, label)
	}

	for _, id := range m.OperationIDs() {
		op := m.operations[id]
		fmt.Fprintf(&sb, "\top%d [label=\"%s%s\"];\n", id, op.Type, formatAttrs(op.Attrs))
		for i, in := range op.Inputs {
			fmt.Fprintf(&sb, "\tn%d -> op%d [label=\"%d\"];\n", in, id, i)
		}
		for i, out := range op.Outputs {
			fmt.Fprintf(&sb, "\top%d -> n%d [label=\"%d\"];\n", id, out, i)
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func formatAttrs(attrs Attrs) string {
	if len(attrs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "\\n%s=%v", k, attrs[k])
	}
	return sb.String()
}
