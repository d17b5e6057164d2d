package graph

import (
	"fmt"
	"path"
	"strings"
)

// FormatFileSkeleton renders one file's structural summary: header,
// imports, exports, functions with call relations, then classes.
// Output is deterministic for a given graph.
func FormatFileSkeleton(g *EnhancedCodeGraph, filePath string) string {
	nodes := g.NodesForFile(filePath)

	var imports, functions, classes []*Node
	for _, node := range nodes {
		switch node.Kind {
		case NodeKindImport:
			imports = append(imports, node)
		case NodeKindFunction:
			functions = append(functions, node)
		case NodeKindClass:
			classes = append(classes, node)
		}
	}

	var exports []string
	for _, node := range nodes {
		if node.IsExported {
			exports = append(exports, node.Name)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "FILE: %s (%s)\n", path.Base(filePath), filePath)
	fmt.Fprintf(&b, "Imports: %d | Functions: %d | Classes: %d\n",
		len(imports), len(functions), len(classes))

	if len(imports) > 0 {
		b.WriteString("\nIMPORTS:\n")
		for _, imp := range imports {
			if len(imp.ImportedNames) > 0 {
				fmt.Fprintf(&b, "  - %s (%s)\n", imp.Source, strings.Join(imp.ImportedNames, ", "))
			} else {
				fmt.Fprintf(&b, "  - %s\n", imp.Source)
			}
		}
	}

	if len(exports) > 0 {
		b.WriteString("\nEXPORTS:\n")
		for _, name := range exports {
			fmt.Fprintf(&b, "  - %s\n", name)
		}
	}

	if len(functions) > 0 {
		b.WriteString("\nFUNCTIONS:\n")
		for _, fn := range functions {
			writeFunction(&b, g, fn)
		}
	}

	if len(classes) > 0 {
		b.WriteString("\nCLASSES:\n")
		for _, class := range classes {
			writeClass(&b, g, class)
		}
	}

	return b.String()
}

// FormatSkeletons renders every file in the graph, sorted by path,
// separated by blank lines.
func FormatSkeletons(g *EnhancedCodeGraph) string {
	files := g.Files()
	parts := make([]string, 0, len(files))
	for _, filePath := range files {
		parts = append(parts, FormatFileSkeleton(g, filePath))
	}
	return strings.Join(parts, "\n")
}

func writeFunction(b *strings.Builder, g *EnhancedCodeGraph, fn *Node) {
	fmt.Fprintf(b, "  %s %s%s%s (lines %d-%d)\n",
		exportTag(fn.IsExported), modifierPrefix(fn.Modifiers), fn.Name,
		Signature(fn.Params), fn.Location.Start, fn.Location.End)

	if len(fn.Calls) > 0 {
		fmt.Fprintf(b, "    Calls: %s\n", strings.Join(fn.Calls, ", "))
	}
	if callers := callerLabels(g, fn.ID); len(callers) > 0 {
		fmt.Fprintf(b, "    Called by: %s\n", strings.Join(callers, ", "))
	}
	if fn.Context != nil {
		if len(fn.Context.UsedIdentifiers) > 0 {
			fmt.Fprintf(b, "    Uses: %s\n", strings.Join(fn.Context.UsedIdentifiers, ", "))
		}
		if len(fn.Context.ThrownErrors) > 0 {
			fmt.Fprintf(b, "    Throws: %s\n", strings.Join(fn.Context.ThrownErrors, ", "))
		}
	}
}

func writeClass(b *strings.Builder, g *EnhancedCodeGraph, class *Node) {
	extends := ""
	if class.ExtendsFrom != "" {
		extends = " extends " + class.ExtendsFrom
	}
	fmt.Fprintf(b, "  %s class %s%s (lines %d-%d)\n",
		exportTag(class.IsExported), class.Name, extends,
		class.Location.Start, class.Location.End)

	if callers := callerLabels(g, class.ID); len(callers) > 0 {
		fmt.Fprintf(b, "    Called by: %s\n", strings.Join(callers, ", "))
	}
	if len(class.Properties) > 0 {
		labels := make([]string, len(class.Properties))
		for i, prop := range class.Properties {
			label := prop.Name
			if prop.IsStatic {
				label = "static " + label
			}
			if prop.Type != "" {
				label += ": " + prop.Type
			}
			labels[i] = label
		}
		fmt.Fprintf(b, "    Properties: %s\n", strings.Join(labels, ", "))
	}
	if len(class.Methods) > 0 {
		b.WriteString("    Methods:\n")
		for _, method := range class.Methods {
			fmt.Fprintf(b, "      %s%s%s (lines %d-%d)\n",
				modifierPrefix(method.Modifiers), method.Name,
				Signature(method.Params), method.Location.Start, method.Location.End)
			if len(method.Calls) > 0 {
				fmt.Fprintf(b, "        Calls: %s\n", strings.Join(method.Calls, ", "))
			}
		}
	}
}

// callerLabels renders the reverse-call ids for a node as
// "name (file)" labels.
func callerLabels(g *EnhancedCodeGraph, id string) []string {
	callerIDs := g.CalledBy(id)
	labels := make([]string, 0, len(callerIDs))
	for _, callerID := range callerIDs {
		caller, ok := g.Node(callerID)
		if !ok {
			continue
		}
		labels = append(labels, fmt.Sprintf("%s (%s)", caller.Name, caller.FilePath))
	}
	return labels
}

func exportTag(exported bool) string {
	if exported {
		return "[EXPORTED]"
	}
	return "[PRIVATE]"
}

func modifierPrefix(modifiers []string) string {
	if len(modifiers) == 0 {
		return ""
	}
	return strings.Join(modifiers, " ") + " "
}
