// Package graph builds a cross-file code graph from candidate source
// files and renders per-file skeletons for LLM context. Nodes cover
// imports, functions, and classes; typed edges record calls, extends,
// and imports relations.
package graph

import "fmt"

// NodeKind classifies a graph node.
type NodeKind string

const (
	NodeKindFunction NodeKind = "function"
	NodeKindClass    NodeKind = "class"
	NodeKindImport   NodeKind = "import"
)

// EdgeKind classifies a graph edge.
type EdgeKind string

const (
	EdgeKindCalls   EdgeKind = "calls"
	EdgeKindExtends EdgeKind = "extends"
	EdgeKindImports EdgeKind = "imports"
)

// Location is a node's span in its file.
type Location struct {
	Start     int
	End       int
	LineCount int
}

// Param is one parameter of a function or method signature.
type Param struct {
	Name     string
	Type     string
	Optional bool
}

// FunctionContext captures what a function body touches.
type FunctionContext struct {
	DeclaredVariables []string
	UsedIdentifiers   []string
	ExternalDeps      []string
	ThrownErrors      []string
}

// Property is a class field.
type Property struct {
	Name     string
	Type     string
	IsStatic bool
}

// Method is a class method with its own signature and call set.
type Method struct {
	Name      string
	Params    []Param
	Location  Location
	Calls     []string
	IsStatic  bool
	Modifiers []string
}

// Node is one entity in the code graph. Calls lists called function
// names in first-appearance order. ImportedNames and Source are set on
// import nodes only.
type Node struct {
	ID            string
	Kind          NodeKind
	Name          string
	FilePath      string
	Location      Location
	Params        []Param
	Context       *FunctionContext
	Calls         []string
	Properties    []Property
	Methods       []Method
	ExtendsFrom   string
	IsExported    bool
	Modifiers     []string
	ImportedNames []string
	Source        string
}

// Edge is a typed directed relation between two node ids. Targets may
// name entities outside the candidate file set.
type Edge struct {
	From string
	To   string
	Kind EdgeKind
}

// NodeID builds the canonical id for a named entity in a file.
func NodeID(filePath, name string) string {
	return fmt.Sprintf("%s:%s", filePath, name)
}

// Signature renders the parameter list of a function-like node.
func Signature(params []Param) string {
	out := "("
	for i, p := range params {
		if i > 0 {
			out += ", "
		}
		out += p.Name
		if p.Optional {
			out += "?"
		}
		if p.Type != "" {
			out += ": " + p.Type
		}
	}
	return out + ")"
}
