package graph

import (
	"strings"

	"github.com/patchsmith/patchsmith/internal/chunk"
)

// jsKeywords are names that look like calls or identifiers in loose
// parses but never denote user functions.
var jsKeywords = map[string]struct{}{
	"if": {}, "else": {}, "for": {}, "while": {}, "do": {}, "switch": {},
	"case": {}, "return": {}, "typeof": {}, "instanceof": {}, "new": {},
	"delete": {}, "void": {}, "in": {}, "of": {}, "function": {},
	"class": {}, "const": {}, "let": {}, "var": {}, "import": {},
	"export": {}, "default": {}, "try": {}, "catch": {}, "finally": {},
	"throw": {}, "super": {}, "this": {}, "await": {}, "async": {},
	"yield": {}, "static": {}, "get": {}, "set": {}, "constructor": {},
}

type extractor struct {
	source   []byte
	filePath string
}

// extractFile harvests import, function, and class nodes from one
// parsed file, in source order. Only top-level declarations become
// nodes; class methods live on their class node.
func extractFile(tree *chunk.Tree, filePath string) []*Node {
	ex := &extractor{source: tree.Source, filePath: filePath}
	var nodes []*Node

	for _, child := range tree.Root.Children {
		decl := child
		exported := false
		if child.Type == "export_statement" {
			if inner := exportedDeclaration(child); inner != nil {
				decl = inner
				exported = true
			} else {
				continue
			}
		}

		switch decl.Type {
		case "import_statement":
			if node := ex.importNode(decl); node != nil {
				nodes = append(nodes, node)
			}
		case "function_declaration", "generator_function_declaration":
			if node := ex.functionNode(decl, exported); node != nil {
				node.Calls = ex.callNames(decl)
				nodes = append(nodes, node)
			}
		case "lexical_declaration", "variable_declaration":
			for _, declarator := range decl.ChildrenByType("variable_declarator") {
				if node := ex.variableFunctionNode(declarator, decl, exported); node != nil {
					node.Calls = ex.callNames(declarator)
					nodes = append(nodes, node)
				}
			}
		case "class_declaration":
			if node := ex.classNode(decl, exported); node != nil {
				node.Calls = ex.callNames(decl)
				nodes = append(nodes, node)
			}
		}
	}
	return nodes
}

// exportedDeclaration unwraps an export statement to the declaration
// it exports, or nil for re-exports and default expressions.
func exportedDeclaration(export *chunk.Node) *chunk.Node {
	for _, child := range export.Children {
		switch child.Type {
		case "function_declaration", "generator_function_declaration",
			"class_declaration", "lexical_declaration", "variable_declaration",
			"import_statement":
			return child
		}
	}
	return nil
}

func (ex *extractor) importNode(decl *chunk.Node) *Node {
	sourceNode := decl.ChildByType("string")
	if sourceNode == nil {
		return nil
	}
	module := strings.Trim(sourceNode.Content(ex.source), "'\"`")
	if module == "" {
		return nil
	}

	var names []string
	if clause := decl.ChildByType("import_clause"); clause != nil {
		clause.Walk(func(n *chunk.Node) bool {
			switch n.Type {
			case "identifier":
				names = append(names, n.Content(ex.source))
			case "import_specifier":
				if name := n.ChildByType("identifier"); name != nil {
					names = append(names, name.Content(ex.source))
					return false
				}
			}
			return true
		})
	}

	return &Node{
		ID:            NodeID(ex.filePath, module),
		Kind:          NodeKindImport,
		Name:          module,
		FilePath:      ex.filePath,
		Location:      location(decl),
		ImportedNames: dedupe(names),
		Source:        module,
		IsExported:    false,
	}
}

func (ex *extractor) functionNode(decl *chunk.Node, exported bool) *Node {
	nameNode := decl.ChildByType("identifier")
	if nameNode == nil {
		return nil
	}
	name := nameNode.Content(ex.source)

	var modifiers []string
	if strings.HasPrefix(strings.TrimSpace(decl.Content(ex.source)), "async") {
		modifiers = append(modifiers, "async")
	}
	if decl.Type == "generator_function_declaration" {
		modifiers = append(modifiers, "generator")
	}

	return &Node{
		ID:         NodeID(ex.filePath, name),
		Kind:       NodeKindFunction,
		Name:       name,
		FilePath:   ex.filePath,
		Location:   location(decl),
		Params:     ex.params(decl.ChildByType("formal_parameters")),
		Context:    ex.functionContext(decl),
		IsExported: exported,
		Modifiers:  modifiers,
	}
}

// variableFunctionNode turns `const f = () => …` and friends into a
// function node spanning the whole declaration.
func (ex *extractor) variableFunctionNode(declarator, decl *chunk.Node, exported bool) *Node {
	nameNode := declarator.ChildByType("identifier")
	if nameNode == nil {
		return nil
	}

	var fn *chunk.Node
	for _, child := range declarator.Children {
		switch child.Type {
		case "arrow_function", "function", "function_expression", "generator_function":
			fn = child
		}
	}
	if fn == nil {
		return nil
	}
	name := nameNode.Content(ex.source)

	var modifiers []string
	if strings.HasPrefix(strings.TrimSpace(fn.Content(ex.source)), "async") {
		modifiers = append(modifiers, "async")
	}

	params := ex.params(fn.ChildByType("formal_parameters"))
	if params == nil {
		// Arrow functions may have a single bare parameter
		if ident := fn.ChildByType("identifier"); ident != nil {
			params = []Param{{Name: ident.Content(ex.source)}}
		}
	}

	return &Node{
		ID:         NodeID(ex.filePath, name),
		Kind:       NodeKindFunction,
		Name:       name,
		FilePath:   ex.filePath,
		Location:   location(decl),
		Params:     params,
		Context:    ex.functionContext(fn),
		IsExported: exported,
		Modifiers:  modifiers,
	}
}

func (ex *extractor) classNode(decl *chunk.Node, exported bool) *Node {
	nameNode := decl.ChildByType("type_identifier")
	if nameNode == nil {
		nameNode = decl.ChildByType("identifier")
	}
	if nameNode == nil {
		return nil
	}
	name := nameNode.Content(ex.source)

	node := &Node{
		ID:          NodeID(ex.filePath, name),
		Kind:        NodeKindClass,
		Name:        name,
		FilePath:    ex.filePath,
		Location:    location(decl),
		ExtendsFrom: ex.heritage(decl),
		IsExported:  exported,
	}

	body := decl.ChildByType("class_body")
	if body == nil {
		return node
	}
	for _, member := range body.Children {
		switch member.Type {
		case "method_definition":
			if method := ex.method(member); method != nil {
				node.Methods = append(node.Methods, *method)
			}
		case "field_definition", "public_field_definition":
			if prop := ex.property(member); prop != nil {
				node.Properties = append(node.Properties, *prop)
			}
		}
	}
	return node
}

// heritage returns the parent class name from an extends clause.
func (ex *extractor) heritage(decl *chunk.Node) string {
	clause := decl.ChildByType("class_heritage")
	if clause == nil {
		return ""
	}
	var parent string
	clause.Walk(func(n *chunk.Node) bool {
		if parent != "" {
			return false
		}
		switch n.Type {
		case "identifier", "type_identifier", "member_expression":
			parent = n.Content(ex.source)
			return false
		}
		return true
	})
	return parent
}

func (ex *extractor) method(member *chunk.Node) *Method {
	nameNode := member.ChildByType("property_identifier")
	if nameNode == nil {
		return nil
	}

	method := &Method{
		Name:     nameNode.Content(ex.source),
		Params:   ex.params(member.ChildByType("formal_parameters")),
		Location: location(member),
		Calls:    ex.callNames(member),
	}
	for _, child := range member.Children {
		switch child.Type {
		case "static":
			method.IsStatic = true
			method.Modifiers = append(method.Modifiers, "static")
		case "async", "get", "set":
			method.Modifiers = append(method.Modifiers, child.Type)
		}
	}
	return method
}

func (ex *extractor) property(member *chunk.Node) *Property {
	nameNode := member.ChildByType("property_identifier")
	if nameNode == nil {
		return nil
	}
	prop := &Property{Name: nameNode.Content(ex.source)}
	if annotation := member.ChildByType("type_annotation"); annotation != nil {
		prop.Type = typeText(annotation, ex.source)
	}
	for _, child := range member.Children {
		if child.Type == "static" {
			prop.IsStatic = true
		}
	}
	return prop
}

// params reads a formal parameter list with names, optional flags, and
// best-effort type strings.
func (ex *extractor) params(list *chunk.Node) []Param {
	if list == nil {
		return nil
	}
	var params []Param
	for _, child := range list.Children {
		switch child.Type {
		case "identifier":
			params = append(params, Param{Name: child.Content(ex.source)})
		case "required_parameter", "optional_parameter":
			param := Param{Optional: child.Type == "optional_parameter"}
			if name := child.ChildByType("identifier"); name != nil {
				param.Name = name.Content(ex.source)
			} else if pattern := firstPattern(child); pattern != nil {
				param.Name = pattern.Content(ex.source)
			}
			if annotation := child.ChildByType("type_annotation"); annotation != nil {
				param.Type = typeText(annotation, ex.source)
			}
			if param.Name != "" {
				params = append(params, param)
			}
		case "assignment_pattern":
			if name := child.ChildByType("identifier"); name != nil {
				params = append(params, Param{Name: name.Content(ex.source), Optional: true})
			}
		case "rest_parameter":
			if name := child.ChildByType("identifier"); name != nil {
				params = append(params, Param{Name: "..." + name.Content(ex.source)})
			}
		case "object_pattern", "array_pattern":
			params = append(params, Param{Name: child.Content(ex.source)})
		}
	}
	return params
}

func firstPattern(n *chunk.Node) *chunk.Node {
	for _, child := range n.Children {
		if child.Type == "object_pattern" || child.Type == "array_pattern" {
			return child
		}
	}
	return nil
}

// typeText renders a type annotation without its leading colon.
func typeText(annotation *chunk.Node, source []byte) string {
	text := annotation.Content(source)
	text = strings.TrimPrefix(text, ":")
	return strings.TrimSpace(text)
}

// functionContext inspects a function body for declared variables,
// used identifiers, member-expression roots, and thrown constructors.
func (ex *extractor) functionContext(fn *chunk.Node) *FunctionContext {
	body := fn.ChildByType("statement_block")
	if body == nil {
		// Arrow functions may have an expression body
		body = fn
	}

	declared := map[string]struct{}{}
	for _, p := range ex.params(fn.ChildByType("formal_parameters")) {
		declared[strings.TrimPrefix(p.Name, "...")] = struct{}{}
	}

	ctx := &FunctionContext{}
	var used, deps, thrown []string

	body.Walk(func(n *chunk.Node) bool {
		switch n.Type {
		case "variable_declarator":
			if name := n.ChildByType("identifier"); name != nil {
				text := name.Content(ex.source)
				if _, ok := declared[text]; !ok {
					declared[text] = struct{}{}
					ctx.DeclaredVariables = append(ctx.DeclaredVariables, text)
				}
			}
		case "identifier":
			used = append(used, n.Content(ex.source))
		case "member_expression":
			if root := memberRoot(n); root != nil {
				deps = append(deps, root.Content(ex.source))
			}
		case "throw_statement":
			if name := thrownConstructor(n, ex.source); name != "" {
				thrown = append(thrown, name)
			}
		}
		return true
	})

	ctx.UsedIdentifiers = dedupe(filterKeywords(used))
	ctx.ThrownErrors = dedupe(thrown)
	for _, dep := range dedupe(deps) {
		if _, ok := declared[dep]; ok {
			continue
		}
		if _, ok := jsKeywords[dep]; ok {
			continue
		}
		ctx.ExternalDeps = append(ctx.ExternalDeps, dep)
	}
	return ctx
}

// memberRoot walks to the leftmost object of a member expression and
// returns it when it is a plain identifier.
func memberRoot(member *chunk.Node) *chunk.Node {
	object := member.ChildByType("member_expression")
	if object != nil {
		return memberRoot(object)
	}
	return member.ChildByType("identifier")
}

func thrownConstructor(throw *chunk.Node, source []byte) string {
	newExpr := throw.ChildByType("new_expression")
	if newExpr == nil {
		return ""
	}
	if name := newExpr.ChildByType("identifier"); name != nil {
		return name.Content(source)
	}
	return ""
}

// callNames collects called function names under a node: direct call
// names plus member-call property names, keywords excluded.
func (ex *extractor) callNames(scope *chunk.Node) []string {
	var names []string
	scope.Walk(func(n *chunk.Node) bool {
		if n.Type != "call_expression" {
			return true
		}
		for _, child := range n.Children {
			switch child.Type {
			case "identifier":
				names = append(names, child.Content(ex.source))
			case "member_expression":
				if prop := child.ChildByType("property_identifier"); prop != nil {
					names = append(names, prop.Content(ex.source))
				}
			}
			break
		}
		return true
	})
	return dedupe(filterKeywords(names))
}

func location(n *chunk.Node) Location {
	return Location{
		Start:     n.StartLine(),
		End:       n.EndLine(),
		LineCount: n.EndLine() - n.StartLine() + 1,
	}
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func filterKeywords(values []string) []string {
	var out []string
	for _, v := range values {
		if _, ok := jsKeywords[v]; ok {
			continue
		}
		out = append(out, v)
	}
	return out
}
