package codeintel

import (
	tree_sitter "github.com/tree-sitter/go-tree-sitter"
)

// tsExtractor outlines TypeScript, TSX and JavaScript. Only top-level
// declarations are reported, which is where components live.
type tsExtractor struct{}

var tsDeclKinds = map[string]SymbolKind{
	"function_declaration":           KindFunction,
	"generator_function_declaration": KindFunction,
	"class_declaration":              KindClass,
	"abstract_class_declaration":     KindClass,
	"interface_declaration":          KindInterface,
	"type_alias_declaration":         KindType,
	"enum_declaration":               KindEnum,
}

func (e tsExtractor) Extract(root *tree_sitter.Node, source []byte) []Symbol {
	var symbols []Symbol
	var defaultName string
	defaultKind := KindValue

	cursor := root.Walk()
	defer cursor.Close()

	walk(cursor, func(node *tree_sitter.Node) {
		kind := node.Kind()
		if kind == "export_statement" && isTopLevelTS(node) && hasDefaultKeyword(node) {
			v := node.ChildByFieldName("value")
			if v == nil {
				return
			}
			switch v.Kind() {
			case "identifier":
				defaultName = v.Utf8Text(source)
			case "function_expression", "function", "class":
				if n := v.ChildByFieldName("name"); n != nil {
					defaultName = n.Utf8Text(source)
					defaultKind = KindFunction
					if v.Kind() == "class" {
						defaultKind = KindClass
					}
				}
			}
			return
		}
		if !isTopLevelTS(node) {
			return
		}
		if sk, ok := tsDeclKinds[kind]; ok {
			if sym := e.namedSymbol(node, source, sk); sym != nil {
				symbols = append(symbols, *sym)
			}
			return
		}
		if kind == "lexical_declaration" || kind == "variable_declaration" {
			symbols = append(symbols, e.functionValues(node, source)...)
		}
	})

	if defaultName != "" {
		found := false
		for i := range symbols {
			if symbols[i].Name == defaultName {
				symbols[i].Default = true
				symbols[i].Exported = true
				found = true
				break
			}
		}
		if !found {
			symbols = append(symbols, Symbol{Name: defaultName, Kind: defaultKind, Exported: true, Default: true})
		}
	}
	return symbols
}

func (e tsExtractor) namedSymbol(node *tree_sitter.Node, source []byte, kind SymbolKind) *Symbol {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return nil
	}
	start, end := lineRange(node)
	exported, def := tsExport(node)
	return &Symbol{
		Name:      nameNode.Utf8Text(source),
		Kind:      kind,
		Exported:  exported,
		Default:   def,
		StartLine: start,
		EndLine:   end,
	}
}

// functionValues reports "const Foo = () => ..." and "const Foo = function ..."
// declarators as functions.
func (e tsExtractor) functionValues(node *tree_sitter.Node, source []byte) []Symbol {
	var out []Symbol
	exported, _ := tsExport(node)
	for i := uint(0); i < node.ChildCount(); i++ {
		child := node.Child(i)
		if child == nil || child.Kind() != "variable_declarator" {
			continue
		}
		value := child.ChildByFieldName("value")
		if value == nil {
			continue
		}
		switch value.Kind() {
		case "arrow_function", "function_expression", "function":
		default:
			continue
		}
		nameNode := child.ChildByFieldName("name")
		if nameNode == nil {
			continue
		}
		start, end := lineRange(child)
		out = append(out, Symbol{
			Name:      nameNode.Utf8Text(source),
			Kind:      KindFunction,
			Exported:  exported,
			StartLine: start,
			EndLine:   end,
		})
	}
	return out
}

// tsExport reports whether node sits in an export statement, and whether
// that statement is a default export.
func tsExport(node *tree_sitter.Node) (exported, def bool) {
	parent := node.Parent()
	if parent == nil || parent.Kind() != "export_statement" {
		return false, false
	}
	return true, hasDefaultKeyword(parent)
}

func hasDefaultKeyword(exportStmt *tree_sitter.Node) bool {
	for i := uint(0); i < exportStmt.ChildCount(); i++ {
		if c := exportStmt.Child(i); c != nil && c.Kind() == "default" {
			return true
		}
	}
	return false
}

func isTopLevelTS(node *tree_sitter.Node) bool {
	parent := node.Parent()
	if parent == nil {
		return false
	}
	switch parent.Kind() {
	case "program":
		return true
	case "export_statement":
		gp := parent.Parent()
		return gp != nil && gp.Kind() == "program"
	}
	return false
}
