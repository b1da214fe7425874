package codeintel

import (
	"strings"
	"unicode"
	"unicode/utf8"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
)

// goExtractor outlines Go source.
type goExtractor struct{}

func (e goExtractor) Extract(root *tree_sitter.Node, source []byte) []Symbol {
	var symbols []Symbol
	cursor := root.Walk()
	defer cursor.Close()

	walk(cursor, func(node *tree_sitter.Node) {
		switch node.Kind() {
		case "function_declaration":
			if sym := namedSymbol(node, source, KindFunction, isGoExported); sym != nil {
				symbols = append(symbols, *sym)
			}
		case "method_declaration":
			if sym := namedSymbol(node, source, KindMethod, isGoExported); sym != nil {
				symbols = append(symbols, *sym)
			}
		case "type_spec":
			kind := KindType
			if t := node.ChildByFieldName("type"); t != nil && t.Kind() == "interface_type" {
				kind = KindInterface
			}
			if sym := namedSymbol(node, source, kind, isGoExported); sym != nil {
				symbols = append(symbols, *sym)
			}
		}
	})
	return symbols
}

func isGoExported(name string) bool {
	r, _ := utf8.DecodeRuneInString(name)
	return unicode.IsUpper(r)
}

// pyExtractor outlines module-level Python definitions.
type pyExtractor struct{}

func (e pyExtractor) Extract(root *tree_sitter.Node, source []byte) []Symbol {
	var symbols []Symbol
	cursor := root.Walk()
	defer cursor.Close()

	walk(cursor, func(node *tree_sitter.Node) {
		var kind SymbolKind
		switch node.Kind() {
		case "function_definition":
			kind = KindFunction
		case "class_definition":
			kind = KindClass
		default:
			return
		}
		if !isPyTopLevel(node) {
			return
		}
		if sym := namedSymbol(node, source, kind, isPyExported); sym != nil {
			symbols = append(symbols, *sym)
		}
	})
	return symbols
}

func isPyTopLevel(node *tree_sitter.Node) bool {
	parent := node.Parent()
	if parent == nil {
		return false
	}
	if parent.Kind() == "decorated_definition" {
		parent = parent.Parent()
	}
	return parent != nil && parent.Kind() == "module"
}

func isPyExported(name string) bool {
	return !strings.HasPrefix(name, "_")
}

// rsExtractor outlines Rust items.
type rsExtractor struct{}

var rsItemKinds = map[string]SymbolKind{
	"function_item": KindFunction,
	"struct_item":   KindType,
	"enum_item":     KindEnum,
	"trait_item":    KindInterface,
	"type_item":     KindType,
}

func (e rsExtractor) Extract(root *tree_sitter.Node, source []byte) []Symbol {
	var symbols []Symbol
	cursor := root.Walk()
	defer cursor.Close()

	walk(cursor, func(node *tree_sitter.Node) {
		kind, ok := rsItemKinds[node.Kind()]
		if !ok {
			return
		}
		pub := isRustPub(node)
		if sym := namedSymbol(node, source, kind, func(string) bool { return pub }); sym != nil {
			symbols = append(symbols, *sym)
		}
	})
	return symbols
}

func isRustPub(node *tree_sitter.Node) bool {
	if node.ChildCount() == 0 {
		return false
	}
	first := node.Child(0)
	return first != nil && first.Kind() == "visibility_modifier"
}

// namedSymbol builds a symbol from a node with a "name" field.
func namedSymbol(node *tree_sitter.Node, source []byte, kind SymbolKind, exported func(string) bool) *Symbol {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return nil
	}
	name := nameNode.Utf8Text(source)
	start, end := lineRange(node)
	return &Symbol{
		Name:      name,
		Kind:      kind,
		Exported:  exported(name),
		StartLine: start,
		EndLine:   end,
	}
}
