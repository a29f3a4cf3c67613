package toolrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
)

type readDefinitionsArgs struct {
	Path string `json:"path"`
}

type definition struct {
	Type      string
	Name      string
	LineStart int
	LineEnd   int
}

// readDefinitionsHandler extracts function, method and type (or class)
// definitions at any nesting depth from a source file using tree-sitter, grounded on the teacher's
// LanguageParser.ParseDefinitions (spec §4.5 supplemented tool).
func readDefinitionsHandler(ctx context.Context, deps *Deps, call ToolInvocation) (string, bool, *FunctionCallError) {
	var args readDefinitionsArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return "", false, respondToModel("invalid read_definitions arguments: %v", err)
	}

	path := args.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(deps.Cwd, path)
	}
	source, err := os.ReadFile(path)
	if err != nil {
		return "", false, respondToModel("read file: %v", err)
	}

	lang, ext, err := languageFor(path)
	if err != nil {
		return "", false, respondToModel("%v", err)
	}

	parser := sitter.NewParser()
	parser.SetLanguage(lang)
	defer parser.Close()

	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return "", false, respondToModel("parse error: %v", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return "", false, respondToModel("empty parse tree")
	}

	var defs []definition
	switch ext {
	case ".go":
		defs = extractGo(root, source)
	default:
		defs = extractJavaScript(root, source)
	}

	if len(defs) == 0 {
		return "No definitions found.", true, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Definitions in %s:\n", filepath.Base(path))
	for _, d := range defs {
		fmt.Fprintf(&sb, "- [%s] %s (Lines %d-%d)\n", d.Type, d.Name, d.LineStart, d.LineEnd)
	}
	return sb.String(), true, nil
}

func languageFor(path string) (*sitter.Language, string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".go":
		return golang.GetLanguage(), ext, nil
	case ".js", ".jsx", ".mjs":
		return javascript.GetLanguage(), ext, nil
	default:
		return nil, ext, fmt.Errorf("unsupported file type: %s (supported: .go, .js, .jsx, .mjs)", ext)
	}
}

func extractGo(root *sitter.Node, source []byte) []definition {
	var defs []definition
	var walk func(node *sitter.Node)
	walk = func(node *sitter.Node) {
		if node == nil {
			return
		}
		switch node.Type() {
		case "function_declaration", "method_declaration":
			name := ""
			if n := node.ChildByFieldName("name"); n != nil {
				name = n.Content(source)
			}
			kind := "function"
			if node.Type() == "method_declaration" {
				kind = "method"
			}
			defs = append(defs, definition{
				Type:      kind,
				Name:      name,
				LineStart: int(node.StartPoint().Row) + 1,
				LineEnd:   int(node.EndPoint().Row) + 1,
			})
		case "type_spec":
			name := ""
			if n := node.ChildByFieldName("name"); n != nil {
				name = n.Content(source)
			}
			defs = append(defs, definition{
				Type:      "type",
				Name:      name,
				LineStart: int(node.StartPoint().Row) + 1,
				LineEnd:   int(node.EndPoint().Row) + 1,
			})
		}
		for i := 0; i < int(node.ChildCount()); i++ {
			walk(node.Child(i))
		}
	}
	walk(root)
	return defs
}

func extractJavaScript(root *sitter.Node, source []byte) []definition {
	var defs []definition
	var walk func(node *sitter.Node)
	walk = func(node *sitter.Node) {
		if node == nil {
			return
		}
		switch node.Type() {
		case "function_declaration":
			name := ""
			if n := node.ChildByFieldName("name"); n != nil {
				name = n.Content(source)
			}
			defs = append(defs, definition{
				Type:      "function",
				Name:      name,
				LineStart: int(node.StartPoint().Row) + 1,
				LineEnd:   int(node.EndPoint().Row) + 1,
			})
		case "class_declaration":
			name := ""
			if n := node.ChildByFieldName("name"); n != nil {
				name = n.Content(source)
			}
			defs = append(defs, definition{
				Type:      "class",
				Name:      name,
				LineStart: int(node.StartPoint().Row) + 1,
				LineEnd:   int(node.EndPoint().Row) + 1,
			})
		case "method_definition":
			name := ""
			if n := node.ChildByFieldName("name"); n != nil {
				name = n.Content(source)
			}
			defs = append(defs, definition{
				Type:      "method",
				Name:      name,
				LineStart: int(node.StartPoint().Row) + 1,
				LineEnd:   int(node.EndPoint().Row) + 1,
			})
		}
		for i := 0; i < int(node.ChildCount()); i++ {
			walk(node.Child(i))
		}
	}
	walk(root)
	return defs
}
