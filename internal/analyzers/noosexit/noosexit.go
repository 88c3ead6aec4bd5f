// Package noosexit implements a custom analyzer forbidding process exits in main.
package noosexit

import (
	"go/ast"
	"go/types"
	"strconv"
	"strings"

	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/passes/inspect"
	"golang.org/x/tools/go/ast/inspector"
)

// Analyzer forbids os.Exit and syscall.Exit calls inside main() of package main.
//
// Calls are resolved through type info, so renamed imports are caught too.
// Deferred cleanup of the cmd binaries runs only when main returns normally.
var Analyzer = &analysis.Analyzer{
	Name:     "noosexit",
	Doc:      "forbid direct os.Exit and syscall.Exit in main.main",
	Requires: []*analysis.Analyzer{inspect.Analyzer},
	Run:      run,
}

var forbidden = map[string]bool{
	"os.Exit":      true,
	"syscall.Exit": true,
}

func run(pass *analysis.Pass) (any, error) {
	if pass.Pkg == nil || pass.Pkg.Name() != "main" {
		return nil, nil
	}
	if strings.HasSuffix(pass.Pkg.Path(), "/cmd/staticlint") {
		return nil, nil
	}

	skip := make(map[*ast.File]bool)
	for _, f := range pass.Files {
		fn := pass.Fset.Position(f.Pos()).Filename
		if strings.Contains(fn, "/.cache/go-build/") || isGenerated(f) || importsTesting(f) {
			skip[f] = true
		}
	}

	insp := pass.ResultOf[inspect.Analyzer].(*inspector.Inspector)
	insp.WithStack([]ast.Node{(*ast.CallExpr)(nil)}, func(n ast.Node, push bool, stack []ast.Node) bool {
		if !push {
			return true
		}
		if f, ok := stack[0].(*ast.File); !ok || skip[f] || !inMain(stack) {
			return true
		}
		call := n.(*ast.CallExpr)
		if name, ok := exitFunc(pass.TypesInfo, call); ok {
			pass.Reportf(call.Pos(), "do not call %s inside main; delegate to run() and return an error", name)
		}
		return true
	})
	return nil, nil
}

// inMain reports whether the innermost function declaration on the stack is main.main.
// Calls inside closures defined in main are included.
func inMain(stack []ast.Node) bool {
	for i := len(stack) - 1; i >= 0; i-- {
		if fd, ok := stack[i].(*ast.FuncDecl); ok {
			return fd.Recv == nil && fd.Name != nil && fd.Name.Name == "main"
		}
	}
	return false
}

func exitFunc(info *types.Info, call *ast.CallExpr) (string, bool) {
	sel, ok := ast.Unparen(call.Fun).(*ast.SelectorExpr)
	if !ok {
		return "", false
	}
	fn, ok := info.Uses[sel.Sel].(*types.Func)
	if !ok || fn.Pkg() == nil {
		return "", false
	}
	name := fn.Pkg().Path() + "." + fn.Name()
	return name, forbidden[name]
}

func isGenerated(f *ast.File) bool {
	for _, cg := range f.Comments {
		for _, c := range cg.List {
			if strings.Contains(c.Text, "Code generated") && strings.Contains(c.Text, "DO NOT EDIT") {
				return true
			}
		}
	}
	return false
}

func importsTesting(f *ast.File) bool {
	for _, im := range f.Imports {
		if p, _ := strconv.Unquote(im.Path.Value); p == "testing" || p == "testing/internal/testdeps" {
			return true
		}
	}
	return false
}
