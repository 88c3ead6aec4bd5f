// Package main provides the staticlint multichecker used on the vmstats tree.
//
// Build and run:
//
//	go build -o staticlint ./cmd/staticlint
//	./staticlint ./...
//
// The set contains the vet passes from golang.org/x/tools, every SA check and the
// S1 simplifications of staticcheck, the ST1000 package comment check, bodyclose,
// nilerr and the project's own noosexit. The cmd binaries defer logger and libvirt
// cleanup, which noosexit protects by forbidding process exits in main.main.
package main

import (
	"strings"

	"github.com/and161185/vmstats/internal/analyzers/noosexit"
	"github.com/gostaticanalysis/nilerr"
	"github.com/timakin/bodyclose/passes/bodyclose"
	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/multichecker"
	"golang.org/x/tools/go/analysis/passes/appends"
	"golang.org/x/tools/go/analysis/passes/asmdecl"
	"golang.org/x/tools/go/analysis/passes/assign"
	"golang.org/x/tools/go/analysis/passes/atomic"
	"golang.org/x/tools/go/analysis/passes/bools"
	"golang.org/x/tools/go/analysis/passes/buildtag"
	"golang.org/x/tools/go/analysis/passes/cgocall"
	"golang.org/x/tools/go/analysis/passes/composite"
	"golang.org/x/tools/go/analysis/passes/copylock"
	"golang.org/x/tools/go/analysis/passes/deepequalerrors"
	"golang.org/x/tools/go/analysis/passes/defers"
	"golang.org/x/tools/go/analysis/passes/errorsas"
	"golang.org/x/tools/go/analysis/passes/framepointer"
	"golang.org/x/tools/go/analysis/passes/httpresponse"
	"golang.org/x/tools/go/analysis/passes/ifaceassert"
	"golang.org/x/tools/go/analysis/passes/loopclosure"
	"golang.org/x/tools/go/analysis/passes/lostcancel"
	"golang.org/x/tools/go/analysis/passes/nilfunc"
	"golang.org/x/tools/go/analysis/passes/nilness"
	"golang.org/x/tools/go/analysis/passes/printf"
	"golang.org/x/tools/go/analysis/passes/shadow"
	"golang.org/x/tools/go/analysis/passes/shift"
	"golang.org/x/tools/go/analysis/passes/sigchanyzer"
	"golang.org/x/tools/go/analysis/passes/sortslice"
	"golang.org/x/tools/go/analysis/passes/stdmethods"
	"golang.org/x/tools/go/analysis/passes/stringintconv"
	"golang.org/x/tools/go/analysis/passes/structtag"
	"golang.org/x/tools/go/analysis/passes/testinggoroutine"
	"golang.org/x/tools/go/analysis/passes/tests"
	"golang.org/x/tools/go/analysis/passes/timeformat"
	"golang.org/x/tools/go/analysis/passes/unmarshal"
	"golang.org/x/tools/go/analysis/passes/unreachable"
	"golang.org/x/tools/go/analysis/passes/unsafeptr"
	"golang.org/x/tools/go/analysis/passes/unusedresult"
	"golang.org/x/tools/go/analysis/passes/unusedwrite"
	"honnef.co/go/tools/analysis/lint"
	"honnef.co/go/tools/simple"
	"honnef.co/go/tools/staticcheck"
	"honnef.co/go/tools/stylecheck"
)

var vetPasses = []*analysis.Analyzer{
	appends.Analyzer, asmdecl.Analyzer, assign.Analyzer, atomic.Analyzer, bools.Analyzer,
	buildtag.Analyzer, cgocall.Analyzer, composite.Analyzer, copylock.Analyzer,
	deepequalerrors.Analyzer, defers.Analyzer, errorsas.Analyzer, framepointer.Analyzer, httpresponse.Analyzer,
	ifaceassert.Analyzer, loopclosure.Analyzer, lostcancel.Analyzer, nilfunc.Analyzer,
	nilness.Analyzer, printf.Analyzer, shadow.Analyzer, shift.Analyzer, sigchanyzer.Analyzer,
	sortslice.Analyzer, stdmethods.Analyzer, stringintconv.Analyzer, structtag.Analyzer,
	testinggoroutine.Analyzer, tests.Analyzer, timeformat.Analyzer, unmarshal.Analyzer,
	unreachable.Analyzer, unsafeptr.Analyzer, unusedresult.Analyzer, unusedwrite.Analyzer,
}

// pick returns the analyzers whose name starts with prefix or equals one of names.
func pick(from []*lint.Analyzer, prefix string, names ...string) []*analysis.Analyzer {
	var out []*analysis.Analyzer
	for _, a := range from {
		name := a.Analyzer.Name
		if prefix != "" && strings.HasPrefix(name, prefix) {
			out = append(out, a.Analyzer)
			continue
		}
		for _, n := range names {
			if name == n {
				out = append(out, a.Analyzer)
			}
		}
	}
	return out
}

func collect() []*analysis.Analyzer {
	list := append([]*analysis.Analyzer(nil), vetPasses...)
	list = append(list, pick(staticcheck.Analyzers, "SA")...)
	list = append(list, pick(simple.Analyzers, "S1")...)
	list = append(list, pick(stylecheck.Analyzers, "", "ST1000")...)
	list = append(list, bodyclose.Analyzer, nilerr.Analyzer, noosexit.Analyzer)
	return list
}

func main() {
	multichecker.Main(collect()...)
}
