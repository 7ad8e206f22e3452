// Command archcheck fails when a package imports across a layer boundary.
// Run it from the module root; it shells out to go list.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
)

const modulePrefix = "ex-notebot/"

// listedPackage is the subset of go list -json output the checks read.
type listedPackage struct {
	ImportPath   string
	Imports      []string
	TestImports  []string
	XTestImports []string
}

// rule forbids packages under from importing packages under to. An empty to
// means "anything in this module outside from".
type rule struct {
	from   string
	to     string
	reason string
}

var rules = []rule{
	{from: "pkg/notebot", reason: "pkg/notebot must only depend on the standard library and third-party packages"},
	{from: "pkg/llm", to: "internal/", reason: "pkg/llm must not import internal/*"},
	{from: "internal/kernel", to: "internal/driver", reason: "internal/kernel must not import internal/driver/*"},
	{from: "modules/", to: "internal/", reason: "modules/* must not import internal/*"},
	{from: "internal/driver", to: "modules/", reason: "internal/driver/* must not import modules/*"},
}

func (r rule) violated(importer, imported string) bool {
	if !strings.HasPrefix(importer, r.from) {
		return false
	}
	if r.to == "" {
		return !strings.HasPrefix(imported, r.from)
	}

	return strings.HasPrefix(imported, r.to)
}

func main() {
	packages, err := listPackages()
	if err != nil {
		fmt.Fprintf(os.Stderr, "arch-check: %v\n", err)
		os.Exit(1)
	}

	violations := collectViolations(packages)
	if len(violations) == 0 {
		fmt.Println("arch-check: passed")
		return
	}

	fmt.Printf("arch-check: %d violation(s):\n", len(violations))
	for _, violation := range violations {
		fmt.Printf("  - %s\n", violation)
	}
	os.Exit(1)
}

func listPackages() ([]listedPackage, error) {
	cmd := exec.Command("go", "list", "-json", "-test", "./...")
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("go list: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("go list: %w", err)
	}

	var packages []listedPackage
	decoder := json.NewDecoder(stdout)
	for {
		var pkg listedPackage
		err := decoder.Decode(&pkg)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = cmd.Wait()
			return nil, fmt.Errorf("decode go list output: %w", err)
		}
		if pkg.ImportPath != "" {
			packages = append(packages, pkg)
		}
	}
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("go list: %w", err)
	}

	return packages, nil
}

// collectViolations returns one sorted line per offending import edge, even
// when the edge shows up in several test variants of the same package.
func collectViolations(packages []listedPackage) []string {
	found := make(map[string]struct{})
	for _, pkg := range packages {
		for _, imported := range slices.Concat(pkg.Imports, pkg.TestImports, pkg.XTestImports) {
			if reason := violationReason(pkg.ImportPath, imported); reason != "" {
				found[fmt.Sprintf("%s -> %s (%s)", pkg.ImportPath, imported, reason)] = struct{}{}
			}
		}
	}

	return slices.Sorted(maps.Keys(found))
}

func violationReason(importer, imported string) string {
	importedPath, local := strings.CutPrefix(imported, modulePrefix)
	if !local {
		return ""
	}
	importerPath := strings.TrimPrefix(importer, modulePrefix)

	for _, r := range rules {
		if r.violated(importerPath, importedPath) {
			return r.reason
		}
	}

	from, fromModule := moduleName(importerPath)
	to, toModule := moduleName(importedPath)
	if fromModule && toModule && from != to {
		return "modules must not import each other; share through pkg/notebot services"
	}

	return ""
}

// moduleName extracts "chat" from "modules/chat/..." or from a go list test
// variant such as "modules/chat [ex-notebot/modules/chat.test]".
func moduleName(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "modules/")
	if !ok || rest == "" {
		return "", false
	}
	if end := strings.IndexAny(rest, "/ "); end >= 0 {
		rest = rest[:end]
	}

	return rest, true
}
