package main

import (
	"fmt"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const modulePrefix = "xenoscan/internal/"

// deps lists, per internal package, the internal packages it may import.
// Binaries under cmd/ may only reach the command tree.
var deps = map[string][]string{
	"cmd":        {"cli"},
	"cli":        {"checkpoint", "config", "dashboard", "extract", "features", "fetch", "logging", "model", "pipeline", "ratelimit", "store", "targets"},
	"dashboard":  {"model", "pipeline"},
	"pipeline":   {"checkpoint", "features", "fetch", "model", "ratelimit", "store"},
	"fetch":      {"checkpoint", "lightcurve", "model", "ratelimit"},
	"extract":    {"features", "lightcurve", "model"},
	"features":   {"lightcurve", "model"},
	"checkpoint": {"model"},
	"ratelimit":  {"model"},
	"store":      {"model"},
	"logging":    {"config"},
	"config":     nil,
	"lightcurve": nil,
	"model":      nil,
	"targets":    nil,
}

func main() {
	var violations []string
	seen := map[string]bool{}

	for _, root := range []string{"internal", "cmd"} {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return err
			}
			owner := owningPackage(path)
			seen[owner] = true
			found, err := checkFile(path, owner)
			violations = append(violations, found...)
			return err
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "boundary walk of %s failed: %v\n", root, err)
			os.Exit(1)
		}
	}

	for pkg := range deps {
		if !seen[pkg] {
			violations = append(violations, fmt.Sprintf("rule for %q has no matching package", pkg))
		}
	}

	if len(violations) > 0 {
		sort.Strings(violations)
		fmt.Fprintln(os.Stderr, "architecture boundary violations detected:")
		for _, v := range violations {
			fmt.Fprintf(os.Stderr, "- %s\n", v)
		}
		os.Exit(1)
	}
	fmt.Println("architecture boundary check: OK")
}

func checkFile(path, owner string) ([]string, error) {
	allowed, ok := deps[owner]
	if !ok {
		return []string{fmt.Sprintf("%s: no rule for package %q", path, owner)}, nil
	}
	file, err := parser.ParseFile(token.NewFileSet(), path, nil, parser.ImportsOnly)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, imp := range file.Imports {
		ip, err := strconv.Unquote(imp.Path.Value)
		if err != nil || !strings.HasPrefix(ip, modulePrefix) {
			continue
		}
		target, _, _ := strings.Cut(strings.TrimPrefix(ip, modulePrefix), "/")
		if target == owner || contains(allowed, target) {
			continue
		}
		out = append(out, fmt.Sprintf("%s: %s -> %s is forbidden", path, owner, target))
	}
	return out, nil
}

// owningPackage maps internal/<pkg>/... to pkg and anything under cmd/ to
// "cmd".
func owningPackage(path string) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if parts[0] == "cmd" || len(parts) < 2 {
		return parts[0]
	}
	return parts[1]
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
