package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

type packageInfo struct {
	ImportPath string
	Imports    []string
}

// forbidden maps a package prefix to imports it must not reach. The stats
// model and the adapters stay independent of the engine boundary so they can
// be exercised without a transport.
var forbidden = map[string][]string{
	"buildcalc/server/stats": {
		"buildcalc/server/internal/",
	},
	"buildcalc/server/internal/sources": {
		"buildcalc/server/internal/engine",
		"buildcalc/server/internal/evaluation",
		"buildcalc/server/internal/app",
	},
	"buildcalc/server/internal/engine": {
		"buildcalc/server/internal/sources",
		"buildcalc/server/internal/evaluation",
		"buildcalc/server/internal/app",
	},
	"buildcalc/server/internal/evaluation": {
		"buildcalc/server/internal/app",
	},
}

func main() {
	cmd := exec.Command("go", "list", "-json", "./...")
	cmd.Env = os.Environ()
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Stderr.Write(exitErr.Stderr)
		}
		fmt.Fprintf(os.Stderr, "depscheck: failed to list packages: %v\n", err)
		os.Exit(1)
	}

	decoder := json.NewDecoder(bytes.NewReader(output))

	var violations []string
	for {
		var pkg packageInfo
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			fmt.Fprintf(os.Stderr, "depscheck: failed to decode package info: %v\n", err)
			os.Exit(1)
		}
		violations = append(violations, check(pkg)...)
	}

	if len(violations) > 0 {
		sort.Strings(violations)
		fmt.Fprintln(os.Stderr, "depscheck: found forbidden imports:")
		for _, violation := range violations {
			fmt.Fprintf(os.Stderr, "  %s\n", violation)
		}
		os.Exit(1)
	}
}

func check(pkg packageInfo) []string {
	var violations []string
	for prefix, banned := range forbidden {
		if pkg.ImportPath != prefix && !strings.HasPrefix(pkg.ImportPath, prefix+"/") {
			continue
		}
		for _, imp := range pkg.Imports {
			for _, b := range banned {
				if strings.HasPrefix(imp, b) {
					violations = append(violations, fmt.Sprintf("%s -> %s", pkg.ImportPath, imp))
				}
			}
		}
	}
	return violations
}
