package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/samber/lo"
	"github.com/urfave/cli/v2"

	"github.com/heimdex/binwatch/internal/pipelines"
)

func doctorAction(c *cli.Context) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.Close()

	_, doctor := e.newDoctor(c.Context)
	if doctor == nil {
		return errors.New("python pipelines unavailable; set BINWATCH_PIPELINES_PYTHON")
	}
	caps, err := doctor.Get(c.Context)
	if err != nil {
		return err
	}

	if c.Bool(flagJSON) {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(caps)
	}
	printCapabilities(os.Stdout, caps)
	return nil
}

func printCapabilities(w io.Writer, caps *pipelines.Capabilities) {
	fmt.Fprintf(w, "package:  %s\n", caps.PackageVersion)
	fmt.Fprintf(w, "python:   %s (%s)\n", caps.Python.Version, caps.Python.Executable)
	fmt.Fprintf(w, "detector: %s\n", yesNo(caps.HasDetector))
	fmt.Fprintf(w, "overflow: %s\n", yesNo(caps.HasOverflow))
	fmt.Fprintf(w, "gpu:      %s\n", yesNo(caps.GPU.CUDAAvailable))

	fmt.Fprintf(w, "\ndependencies (%d/%d available):\n", caps.Summary.Available, caps.Summary.Total)
	writeDeps(w, caps.Dependencies)
	if len(caps.Executables) > 0 {
		fmt.Fprintln(w, "\nexecutables:")
		writeDeps(w, caps.Executables)
	}
}

func writeDeps(w io.Writer, deps map[string]pipelines.DepInfo) {
	names := lo.Keys(deps)
	slices.Sort(names)
	for _, name := range names {
		d := deps[name]
		switch {
		case d.Available:
			fmt.Fprintf(w, "  ok    %-20s %s\n", name, d.Version)
		case d.Error != "":
			fmt.Fprintf(w, "  miss  %-20s %s\n", name, d.Error)
		default:
			fmt.Fprintf(w, "  miss  %s\n", name)
		}
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
