// Command warden-policy validates and lists campaign policy files before
// they are dropped into the gateway's policy directory.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"scamwarden/internal/detection"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		runValidateCmd(os.Args[2:])
	case "list":
		runListCmd(os.Args[2:])
	case "version", "-version", "--version":
		fmt.Printf("warden-policy %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`warden-policy - campaign policy tool for the warden gateway

Usage:
  warden-policy <command> [arguments]

Commands:
  validate [-verbose] <path>...   Validate policy files or directories
  list [path...]                  List policies (default: configs/policies)
  version                         Show version information`)
}

func runValidateCmd(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	verbose := fs.Bool("verbose", false, "Print the parameters of each valid policy")
	fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "validate requires at least one file or directory")
		os.Exit(1)
	}

	runValidate(paths, *verbose)
}

func runListCmd(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		paths = []string{"configs/policies"}
	}

	runList(paths)
}

func runValidate(paths []string, verbose bool) {
	files := collectYAMLFiles(paths)
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no policy files found")
		os.Exit(1)
	}

	valid, invalid := 0, 0
	for _, file := range files {
		policies, err := validateFile(file)
		if err != nil {
			fmt.Printf("  FAIL  %s: %v\n", file, err)
			invalid++
			continue
		}

		fmt.Printf("  OK    %s (%d policy(ies))\n", file, len(policies))
		valid++

		if verbose {
			for _, p := range policies {
				fmt.Printf("          - %s: threshold=%d staleness=%s suspend=%s severity=%s\n",
					p.ID, p.Threshold, p.StalenessWindow.Duration(), p.SuspendDuration.Duration(), p.Severity)
			}
		}
	}

	fmt.Printf("\nResults: %d files checked, %d valid, %d invalid\n", len(files), valid, invalid)
	if invalid > 0 {
		os.Exit(1)
	}
}

func runList(paths []string) {
	files := collectYAMLFiles(paths)

	if len(files) == 0 {
		fmt.Println("No policy files found; the builtin policy applies:")
		printPolicy(detection.DefaultPolicy())
		return
	}

	count := 0
	for _, file := range files {
		policies, err := validateFile(file)
		if err != nil {
			fmt.Printf("%-32s  SKIPPED: %v\n", file, err)
			continue
		}
		for _, p := range policies {
			printPolicy(p)
			count++
		}
	}

	fmt.Printf("\n%d policy(ies) in %d file(s)\n", count, len(files))
}

func printPolicy(p *detection.Policy) {
	state := "disabled"
	if p.Enabled {
		state = "enabled"
	}
	fmt.Printf("%-32s  %-8s  sev=%-8s  %s\n", p.ID, state, p.Severity, p.Name)
}

func validateFile(path string) ([]*detection.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return detection.ParsePolicies(data)
}

// collectYAMLFiles expands each path into the .yaml/.yml files under it.
// Missing paths are reported and skipped.
func collectYAMLFiles(paths []string) []string {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot access %s: %v\n", path, err)
			continue
		}

		if !info.IsDir() {
			files = append(files, path)
			continue
		}

		filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
			if err != nil || fi.IsDir() {
				return nil
			}
			ext := filepath.Ext(p)
			if ext == ".yaml" || ext == ".yml" {
				files = append(files, p)
			}
			return nil
		})
	}
	return files
}
