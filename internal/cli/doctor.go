package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cursorflow/cursorflow/internal/pathutil"
)

var doctorJSON bool

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "Emit machine-readable JSON output")
	rootCmd.AddCommand(doctorCmd)
}

// Check is one doctor health check result.
type Check struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Report is doctor's full output shape.
type Report struct {
	Healthy bool    `json:"healthy"`
	Checks  []Check `json:"checks"`
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run health checks against the local environment and the latest run",
	RunE: func(cmd *cobra.Command, args []string) error {
		report := runDoctorChecks()

		if doctorJSON {
			data, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
		} else {
			for _, c := range report.Checks {
				status := "ok"
				if !c.Healthy {
					status = "FAIL"
				}
				fmt.Printf("[%s] %s %s\n", status, c.Name, c.Detail)
			}
		}

		if !report.Healthy {
			os.Exit(1)
		}
		return nil
	},
}

func runDoctorChecks() Report {
	var checks []Check
	checks = append(checks, checkBinary("git"))
	checks = append(checks, checkBinary("cursor-agent"))
	checks = append(checks, checkLatestRunDiagnostics())

	healthy := true
	for _, c := range checks {
		if !c.Healthy {
			healthy = false
		}
	}
	return Report{Healthy: healthy, Checks: checks}
}

func checkBinary(name string) Check {
	path, err := exec.LookPath(name)
	if err != nil {
		return Check{Name: name, Healthy: false, Detail: "not found on PATH"}
	}
	return Check{Name: name, Healthy: true, Detail: path}
}

// checkLatestRunDiagnostics reports whether the most recent run left any
// stall-detector diagnostic.json behind,
// which signals a lane needed operator attention even if it later recovered.
func checkLatestRunDiagnostics() Check {
	cwd, err := os.Getwd()
	if err != nil {
		return Check{Name: "latest-run-diagnostics", Healthy: true, Detail: "skipped: " + err.Error()}
	}
	repoRoot := findGitRoot(cwd)
	if repoRoot == "" {
		return Check{Name: "latest-run-diagnostics", Healthy: true, Detail: "skipped: not in a git repository"}
	}
	runRoot, err := latestRunRoot(repoRoot)
	if err != nil {
		return Check{Name: "latest-run-diagnostics", Healthy: true, Detail: "skipped: no prior runs"}
	}

	lanesDir := pathutil.RunLanesDir(runRoot)
	entries, err := os.ReadDir(lanesDir)
	if err != nil {
		return Check{Name: "latest-run-diagnostics", Healthy: true, Detail: "skipped: " + err.Error()}
	}

	var flagged []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(pathutil.DiagnosticPath(runRoot, e.Name())); err == nil {
			flagged = append(flagged, e.Name())
		}
	}
	if len(flagged) > 0 {
		return Check{
			Name:    "latest-run-diagnostics",
			Healthy: false,
			Detail:  fmt.Sprintf("lanes with stall diagnostics in %s: %v", filepath.Base(runRoot), flagged),
		}
	}
	return Check{Name: "latest-run-diagnostics", Healthy: true, Detail: "no outstanding diagnostics"}
}
