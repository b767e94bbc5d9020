package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/neohoods/matrixmig/internal/graph"
	"github.com/neohoods/matrixmig/internal/plan"
	"github.com/neohoods/matrixmig/internal/render"
	"github.com/neohoods/matrixmig/internal/verify"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check migration artifacts before they are applied",
	Long: `Re-reads each given artifact independently and reports every problem
found, as errors or warnings. When both --plan and --sql are given the
batch is also checked against the plan's room decisions. Exits non-zero if
any error is found.

Examples:
  matrixmig verify --plan plan.json --sql migration.sql
  matrixmig verify --catalog existing-rooms.json --analysis analysis.json --json
`,
	RunE: runVerify,
}

var (
	verifyPlan     string
	verifySQL      string
	verifyCatalog  string
	verifyAnalysis string
	verifyJSON     bool
)

func init() {
	rootCmd.AddCommand(verifyCmd)

	verifyCmd.Flags().StringVar(&verifyPlan, "plan", "", "Plan file")
	verifyCmd.Flags().StringVar(&verifySQL, "sql", "", "SQL batch")
	verifyCmd.Flags().StringVar(&verifyCatalog, "catalog", "", "Catalog file")
	verifyCmd.Flags().StringVar(&verifyAnalysis, "analysis", "", "Analysis report")
	verifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "Output as JSON")
}

func runVerify(cmd *cobra.Command, args []string) error {
	if verifyPlan == "" && verifySQL == "" && verifyCatalog == "" && verifyAnalysis == "" {
		return fmt.Errorf("nothing to verify: pass at least one of --plan, --sql, --catalog, --analysis")
	}

	var reports []*verify.Report
	var p *plan.Plan
	if verifyPlan != "" {
		var err error
		if p, err = plan.Load(verifyPlan); err != nil {
			return err
		}
		reports = append(reports, verify.VerifyPlan(p))
	}
	if verifySQL != "" {
		r, err := verify.VerifyBatchFile(verifySQL, p)
		if err != nil {
			return err
		}
		reports = append(reports, r)
	}
	if verifyCatalog != "" {
		c, err := plan.LoadCatalog(verifyCatalog)
		if err != nil {
			return err
		}
		reports = append(reports, verify.VerifyCatalog(c))
	}
	if verifyAnalysis != "" {
		var a graph.Analysis
		if err := loadJSON(verifyAnalysis, &a); err != nil {
			return err
		}
		reports = append(reports, verify.VerifyAnalysis(&a))
	}

	report := verify.Merge("migration", reports...)
	if verifyJSON {
		if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
	} else {
		if err := printReport(cmd, report); err != nil {
			return err
		}
	}
	return report.Err()
}

func printReport(cmd *cobra.Command, r *verify.Report) error {
	out := cmd.OutOrStdout()
	if len(r.Findings) > 0 {
		rows := make([][]string, 0, len(r.Findings))
		for _, f := range r.Findings {
			rows = append(rows, []string{string(f.Severity), f.Check, f.Message})
		}
		if err := render.New(out, render.FormatTable).Table([]string{"SEVERITY", "CHECK", "MESSAGE"}, rows); err != nil {
			return err
		}
	}
	status := "PASS"
	if !r.Pass {
		status = "FAIL"
	}
	_, err := fmt.Fprintf(out, "%s: %d error(s), %d warning(s)\n", status, len(r.Errors()), len(r.Warnings()))
	return err
}
