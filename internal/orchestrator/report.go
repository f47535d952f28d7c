package orchestrator

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/tidemark-io/propagate/internal/bundle"
	"github.com/tidemark-io/propagate/internal/store"
)

// printPlan lists the wave ordering and the per-service briefs about to be
// dispatched (or simulated).
func (p *Pipeline) printPlan(change *store.Change, waves [][]string, bundles []bundle.Bundle) {
	w := p.out()

	fmt.Fprintf(w, "Change %d (%s..%s): %s\n",
		change.ID, change.BaseRef, change.HeadRef, change.Summary)
	fmt.Fprintf(w, "  severity=%s breaking=%t routes=%d\n",
		change.Severity, change.IsBreaking, len(change.ChangedRoutes))

	for i, wave := range waves {
		fmt.Fprintf(w, "  wave %d: %s\n", i, strings.Join(wave, ", "))
	}

	if len(bundles) == 0 {
		fmt.Fprintln(w, "  no bundles to dispatch")

		return
	}

	tbl := newTable()
	tbl.AppendHeader(table.Row{"Service", "Repo", "Routes", "Calls (7d)", "Bundle"})

	for _, b := range bundles {
		tbl.AppendRow(table.Row{
			b.TargetService,
			b.TargetRepo,
			len(b.AffectedRoutes),
			humanize.Comma(int64(b.CallCount7d)),
			b.BundleHash,
		})
	}

	fmt.Fprintln(w, tbl.Render())
}

// report prints the run outcome. Terminal-state details only exist for
// real and simulated dispatch outcomes; the short-circuit outcomes get a
// single line.
func (p *Pipeline) report(result *Result, opts Options) {
	w := p.out()

	switch result.Outcome {
	case OutcomeBaselineStored:
		fmt.Fprintf(w, "No prior baseline. Stored %s as the initial snapshot; nothing to propagate.\n",
			result.HeadHash)
	case OutcomeUnchanged:
		fmt.Fprintf(w, "Contract unchanged (%s). Nothing to propagate.\n", result.HeadHash)
	case OutcomeNoDiffs:
		fmt.Fprintf(w, "No route-level diffs in %s..%s. Baseline advanced.\n",
			result.BaseHash, result.HeadHash)
	case OutcomeNoImpacts:
		fmt.Fprintf(w, "Change %d impacts no mapped services. Baseline advanced to %s.\n",
			result.ChangeID, result.HeadHash)
	case OutcomeSimulated:
		p.printSimulation(result)
	default:
		p.printJobs(result, opts)
	}
}

// printJobs renders the per-job summary table and the gate verdict of a
// real run.
func (p *Pipeline) printJobs(result *Result, opts Options) {
	w := p.out()

	if len(result.Jobs) == 0 {
		fmt.Fprintf(w, "No jobs dispatched for change %d.\n", result.ChangeID)
	} else {
		tbl := newTable()
		tbl.AppendHeader(table.Row{"Service", "Repo", "Status", "PR", "Error"})

		for i := range result.Jobs {
			job := result.Jobs[i]

			tbl.AppendRow(table.Row{
				job.TargetService,
				job.TargetRepo,
				statusCell(job.Status),
				strOrDash(job.PRURL),
				strOrDash(job.ErrorSummary),
			})
		}

		fmt.Fprintln(w, tbl.Render())
		fmt.Fprintf(w, "Totals: %s\n", totalsLine(result.Jobs))
	}

	switch {
	case result.Outcome == OutcomeUnresolved:
		color.New(color.FgRed).Fprintf(w, "%d job(s) in unresolved terminal state - baseline NOT advanced:\n",
			len(result.Unresolved))

		for i := range result.Unresolved {
			job := result.Unresolved[i]
			color.New(color.FgRed).Fprintf(w, "  [%s] status=%s: %s\n",
				job.TargetRepo, job.Status, derefOrEmpty(job.ErrorSummary))
		}

		fmt.Fprintln(w, "Resolve these jobs before re-running. The same contract hash will re-trigger on the next push.")
	case opts.NoWait:
		color.New(color.FgYellow).Fprintf(w, "Jobs dispatched without wave gating. Baseline held; jobs may still be running.\n")
	default:
		color.New(color.FgGreen).Fprintf(w, "Propagation complete. %d job(s) dispatched; baseline advanced to %s.\n",
			len(result.Jobs), result.HeadHash)
	}
}

// printSimulation renders the dry-run lifecycle and its summary table.
func (p *Pipeline) printSimulation(result *Result) {
	w := p.out()

	for _, sim := range result.Simulated {
		if sim.Blocked {
			color.New(color.FgYellow).Fprintf(w, "  [%s] WOULD BE BLOCKED: %s\n", sim.Service, sim.Detail)

			continue
		}

		fmt.Fprintf(w, "  [%s] QUEUED -> RUNNING -> PR_OPENED -> %s (%s)\n",
			sim.Service, strings.ToUpper(sim.Status), simDuration(sim))
		fmt.Fprintf(w, "    %s\n", sim.Detail)
	}

	tbl := newTable()
	tbl.AppendHeader(table.Row{"Service", "Status", "Time", "Detail"})

	simJobs := make([]store.Job, 0, len(result.Simulated))

	for _, sim := range result.Simulated {
		tbl.AppendRow(table.Row{sim.Service, statusCell(sim.Status), simDuration(sim), sim.Detail})
		simJobs = append(simJobs, store.Job{Status: sim.Status})
	}

	fmt.Fprintln(w, tbl.Render())
	fmt.Fprintf(w, "Totals: %s\n", totalsLine(simJobs))
	fmt.Fprintf(w, "Dry run complete. %d bundle(s) simulated; no agent sessions were created and the baseline held.\n",
		len(result.Simulated))
}

// newTable returns a writer in the house rendering style.
func newTable() table.Writer {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.Style().Options.DrawBorder = false

	return tbl
}

// statusCell colors a job status for terminal output.
func statusCell(status string) string {
	label := strings.ToUpper(status)

	switch status {
	case store.StatusGreen:
		return color.New(color.FgGreen).Sprint(label)
	case store.StatusCIFailed:
		return color.New(color.FgRed).Sprint(label)
	case store.StatusNeedsHuman:
		return color.New(color.FgYellow).Sprint(label)
	default:
		return label
	}
}

// totalsLine counts jobs per terminal bucket.
func totalsLine(jobs []store.Job) string {
	var green, failed, human, other int

	for i := range jobs {
		switch jobs[i].Status {
		case store.StatusGreen:
			green++
		case store.StatusCIFailed:
			failed++
		case store.StatusNeedsHuman:
			human++
		default:
			other++
		}
	}

	parts := []string{
		fmt.Sprintf("%d green", green),
		fmt.Sprintf("%d ci_failed", failed),
		fmt.Sprintf("%d needs_human", human),
	}

	if other > 0 {
		parts = append(parts, fmt.Sprintf("%d in flight", other))
	}

	return strings.Join(parts, ", ")
}

func simDuration(sim SimulatedJob) string {
	if sim.Duration <= 0 {
		return "-"
	}

	return fmt.Sprintf("%dm", int(sim.Duration.Minutes()))
}

func strOrDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}

	return *s
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}
