package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"cadence/internal/domain"
	"cadence/internal/tasks"
)

// Exit codes of the child process.
const (
	ChildOK        = 0
	ChildFailed    = 1
	ChildBadInput  = 2
	ChildNoReport  = 3
	reportFD       = 3
	reportFileName = "cadence-report"
)

// RunChild is the child side of ProcessLauncher. It reads the run from
// stdin, executes it with reg, writes the Report to file descriptor 3 and
// returns the process exit code. A termination signal makes it report
// cancellation and return at once.
func RunChild(reg *tasks.Registry, log zerolog.Logger) int {
	report := os.NewFile(reportFD, reportFileName)
	if _, err := report.Stat(); err != nil {
		log.Error().Err(err).Msg("report descriptor missing; not started by a supervisor")
		return ChildNoReport
	}
	markCloseOnExec(report)
	defer report.Close()

	ctx, stop := SignalContext(context.Background())
	defer stop()

	var p domain.RunParams
	if err := json.NewDecoder(os.Stdin).Decode(&p); err != nil {
		writeReport(report, Report{Error: newExecutionError(fmt.Errorf("decode run: %w", err))}, log)
		return ChildBadInput
	}
	log = log.With().Str("run_id", p.RunID).Str("task_type", p.TaskType).Logger()
	log.Info().Int("pid", os.Getpid()).Time("run_ds", p.RunDS).Msg("child started")

	rep := execute(ctx, reg, p)
	writeReport(report, rep, log)

	switch {
	case rep.Cancelled != "":
		log.Warn().Str("reason", rep.Cancelled).Msg("child cancelled")
		return ChildFailed
	case rep.Error != nil:
		log.Error().Str("error", rep.Error.Error()).Msg("task failed")
		return ChildFailed
	}
	log.Info().Msg("child finished")
	return ChildOK
}

func writeReport(w io.Writer, rep Report, log zerolog.Logger) {
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		log.Error().Err(err).Msg("write report")
	}
}
