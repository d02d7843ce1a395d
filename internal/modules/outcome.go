package modules

import (
	"encoding/json"

	"github.com/fabricmesh/warden/internal/action"
	"github.com/fabricmesh/warden/internal/logging"
)

// parseOutcome turns a finished execution's (exit code, stdout, stderr)
// triple into an Outcome. Empty stdout parses as the JSON literal null when
// the exit code is 0 and is a ProcessingError otherwise; stdout that is
// neither empty nor valid JSON is a ProcessingError. The
// parsed results are NOT validated against the action's result schema
// here; the request processor owns that step.
func parseOutcome(req *action.Request, exitCode int, outTxt, errTxt string) (*action.Outcome, error) {
	if outTxt == "" {
		logging.Debugf(component, "Obtained no results on stdout for the %s", req.PrettyLabel())
	} else {
		logging.Debugf(component, "Results on stdout for the %s: %s", req.PrettyLabel(), outTxt)
	}

	if exitCode != 0 {
		logging.Debugf(component, "Execution failure (exit code %d) for the %s%s",
			exitCode, req.PrettyLabel(), stderrSuffix(errTxt))
	} else if errTxt != "" {
		logging.Debugf(component, "Output on stderr for the %s:\n%s", req.PrettyLabel(), errTxt)
	}

	if outTxt == "" && exitCode != 0 {
		return nil, processingErrorf(
			"The task executed for the %s returned no output on stdout - stderr:%s",
			req.PrettyLabel(), stderrDetail(errTxt))
	}

	results := json.RawMessage(outTxt)
	if outTxt == "" {
		results = json.RawMessage("null")
	}
	if !json.Valid(results) {
		return nil, processingErrorf(
			"The task executed for the %s returned invalid JSON on stdout - stderr:%s",
			req.PrettyLabel(), stderrDetail(errTxt))
	}

	return &action.Outcome{
		ExitCode: exitCode,
		Stderr:   errTxt,
		Stdout:   outTxt,
		Results:  results,
	}, nil
}

func stderrDetail(errTxt string) string {
	if errTxt == "" {
		return " (empty)"
	}
	return "\n" + errTxt
}

func stderrSuffix(errTxt string) string {
	if errTxt == "" {
		return ""
	}
	return "; stderr:\n" + errTxt
}
