package jobregistry

import (
	"fmt"
	"regexp"
	"strings"
)

// RunIDMode selects how strictly run ids are validated.
type RunIDMode string

const (
	// RunIDLegacy accepts any non-empty id without path separators.
	RunIDLegacy RunIDMode = "legacy"

	// RunIDStrict additionally requires YYYYMMDD_HHMMSS_<shortsha>.
	RunIDStrict RunIDMode = "strict"
)

var strictRunID = regexp.MustCompile(`^\d{8}_\d{6}_[0-9a-f]{7,12}$`)

// ValidateRunID returns the trimmed run id or an error describing why it
// cannot be used. Run ids become artifact file names, so separators are
// always rejected.
func ValidateRunID(runID string, mode RunIDMode) (string, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return "", fmt.Errorf("run_id must be a non-empty string")
	}
	if strings.ContainsAny(runID, `/\`) {
		return "", fmt.Errorf("run_id must not contain path separators")
	}
	switch mode {
	case RunIDLegacy, "":
	case RunIDStrict:
		if !strictRunID.MatchString(runID) {
			return "", fmt.Errorf("run_id must match strict format YYYYMMDD_HHMMSS_<shortsha> (hex sha length 7-12)")
		}
	default:
		return "", fmt.Errorf("run_id validation mode must be one of: legacy, strict")
	}
	return runID, nil
}
