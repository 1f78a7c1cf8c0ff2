package sweepflow

import (
	"encoding/csv"
	"io"
	"strconv"
)

// WriteRunsCSV writes run snapshots in long form, one row per measurement
// point, with the corrected level column empty when reconciliation made no
// substitution for that run.
func WriteRunsCSV(w io.Writer, runs []RunSnapshot) error {
	cw := csv.NewWriter(w)
	header := []string{"run_index", "run_id", "point", "level", "response", "corrected_level"}
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, run := range runs {
		for i := range run.MeasuredLevels {
			var response, corrected string
			if i < len(run.MeasuredResponses) {
				response = formatLevel(run.MeasuredResponses[i])
			}
			if run.Adjusted && i < len(run.CorrectedLevels) {
				corrected = formatLevel(run.CorrectedLevels[i])
			}
			row := []string{
				strconv.Itoa(run.RunIndex),
				run.RunID.String(),
				strconv.Itoa(i + 1),
				formatLevel(run.MeasuredLevels[i]),
				response,
				corrected,
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

func formatLevel(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
