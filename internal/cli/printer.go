package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"sigs.k8s.io/yaml"

	"github.com/episurv/surveillance/internal/geocoding"
	"github.com/episurv/surveillance/internal/service"
	"github.com/episurv/surveillance/internal/store/model"
)

// printObject writes v as json or yaml, or hands it to table when the format is table.
func printObject(w io.Writer, output string, v any, table func(w *tabwriter.Writer)) error {
	switch output {
	case jsonFormat:
		marshalled, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("marshalling output: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", marshalled)
		return err
	case yamlFormat:
		marshalled, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshalling output: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s", marshalled)
		return err
	default:
		tw := tabwriter.NewWriter(w, 0, 8, 1, '\t', 0)
		table(tw)
		return tw.Flush()
	}
}

func printJobsTable(w *tabwriter.Writer, jobs ...model.Job) {
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tPROGRESS\tSTEP\tCREATED\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\t%s\t%s\n",
			j.ID,
			j.JobType,
			j.Status,
			j.ProgressPercentage,
			j.CurrentStep,
			j.CreatedAt.Format("2006-01-02 15:04:05"),
			deref(j.ErrorMessage),
		)
	}
}

func printStatsTable(w *tabwriter.Writer, stats model.GeocodingStats) {
	statuses := make([]string, 0, len(stats))
	for status := range stats {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)

	fmt.Fprintln(w, "STATUS\tADDRESSES")
	for _, status := range statuses {
		fmt.Fprintf(w, "%s\t%d\n", status, stats[model.GeocodingStatus(status)])
	}
	fmt.Fprintf(w, "TOTAL\t%d\n", stats.Total())
}

func printTriggerTable(w *tabwriter.Writer, result *service.TriggerResult) {
	if result.Batch == nil {
		fmt.Fprintln(w, "TASK")
		fmt.Fprintf(w, "%d\n", result.TaskID)
		return
	}
	printBatchTable(w, result.Batch)
}

func printBatchTable(w *tabwriter.Writer, b *geocoding.BatchResult) {
	fmt.Fprintln(w, "STATUS\tSELECTED\tGEOCODED\tTRANSIENT\tPERMANENT\tNOT GEOCODABLE\tDISABLED\tREMAINING")
	fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
		b.Status, b.Selected, b.Geocoded, b.TransientFailures, b.PermanentFailures, b.NotGeocodable, b.Disabled, b.Remaining)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
