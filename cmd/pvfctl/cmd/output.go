package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/psantana5/pvf-worker/pkg/models"
	"github.com/psantana5/pvf-worker/pkg/wrapper"
	"gopkg.in/yaml.v3"
)

// outcomeView is the printable form of an outcome
type outcomeView struct {
	JobID      string                   `json:"job_id" yaml:"job_id"`
	Outcome    string                   `json:"outcome" yaml:"outcome"`
	Detail     string                   `json:"detail,omitempty" yaml:"detail,omitempty"`
	Reason     string                   `json:"reason,omitempty" yaml:"reason,omitempty"`
	Code       int                      `json:"code,omitempty" yaml:"code,omitempty"`
	Inferred   bool                     `json:"inferred" yaml:"inferred"`
	CPUTime    string                   `json:"cpu_time" yaml:"cpu_time"`
	PeakMemory string                   `json:"peak_memory" yaml:"peak_memory"`
	WallTime   string                   `json:"wall_time" yaml:"wall_time"`
	Result     string                   `json:"result,omitempty" yaml:"result,omitempty"`
	Artifact   string                   `json:"artifact,omitempty" yaml:"artifact,omitempty"`
	Checksum   string                   `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	Events     []wrapper.LifecycleEvent `json:"events,omitempty" yaml:"events,omitempty"`
}

func newOutcomeView(o models.Outcome, events []wrapper.LifecycleEvent) outcomeView {
	v := outcomeView{
		JobID:      o.JobID,
		Outcome:    o.Kind.String(),
		Reason:     o.Reason,
		Code:       o.Code,
		Inferred:   o.Inferred,
		CPUTime:    o.Metrics.CPUTime.Round(time.Microsecond).String(),
		PeakMemory: humanize.IBytes(o.Metrics.PeakMemory),
		WallTime:   o.Metrics.WallTime.Round(time.Microsecond).String(),
		Result:     printable(o.Result),
		Events:     events,
	}
	if o.Detail != models.ErrorKindNone {
		v.Detail = o.Detail.String()
	}
	if o.Artifact != nil {
		v.Artifact = o.Artifact.Handle.Path
		v.Checksum = o.Artifact.Handle.ChecksumHex()
	}
	return v
}

// printOutcome writes the outcome and returns an error for anything but success
func printOutcome(w io.Writer, o models.Outcome, events []wrapper.LifecycleEvent) error {
	v := newOutcomeView(o, events)

	if outputFormat == "table" {
		table := tablewriter.NewWriter(w)
		table.Header("Field", "Value")
		table.Append("Job", v.JobID)
		table.Append("Outcome", v.Outcome)
		if v.Detail != "" {
			table.Append("Detail", v.Detail)
		}
		if v.Reason != "" {
			table.Append("Reason", v.Reason)
		}
		if v.Code != 0 {
			table.Append("Code", strconv.Itoa(v.Code))
		}
		table.Append("Inferred", strconv.FormatBool(v.Inferred))
		table.Append("CPU Time", v.CPUTime)
		table.Append("Peak Memory", v.PeakMemory)
		table.Append("Wall Time", v.WallTime)
		if v.Artifact != "" {
			table.Append("Artifact", v.Artifact)
			table.Append("Checksum", v.Checksum)
		}
		if v.Result != "" {
			table.Append("Result", v.Result)
		}
		table.Render()
	} else if err := writeStructured(w, v); err != nil {
		return err
	}

	if o.Kind != models.OutcomeSuccess {
		return fmt.Errorf("job %s: %s", o.JobID, o)
	}
	return nil
}

func writeStructured(w io.Writer, v interface{}) error {
	switch outputFormat {
	case "json":
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Fprintln(w, string(out))
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to marshal YAML: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", outputFormat)
	}
	return nil
}

// printable renders result bytes as text when they are, hex otherwise
func printable(b []byte) string {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("%x", b)
		}
	}
	return string(b)
}
