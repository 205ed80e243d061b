package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/openfroyo/siteconf/pkg/engine"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type reasonView struct {
	Code      string `json:"code"`
	Severity  string `json:"severity"`
	Feature   string `json:"feature"`
	Component string `json:"component,omitempty"`
	Owner     string `json:"owner,omitempty"`
	Message   string `json:"message"`
}

type statusView struct {
	Feature  string       `json:"feature"`
	Status   string       `json:"status"`
	Severity string       `json:"severity"`
	Reasons  []reasonView `json:"reasons,omitempty"`
	Children []statusView `json:"children,omitempty"`
}

func newStatusView(st engine.FeatureStatus) statusView {
	v := statusView{
		Feature:  st.Feature.String(),
		Status:   st.Code.String(),
		Severity: string(st.Severity),
	}
	for _, r := range st.Reasons {
		rv := reasonView{
			Code:     r.Code.String(),
			Severity: string(r.Severity),
			Feature:  r.Feature.String(),
			Message:  r.Message,
		}
		if r.Component.ID != "" {
			rv.Component = r.Component.String()
		}
		if r.Owner != nil {
			rv.Owner = r.Owner.String()
		}
		v.Reasons = append(v.Reasons, rv)
	}
	for _, c := range st.Children {
		v.Children = append(v.Children, newStatusView(c))
	}
	return v
}

// printStatus renders the diagnostic tree of one feature.
// newTable writes a borderless light table to the command output.
func newTable(cmd *cobra.Command) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(out(cmd))
	style := table.StyleLight
	style.Options.DrawBorder = false
	t.SetStyle(style)
	return t
}

func printStatus(w io.Writer, v statusView, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(w, "%s%s [%s]\n", indent, v.Feature, v.Status)
	for _, r := range v.Reasons {
		fmt.Fprintf(w, "%s  - %s: %s\n", indent, r.Severity, r.Message)
	}
	for _, c := range v.Children {
		printStatus(w, c, depth+1)
	}
}

// statusErrors collects the error reasons of an unhappy tree.
func statusErrors(result *multierror.Error, v statusView) *multierror.Error {
	for _, r := range v.Reasons {
		if r.Severity == string(engine.SeverityError) {
			result = multierror.Append(result, fmt.Errorf("%s: %s", r.Feature, r.Message))
		}
	}
	for _, c := range v.Children {
		result = statusErrors(result, c)
	}
	return result
}

type activityView struct {
	Date    time.Time `json:"date"`
	Action  string    `json:"action"`
	Label   string    `json:"label"`
	Outcome string    `json:"outcome"`
}

type snapshotView struct {
	Location   string         `json:"location"`
	Label      string         `json:"label"`
	Created    time.Time      `json:"created"`
	Current    bool           `json:"current"`
	Preserved  bool           `json:"preserved"`
	Activities []activityView `json:"activities,omitempty"`
}

type siteView struct {
	URL          string   `json:"url"`
	Mode         string   `json:"mode"`
	Mutable      bool     `json:"mutable"`
	Staging      bool     `json:"staging"`
	Enabled      bool     `json:"enabled"`
	Configured   []string `json:"configured"`
	Unconfigured []string `json:"unconfigured"`
}

func newSiteView(cs *engine.ConfiguredSite) siteView {
	v := siteView{
		URL:     cs.URL(),
		Mode:    string(cs.Policy().Mode()),
		Mutable: cs.IsMutable(),
		Staging: cs.IsStaging(),
		Enabled: cs.IsEnabled(),
	}
	for _, f := range cs.ConfiguredFeatures() {
		v.Configured = append(v.Configured, f.Identifier.String())
	}
	for _, f := range cs.UnconfiguredFeatures() {
		v.Unconfigured = append(v.Unconfigured, f.Identifier.String())
	}
	return v
}
