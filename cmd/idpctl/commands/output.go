package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	apiclient "github.com/singh-krishan/idp/pkg/api/client"
)

const (
	outputAuto  = "auto"
	outputTable = "table"
	outputJSON  = "json"
)

// useJSON picks JSON when asked to, or when stdout is not a terminal in auto mode.
func (g *globalFlags) useJSON(cmd *cobra.Command) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(g.output)) {
	case "", outputAuto:
		f, ok := cmd.OutOrStdout().(*os.File)
		return !ok || !term.IsTerminal(int(f.Fd())), nil
	case outputTable:
		return false, nil
	case outputJSON:
		return true, nil
	default:
		return false, fmt.Errorf("unknown output format %q, expected auto, table or json", g.output)
	}
}

// render writes v as indented JSON or hands the writer to table.
func (g *globalFlags) render(cmd *cobra.Command, v any, table func(w io.Writer)) error {
	asJSON, err := g.useJSON(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	table(tw)
	return tw.Flush()
}

func projectTable(w io.Writer, projects ...apiclient.Project) {
	fmt.Fprintln(w, "ID\tNAME\tTEMPLATE\tSTATUS\tREPO\tUPDATED")
	for _, p := range projects {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", p.ID, p.Name, p.TemplateType, p.Status, dash(p.RepoURL), p.UpdatedAt.Local().Format(time.RFC3339))
	}
}

func projectDetail(w io.Writer, p apiclient.Project) {
	rows := [][2]string{
		{"ID", p.ID},
		{"Name", p.Name},
		{"Description", dash(p.Description)},
		{"Template", p.TemplateType},
		{"Status", p.Status},
		{"Error", dash(p.ErrorMessage)},
		{"Repository", dash(p.RepoURL)},
		{"GitOps app", dash(p.GitOpsApp)},
		{"Created", p.CreatedAt.Local().Format(time.RFC3339)},
		{"Updated", p.UpdatedAt.Local().Format(time.RFC3339)},
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%s:\t%s\n", r[0], r[1])
	}
	keys := make([]string, 0, len(p.Variables))
	for k := range p.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "var %s:\t%s\n", k, p.Variables[k])
	}
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
