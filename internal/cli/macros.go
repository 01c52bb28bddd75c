package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var macrosJSON bool

var macrosCmd = &cobra.Command{
	Use:   "macros",
	Short: "List the macros and tools available to chat sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := newRegistry()
		if err != nil {
			return err
		}
		specs := registry.Specs()
		out := cmd.OutOrStdout()

		if macrosJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(specs)
		}

		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, headerStyle.Render("Macro")+"\t"+headerStyle.Render("Invoke")+"\t"+headerStyle.Render("Runs")+"\t"+headerStyle.Render("Tools"))
		for _, spec := range specs {
			tools := make([]string, 0, len(spec.Tools))
			for _, t := range spec.Tools {
				name := t.Name
				if t.Safe {
					name += " (safe)"
				}
				tools = append(tools, name)
			}
			fmt.Fprintf(w, "%s\t@%s\t%s\t%s\n", spec.QualifiedName(), spec.Key(), spec.RunAt, strings.Join(tools, ", "))
		}
		return w.Flush()
	},
}

func init() {
	macrosCmd.Flags().BoolVar(&macrosJSON, "json", false, "print the macro specs as JSON")
	rootCmd.AddCommand(macrosCmd)
}
