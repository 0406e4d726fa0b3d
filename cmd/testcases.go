package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/grltest/grlctl/internal/project"
)

func newTestcasesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "testcases",
		Short: "Work with saved test-case trees",
	}
	cmd.AddCommand(newTestcasesExtractCmd())
	return cmd
}

func newTestcasesExtractCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "extract <tree.json>",
		Short: "List the enabled leaf test cases of a tree",
		Long: `Extract reads a test-case tree as saved by grlctl run (for example
Test_Case_List_From_System/Generated_Test_cases_list.json) and prints the key
of every enabled leaf in depth-first order, one JSON array. The output can be
passed back to grlctl run --tests.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			keys, err := project.ExtractEnabledJSON(data)
			if err != nil {
				return err
			}
			if keys == nil {
				keys = []string{}
			}

			if out == "" {
				return writeJSON(cmd.OutOrStdout(), keys)
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := writeJSON(f, keys); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d test case(s) to %s\n", len(keys), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write the list to this file instead of stdout")
	return cmd
}
