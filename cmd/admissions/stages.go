package main

import (
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/pitabwire/admissions/internal/workflow"
)

func newStagesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "List the admissions pipeline stages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := workflow.ValidateTemplates(); err != nil {
				return err
			}
			cmd.Println(renderStages())
			return nil
		},
	}
}

func renderStages() string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"#", "Stage", "Name", "Role", "Due (business days)"})
	for _, tpl := range workflow.Templates() {
		tw.AppendRow(table.Row{
			strconv.Itoa(tpl.Sequence),
			string(tpl.StageKey),
			tpl.Name,
			tpl.AssignedRole,
			strconv.Itoa(tpl.DueInBusinessDays),
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}
