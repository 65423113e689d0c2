package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"hades/internal/app"
	"hades/internal/domain"
	"hades/internal/engine"
	"hades/internal/tui"
)

func injectCmd() *cobra.Command {
	inj := &cobra.Command{
		Use:   "inject",
		Short: "Build, submit and list injects",
	}
	inj.AddCommand(injectNewCmd())
	inj.AddCommand(injectSubmitCmd())
	inj.AddCommand(injectListCmd())
	return inj
}

func injectNewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "Build an inject step by step, then follow its transcript",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConsole(io.Discard, func(c *app.Console) error {
				model := tui.NewConsole(cmd.Context(), c.NewEngine(), c.Consumer)
				defer model.Close()
				_, err := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(cmd.Context())).Run()
				return err
			})
		},
	}
}

type submitFlags struct {
	file       string
	name       string
	targetType string
	target     string
	networkID  string
	subnetMask string
	goals      []string
	allowed    []string
	prohibited []string
}

// values collects the flags the operator actually set, on top of the draft file.
func (f submitFlags) values(cmd *cobra.Command) (engine.Values, error) {
	vals := engine.Values{}
	if f.file != "" {
		loaded, err := engine.LoadDraftFile(f.file)
		if err != nil {
			return nil, err
		}
		vals = loaded
	}
	text := map[string]struct {
		field engine.Field
		value string
	}{
		"name":        {engine.FieldName, f.name},
		"target-type": {engine.FieldTargetType, f.targetType},
		"target":      {engine.FieldTargetAddress, f.target},
		"network-id":  {engine.FieldNetworkID, f.networkID},
		"subnet-mask": {engine.FieldSubnetMask, f.subnetMask},
	}
	for flag, v := range text {
		if cmd.Flags().Changed(flag) {
			vals[v.field] = v.value
		}
	}
	sets := map[string]struct {
		field engine.Field
		value []string
	}{
		"goal":     {engine.FieldGoals, f.goals},
		"allow":    {engine.FieldAllowed, f.allowed},
		"prohibit": {engine.FieldProhibited, f.prohibited},
	}
	for flag, v := range sets {
		if cmd.Flags().Changed(flag) {
			vals[v.field] = v.value
		}
	}
	return vals, nil
}

func injectSubmitCmd() *cobra.Command {
	var f submitFlags
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an inject without the interactive wizard",
		Long: `Submit drives the same workflow as the wizard: every step is validated in order
and the first failing step stops the submission.

Catalogs:
  target types: ` + domain.TargetTypeCatalog.String() + `
  goals:        ` + domain.GoalCatalog.String() + `
  techniques:   ` + domain.TechniqueCatalog.String(),
		RunE: func(cmd *cobra.Command, args []string) error {
			vals, err := f.values(cmd)
			if err != nil {
				return err
			}
			return withConsole(os.Stderr, func(c *app.Console) error {
				id, err := engine.Run(cmd.Context(), c.NewEngine(), vals)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(domain.SubmitResponse{ID: id})
				}
				fmt.Println(id)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "draft file (YAML)")
	cmd.Flags().StringVar(&f.name, "name", "", "inject name")
	cmd.Flags().StringVar(&f.targetType, "target-type", "", "target type")
	cmd.Flags().StringVar(&f.target, "target", "", "target address")
	cmd.Flags().StringVar(&f.networkID, "network-id", "", "network id (subnetted variant)")
	cmd.Flags().StringVar(&f.subnetMask, "subnet-mask", "", "subnet mask (subnetted variant)")
	cmd.Flags().StringSliceVar(&f.goals, "goal", nil, "goal (repeatable)")
	cmd.Flags().StringSliceVar(&f.allowed, "allow", nil, "allowed technique (repeatable)")
	cmd.Flags().StringSliceVar(&f.prohibited, "prohibit", nil, "prohibited technique (repeatable)")
	return cmd
}

func injectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List injects known to the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConsole(os.Stderr, func(c *app.Console) error {
				listing, err := c.Client.ListInjects(cmd.Context())
				if err != nil {
					return err
				}
				return printJSONOrTable(listing, func() { renderListing(os.Stdout, listing) })
			})
		},
	}
}

func renderListing(w io.Writer, listing domain.Listing) {
	ids := make([]string, 0, len(listing))
	for id := range listing {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Name", "Targets", "Goals", "Allowed", "Prohibited"})
	for _, id := range ids {
		in := listing[id]
		d := engine.FromInject(in)
		var targets []string
		for _, sys := range in.Systems {
			for _, t := range sys.Targets {
				targets = append(targets, t.Type+" "+t.Address)
			}
		}
		tw.AppendRow(table.Row{
			id,
			in.Name,
			strings.Join(targets, "\n"),
			strings.Join(d.Goals, ", "),
			strings.Join(d.Allowed, ", "),
			strings.Join(d.Prohibited, ", "),
		})
	}
	tw.Render()
}
