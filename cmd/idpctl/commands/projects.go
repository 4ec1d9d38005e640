package commands

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	apiclient "github.com/singh-krishan/idp/pkg/api/client"
)

// Templates returns the command listing the template catalog.
func Templates(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List available project templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := g.client()
			if err != nil {
				return err
			}
			templates, err := cli.Templates(cmd.Context())
			if err != nil {
				return err
			}
			return g.render(cmd, templates, func(w io.Writer) {
				fmt.Fprintln(w, "NAME\tDISPLAY NAME\tVARIABLES\tUPLOAD")
				for _, t := range templates {
					vars := make([]string, 0, len(t.Variables))
					for _, v := range t.Variables {
						vars = append(vars, v.Name+"="+v.Default)
					}
					upload := "-"
					if t.RequiresOpenAPIUpload {
						upload = "openapi"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Name, t.DisplayName, dash(strings.Join(vars, ",")), upload)
				}
			})
		},
	}
}

// Create returns the command creating a project from a catalog template.
func Create(g *globalFlags) *cobra.Command {
	var (
		templateType string
		description  string
		vars         map[string]string
		watch        bool
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a project from a template",
		Long: `Create a project and start provisioning it.

The project is returned in the pending state; provisioning continues in the
background. Use --watch to follow it until it becomes active or fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := g.client()
			if err != nil {
				return err
			}
			project, err := cli.CreateProject(cmd.Context(), apiclient.CreateProjectRequest{
				Name:         args[0],
				Description:  description,
				TemplateType: templateType,
				Variables:    vars,
			})
			if err != nil {
				return err
			}
			if err := g.render(cmd, project, func(w io.Writer) { projectDetail(w, project) }); err != nil {
				return err
			}
			if watch {
				return watchProject(cmd, cli, project.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&templateType, "template", "t", "python-microservice", "Template to scaffold from")
	cmd.Flags().StringVarP(&description, "description", "d", "", "Project description")
	cmd.Flags().StringToStringVar(&vars, "var", nil, "Template variable as key=value (repeatable)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Follow provisioning until it finishes")
	return cmd
}

// CreateOpenAPI returns the command creating a project from an OpenAPI document.
func CreateOpenAPI(g *globalFlags) *cobra.Command {
	var (
		file        string
		description string
		port        string
		watch       bool
	)
	cmd := &cobra.Command{
		Use:   "create-openapi <name>",
		Short: "Create a project whose handlers are generated from an OpenAPI 3 document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(file) == "" {
				return fmt.Errorf("--file is required")
			}
			doc, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("open specification: %w", err)
			}
			defer doc.Close()
			cli, err := g.client()
			if err != nil {
				return err
			}
			project, err := cli.CreateProjectFromSpec(cmd.Context(), apiclient.SpecUpload{
				Name:        args[0],
				Description: description,
				Port:        port,
				Filename:    file,
				Document:    doc,
			})
			if err != nil {
				return err
			}
			if err := g.render(cmd, project, func(w io.Writer) { projectDetail(w, project) }); err != nil {
				return err
			}
			if watch {
				return watchProject(cmd, cli, project.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "OpenAPI document (.yaml, .yml or .json)")
	cmd.Flags().StringVarP(&description, "description", "d", "", "Project description")
	cmd.Flags().StringVar(&port, "port", "", "Port the service listens on (template default when empty)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Follow provisioning until it finishes")
	return cmd
}

// Get returns the command showing one project.
func Get(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := g.client()
			if err != nil {
				return err
			}
			project, err := cli.GetProject(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return g.render(cmd, project, func(w io.Writer) { projectDetail(w, project) })
		},
	}
}

// List returns the command listing projects.
func List(g *globalFlags) *cobra.Command {
	var opts apiclient.ListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := g.client()
			if err != nil {
				return err
			}
			page, err := cli.ListProjects(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return g.render(cmd, page, func(w io.Writer) {
				projectTable(w, page.Projects...)
				fmt.Fprintf(w, "\npage %d of %d, %d projects\n", page.Page, page.TotalPages, page.Total)
			})
		},
	}
	cmd.Flags().StringVarP(&opts.Search, "search", "s", "", "Match name or description")
	cmd.Flags().StringVar(&opts.Status, "status", "", "Only projects in this status")
	cmd.Flags().StringVar(&opts.TemplateType, "template", "", "Only projects from this template")
	cmd.Flags().StringVar(&opts.SortBy, "sort-by", "", "created_at, updated_at, name or status")
	cmd.Flags().StringVar(&opts.SortOrder, "sort-order", "", "asc or desc")
	cmd.Flags().IntVar(&opts.Page, "page", 1, "Page number")
	cmd.Flags().IntVar(&opts.PageSize, "page-size", 20, "Projects per page")
	return cmd
}

// Delete returns the command deleting a project and its external resources.
func Delete(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Abort provisioning, remove the repository and deployment, and delete the project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := g.client()
			if err != nil {
				return err
			}
			result, err := cli.DeleteProject(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return g.render(cmd, result, func(w io.Writer) {
				if !result.Degraded {
					fmt.Fprintf(w, "project %s deleted\n", args[0])
					return
				}
				fmt.Fprintf(w, "project %s deleted with warnings:\n", args[0])
				for _, warning := range result.Warnings {
					fmt.Fprintf(w, "  - %s\n", warning)
				}
			})
		},
	}
}

// Watch returns the command following a project's status events.
func Watch(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <id>",
		Short: "Follow a project's provisioning until it becomes active or fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := g.client()
			if err != nil {
				return err
			}
			return watchProject(cmd, cli, args[0])
		},
	}
}

// Stats returns the command printing dashboard aggregates.
func Stats(g *globalFlags) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show project counts by status and template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := g.client()
			if err != nil {
				return err
			}
			stats, err := cli.Stats(cmd.Context(), days)
			if err != nil {
				return err
			}
			return g.render(cmd, stats, func(w io.Writer) {
				fmt.Fprintf(w, "Total:\t%d\nIn progress:\t%d\nSuccess rate:\t%.1f%%\n", stats.Total, stats.InProgress, stats.SuccessRate)
				for _, status := range []string{"pending", "creating_repo", "building", "deploying", "active", "failed"} {
					fmt.Fprintf(w, "  %s:\t%d\n", status, stats.ByStatus[status])
				}
				fmt.Fprintln(w, "Created:")
				for _, d := range stats.CreatedPerDay {
					fmt.Fprintf(w, "  %s:\t%d\n", d.Date, d.Count)
				}
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "Days of creation history to show (server default when 0)")
	return cmd
}

func watchProject(cmd *cobra.Command, cli *apiclient.Client, id string) error {
	out := cmd.OutOrStdout()
	var final apiclient.Event
	err := cli.WatchProject(cmd.Context(), id, func(ev apiclient.Event) error {
		final = ev
		line := fmt.Sprintf("%s  %-14s", ev.Project.UpdatedAt.Local().Format(time.TimeOnly), ev.Project.Status)
		if ev.Project.ErrorMessage != "" {
			line += "  " + ev.Project.ErrorMessage
		}
		_, werr := fmt.Fprintln(out, line)
		return werr
	})
	if err != nil {
		return err
	}
	if final.Project.Status == "failed" {
		return fmt.Errorf("provisioning failed: %s", final.Project.ErrorMessage)
	}
	if final.Project.RepoURL != "" {
		fmt.Fprintf(out, "repository: %s\n", final.Project.RepoURL)
	}
	return nil
}
