package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiranshivaraju/etlgate/internal/agents"
	mw "github.com/kiranshivaraju/etlgate/internal/api/middleware"
	"github.com/kiranshivaraju/etlgate/internal/reaper"
	"github.com/kiranshivaraju/etlgate/internal/store"
	"github.com/kiranshivaraju/etlgate/pkg/models"
)

func newMigrateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := v.GetString("database-url")
			if url == "" {
				return fmt.Errorf("database URL is required (--database-url or DATABASE_URL)")
			}
			if err := store.RunMigrations(url); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newProjectCmd(v *viper.Viper) *cobra.Command {
	projectCmd := &cobra.Command{Use: "project", Short: "Manage projects"}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("--name is required")
			}

			st, done, err := openStore(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer done()

			p := &models.Project{ID: uuid.New(), Name: name, CreatedAt: time.Now().UTC()}
			if err := st.CreateProject(cmd.Context(), p); err != nil {
				return err
			}
			if v.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), p)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "project %s created (id %s)\n", p.Name, p.ID)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "project name")

	projectCmd.AddCommand(createCmd)
	return projectCmd
}

func newAgentCmd(v *viper.Viper) *cobra.Command {
	agentCmd := &cobra.Command{Use: "agent", Short: "Manage agents"}

	v.SetDefault("liveness-window-secs", int(agents.DefaultLivenessWindow/time.Second))
	window := func() time.Duration {
		return time.Duration(v.GetInt("liveness-window-secs")) * time.Second
	}

	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Register an agent and print its key",
		Long:  "Register an agent in a project. The key is printed once and cannot be recovered.",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectFlag, _ := cmd.Flags().GetString("project")
			projectID, err := uuid.Parse(projectFlag)
			if err != nil {
				return fmt.Errorf("--project must be a project id: %w", err)
			}
			name, _ := cmd.Flags().GetString("name")
			agentType, _ := cmd.Flags().GetString("type")

			req := agents.RegisterRequest{ProjectID: projectID, Name: name, Type: agentType}
			if cmd.Flags().Changed("capacity") {
				capacity, _ := cmd.Flags().GetInt("capacity")
				req.Capacity = &capacity
			}

			st, done, err := openStore(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer done()

			agent, key, err := agents.NewRegistry(st, window()).Register(cmd.Context(), req)
			if err != nil {
				return err
			}
			if v.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), map[string]any{"agent": agent, "key": key})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "agent %s registered (id %s)\n", agent.Name, agent.ID)
			fmt.Fprintf(out, "key: %s\n", key)
			fmt.Fprintln(out, "store this key now; it will not be shown again")
			return nil
		},
	}
	registerCmd.Flags().String("project", "", "project id")
	registerCmd.Flags().String("name", "", "agent name, unique in the project")
	registerCmd.Flags().String("type", "", "agent type tag (default generic)")
	registerCmd.Flags().Int("capacity", 0, "maximum concurrent jobs")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List agents with their computed status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var projectID *uuid.UUID
			if raw, _ := cmd.Flags().GetString("project"); raw != "" {
				id, err := uuid.Parse(raw)
				if err != nil {
					return fmt.Errorf("--project must be a project id: %w", err)
				}
				projectID = &id
			}

			st, done, err := openStore(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer done()

			list, err := agents.NewRegistry(st, window()).ListWithComputedStatus(cmd.Context(), projectID)
			if err != nil {
				return err
			}
			return renderAgents(cmd.OutOrStdout(), list, time.Now().UTC(), v.GetBool("json"))
		},
	}
	listCmd.Flags().String("project", "", "only agents of this project")

	agentCmd.AddCommand(registerCmd, listCmd)
	return agentCmd
}

func newTokenCmd(v *viper.Viper) *cobra.Command {
	tokenCmd := &cobra.Command{Use: "token", Short: "Manage user tokens"}

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a user token for the submission endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			if strings.TrimSpace(subject) == "" {
				return fmt.Errorf("--subject is required")
			}
			ttl, _ := cmd.Flags().GetDuration("ttl")

			secret := v.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("JWT secret is required (--jwt-secret or JWT_SECRET)")
			}

			token, err := mw.IssueUserToken(subject, []byte(secret), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issueCmd.Flags().String("subject", "", "creator identity recorded on submitted jobs")
	issueCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	issueCmd.Flags().String("jwt-secret", "", "signing secret (env JWT_SECRET)")
	_ = v.BindPFlag("jwt-secret", issueCmd.Flags().Lookup("jwt-secret"))

	tokenCmd.AddCommand(issueCmd)
	return tokenCmd
}

func newReapCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Fail jobs held by offline agents and reconcile reports once",
		RunE: func(cmd *cobra.Command, args []string) error {
			grace, _ := cmd.Flags().GetDuration("grace")
			window := time.Duration(v.GetInt("liveness-window-secs")) * time.Second
			if window <= 0 {
				window = agents.DefaultLivenessWindow
			}

			st, done, err := openStore(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer done()

			res, err := reaper.New(st, nil, window, grace, 0).Sweep(cmd.Context())
			if err != nil {
				return err
			}
			if v.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "failed %d job(s), reconciled %d report(s)\n",
				len(res.FailedJobs), res.ReconciledCount)
			return nil
		},
	}
	cmd.Flags().Duration("grace", 5*time.Minute, "extra time past the liveness window")
	return cmd
}
