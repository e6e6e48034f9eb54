package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiranshivaraju/etlgate/internal/config"
	"github.com/kiranshivaraju/etlgate/internal/store"
	"github.com/kiranshivaraju/etlgate/pkg/models"
)

// newRootCmd builds the command tree. Settings come from flags or from the
// same environment variables the server reads (DATABASE_URL, JWT_SECRET, ...).
func newRootCmd(out io.Writer) *cobra.Command {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "etlgatectl",
		Short:         "Administer an etlgate Gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	root.PersistentFlags().String("database-url", "", "Postgres URL (env DATABASE_URL)")
	root.PersistentFlags().Bool("json", false, "output JSON")
	_ = v.BindPFlag("database-url", root.PersistentFlags().Lookup("database-url"))
	_ = v.BindPFlag("json", root.PersistentFlags().Lookup("json"))

	root.AddCommand(
		newMigrateCmd(v),
		newProjectCmd(v),
		newAgentCmd(v),
		newTokenCmd(v),
		newReapCmd(v),
	)
	return root
}

// openStore connects to the database named by database-url.
func openStore(ctx context.Context, v *viper.Viper) (*store.PostgresStore, func(), error) {
	url := v.GetString("database-url")
	if url == "" {
		return nil, nil, fmt.Errorf("database URL is required (--database-url or DATABASE_URL)")
	}
	pool, err := store.Connect(ctx, config.DatabaseConfig{
		URL:             url,
		MaxOpenConns:    4,
		MaxIdleConns:    1,
		ConnMaxLifetime: 5 * time.Minute,
		ApplicationName: "etlgatectl",
	})
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgresStore(pool), pool.Close, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderAgents prints agents as a table, or as JSON when asJSON is set.
func renderAgents(w io.Writer, agents []*models.Agent, now time.Time, asJSON bool) error {
	if asJSON {
		return printJSON(w, agents)
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Name", "Type", "Status", "Running", "Capacity", "Last Heartbeat"})
	for _, a := range agents {
		capacity := "-"
		if a.Capacity != nil {
			capacity = fmt.Sprint(*a.Capacity)
		}
		seen := "never"
		if a.LastHeartbeat != nil {
			seen = now.Sub(*a.LastHeartbeat).Truncate(time.Second).String() + " ago"
		}
		tw.AppendRow(table.Row{a.ID, a.Name, a.Type, a.Status, a.RunningJobs, capacity, seen})
	}
	tw.Render()
	return nil
}
