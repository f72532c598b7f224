package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/basket/swarmd/internal/config"
)

func runStatusCommand(ctx context.Context, cfg config.Config, quietLogs bool) int {
	rt, err := newRuntime(ctx, cfg, quietLogs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer rt.close()

	agents, err := rt.kernel.Agents.ListActive(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if len(agents) == 0 {
		fmt.Println("no active agents")
	} else {
		fmt.Printf("%-38s %-16s %-10s %s\n", "AGENT", "TYPE", "STATUS", "UPDATED")
		for _, a := range agents {
			fmt.Printf("%-38s %-16s %-10s %s\n", a.ID, a.Type, a.Status, a.UpdatedAt.Format(time.RFC3339))
		}
	}

	// The newest still-active session row is the closest thing to a "current
	// session" across kernel instances.
	sessionID, err := latestActiveSession(ctx, rt)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if sessionID == "" {
		fmt.Println("\nno active session")
		return 0
	}

	summary, err := rt.kernel.GetSessionSummary(ctx, sessionID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("\nsession %s (%s, %s) started %s\n",
		summary.Session.ID, summary.Session.Name, summary.Session.Pattern,
		summary.Session.StartedAt.Format(time.RFC3339))
	fmt.Printf("tasks: %d/%d done\n", summary.TasksDone, summary.TasksTotal)

	statuses := make([]string, 0, len(summary.TaskCounts))
	for status := range summary.TaskCounts {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		fmt.Printf("  %-10s %d\n", status, summary.TaskCounts[status])
	}
	return 0
}

func latestActiveSession(ctx context.Context, rt *runtime) (string, error) {
	rows, err := rt.store.FetchAll(ctx, `
		SELECT id FROM sessions WHERE status = 'active' ORDER BY started_at DESC LIMIT 1;
	`)
	if err != nil {
		return "", fmt.Errorf("query active session: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return "", rows.Err()
	}
	var id string
	if err := rows.Scan(&id); err != nil {
		return "", fmt.Errorf("scan session id: %w", err)
	}
	return id, nil
}

func runLogsCommand(ctx context.Context, cfg config.Config, quietLogs bool, args []string) int {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	agentID := fs.String("agent", "", "filter by agent id")
	limit := fs.Int("limit", 50, "maximum rows to print")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	rt, err := newRuntime(ctx, cfg, quietLogs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer rt.close()

	activities, err := rt.kernel.RecentActivity(ctx, *agentID, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if len(activities) == 0 {
		fmt.Println("no activity")
		return 0
	}
	for _, a := range activities {
		agent := a.AgentID
		if agent == "" {
			agent = "-"
		}
		fmt.Printf("%s  %-16s %-20s %v\n", a.CreatedAt.Format(time.RFC3339), agent, a.Type, a.Details)
	}
	return 0
}
