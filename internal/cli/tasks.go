package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opsboard/opsboard/internal/app/feed"
	"github.com/opsboard/opsboard/internal/app/schedule"
	"github.com/opsboard/opsboard/internal/daemon"
	"github.com/opsboard/opsboard/internal/domain"
)

func init() {
	tasksCmd.Flags().StringVar(&tasksTenant, "tenant", "", "Tenant ID (default $OPSBOARD_TENANT)")
	tasksCmd.Flags().StringVar(&tasksDate, "date", "", "Day to show as YYYY-MM-DD (default today)")
	rootCmd.AddCommand(tasksCmd)
}

var (
	tasksTenant string
	tasksDate   string
)

var tasksCmd = &cobra.Command{
	Use:     "tasks SITE",
	Aliases: []string{"ls"},
	Short:   "Show a site's task list for a day",
	Args:    cobra.ExactArgs(1),
	RunE:    runTasks,
}

func runTasks(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	day := tasksDate
	if day == "" {
		day = d.Today()
	}
	tenant := tasksTenant
	if tenant == "" {
		tenant = os.Getenv("OPSBOARD_TENANT")
	}
	scope := domain.Scope{TenantID: tenant, SiteID: args[0]}
	f, err := d.Feeds.Load(context.Background(), scope, day)
	if err != nil {
		return err
	}
	return printFeed(os.Stdout, f)
}

// printFeed writes the three lists of a feed as aligned tables.
func printFeed(out io.Writer, f *feed.Feed) error {
	fmt.Fprintf(out, "%s  %s\n", f.Scope.SiteID, f.Date)
	if len(f.Active)+len(f.Completed)+len(f.FollowUps) == 0 {
		fmt.Fprintln(out, "\nNo tasks. Run 'opsboard seed --demo' to load sample data.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	section := func(title string, list []schedule.Instance) {
		if len(list) == 0 {
			return
		}
		fmt.Fprintf(w, "\n%s (%d)\n", title, len(list))
		fmt.Fprintln(w, "DUE\tDAYPART\tTASK\tKEY")
		for _, in := range list {
			due := in.DueDate
			if in.DueTime != "" {
				due += " " + in.DueTime
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", due, in.Daypart.Label(), instanceName(in), in.Key)
		}
	}
	section("Active", f.Active)
	section("Follow-ups", f.FollowUps)
	section("Completed", f.Completed)
	if err := w.Flush(); err != nil {
		return err
	}

	for _, warn := range f.Warnings {
		fmt.Fprintf(out, "warning: %s: %s\n", warn.Kind, warn.Message)
	}
	return nil
}

func instanceName(in schedule.Instance) string {
	if in.Task.Name != "" {
		return in.Task.Name
	}
	if in.TemplateName != "" {
		return in.TemplateName
	}
	return in.Task.ID
}
