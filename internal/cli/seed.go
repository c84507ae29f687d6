package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsboard/opsboard/internal/app/fixtures"
	"github.com/opsboard/opsboard/internal/daemon"
)

func init() {
	seedCmd.Flags().BoolVar(&seedDemo, "demo", false, "Load the bundled demo kitchen")
	seedCmd.Flags().StringVar(&seedDate, "date", "", "Anchor for relative due dates (default today)")
	rootCmd.AddCommand(seedCmd)
}

var (
	seedDemo bool
	seedDate string
)

var seedCmd = &cobra.Command{
	Use:   "seed [FILE.yaml]",
	Short: "Load sites, assets, templates and tasks from YAML",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSeed,
}

func runSeed(cmd *cobra.Command, args []string) error {
	doc, err := seedDocument(args)
	if err != nil {
		return err
	}

	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	day := seedDate
	if day == "" {
		day = d.Today()
	}
	start := time.Now()
	counts, err := doc.Apply(context.Background(), d.Repo, day)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	fmt.Printf("Loaded %s for tenant %s in %s\n", counts, doc.Tenant, time.Since(start).Round(time.Millisecond))
	return nil
}

func seedDocument(args []string) (*fixtures.Document, error) {
	switch {
	case seedDemo && len(args) > 0:
		return nil, fmt.Errorf("pass either --demo or a file, not both")
	case seedDemo:
		return fixtures.Demo()
	case len(args) == 1:
		return fixtures.LoadFile(args[0])
	default:
		return nil, fmt.Errorf("nothing to seed: pass a YAML file or --demo")
	}
}
