package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/taskmcp/taskmcp/internal/config"
	"github.com/taskmcp/taskmcp/internal/pagination"
	"github.com/taskmcp/taskmcp/internal/sandbox"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List active changes in the configured repository",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	sb, err := sandbox.New(cfg.Repository.WorkingDirectory)
	if err != nil {
		return fmt.Errorf("resolving repository: %w", err)
	}

	items, err := pagination.Scan(sb.OpenspecRoot(), time.Now())
	if err != nil {
		return fmt.Errorf("scanning changes: %w", err)
	}

	useColor := isatty.IsTerminal(os.Stdout.Fd())
	locked := color.New(color.FgYellow)
	open := color.New(color.FgGreen)

	if len(items) == 0 {
		fmt.Println("no active changes")
		return nil
	}

	for _, it := range items {
		state := "open"
		paint := open
		if it.IsLocked {
			state = "locked"
			paint = locked
		}
		age := humanize.Time(it.Mtime)
		line := fmt.Sprintf("%-30s %-8s %s  %s", it.Slug, state, age, it.Title)
		if useColor {
			paint.Println(line)
		} else {
			fmt.Println(line)
		}
	}
	fmt.Printf("\n%d active change(s)\n", len(items))
	return nil
}
