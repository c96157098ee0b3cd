package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/splitmind/splitmind/internal/task"
	"github.com/splitmind/splitmind/internal/taskstore"
	"github.com/splitmind/splitmind/internal/worktree"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and edit the task list",
	Long:  `Commands for listing, formatting, and resetting tasks in tasks.md.`,
}

var tasksListCmd = &cobra.Command{
	Use:   "list [project-dir]",
	Short: "List tasks with their status",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTasksList,
}

var tasksFmtCmd = &cobra.Command{
	Use:   "fmt [project-dir]",
	Short: "Normalize a hand-edited tasks.md",
	Long: `Rewrite tasks.md in canonical form: derive missing ids and branches
from titles, resolve branch-name dependency references to task ids, and
normalize field ordering.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTasksFmt,
}

var tasksResetCmd = &cobra.Command{
	Use:   "reset <task-id> [project-dir]",
	Short: "Force a task back to unclaimed",
	Long: `Force a task back to unclaimed: clears the session and the blocked
flag so the scheduler picks it up again. Only the task record is
touched; use this when the orchestrator is not running, otherwise
prefer the reset endpoint so the live session is killed too.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runTasksReset,
}

func init() {
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksFmtCmd)
	tasksCmd.AddCommand(tasksResetCmd)
	rootCmd.AddCommand(tasksCmd)
}

func openStore(dir string) (*taskstore.Store, error) {
	gitRoot, err := worktree.FindGitRoot(dir)
	if err != nil {
		return nil, err
	}
	return taskstore.New(filepath.Join(gitRoot, TasksFileName)), nil
}

func argDir(args []string, idx int) string {
	if len(args) > idx {
		return args[idx]
	}
	return "."
}

var statusColors = map[task.Status]*color.Color{
	task.StatusUnclaimed:  color.New(color.FgWhite),
	task.StatusUpNext:     color.New(color.FgCyan),
	task.StatusInProgress: color.New(color.FgYellow),
	task.StatusCompleted:  color.New(color.FgGreen),
	task.StatusMerged:     color.New(color.FgBlue),
}

func runTasksList(cmd *cobra.Command, args []string) error {
	store, err := openStore(argDir(args, 0))
	if err != nil {
		return err
	}
	tasks, err := store.Load()
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}

	for _, t := range tasks {
		c, ok := statusColors[t.Status]
		if !ok {
			c = color.New(color.Reset)
		}
		status := string(t.Status)
		if t.Blocked {
			c = color.New(color.FgRed)
			status += " (blocked)"
		}

		fmt.Printf("%-12s %-24s %s\n", c.Sprint(status), t.ID, t.Title)
		var details []string
		if t.Session != "" {
			details = append(details, "session="+t.Session)
		}
		if len(t.Dependencies) > 0 {
			details = append(details, "deps="+strings.Join(t.Dependencies, ","))
		}
		if t.Priority != 0 {
			details = append(details, fmt.Sprintf("priority=%d", t.Priority))
		}
		if len(details) > 0 {
			fmt.Printf("             %s\n", color.New(color.Faint).Sprint(strings.Join(details, "  ")))
		}
	}
	return nil
}

func runTasksFmt(cmd *cobra.Command, args []string) error {
	store, err := openStore(argDir(args, 0))
	if err != nil {
		return err
	}
	// Load derives missing ids and branches and resolves branch-name
	// dependency references; saving writes the canonical form back.
	tasks, err := store.Load()
	if err != nil {
		return err
	}
	if err := store.Save(tasks, true); err != nil {
		return err
	}
	fmt.Printf("%s formatted %d tasks\n", color.GreenString("✓"), len(tasks))
	return nil
}

func runTasksReset(cmd *cobra.Command, args []string) error {
	store, err := openStore(argDir(args, 1))
	if err != nil {
		return err
	}
	id := args[0]

	err = store.Update(id, func(t *task.Task) error {
		if t.Status == task.StatusMerged {
			return fmt.Errorf("task %s is merged; nothing to reset", id)
		}
		if t.Session != "" {
			fmt.Fprintf(os.Stderr, "%s task had session %s; kill it manually if it is still running\n",
				color.YellowString("!"), t.Session)
		}
		t.Status = task.StatusUnclaimed
		t.Session = ""
		t.Blocked = false
		t.RetryCount = 0
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s task %s reset to unclaimed\n", color.GreenString("✓"), id)
	return nil
}
