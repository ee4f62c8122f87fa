package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/todosync/internal/model"
	"github.com/mschirtzinger/todosync/internal/store"
	"github.com/mschirtzinger/todosync/internal/ui"
)

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "data",
	Short:   "Add, list and edit tasks",
	Long: `Manage the tasks of the sync account.

Tasks are addressed by id; any unique prefix of the id works. Edits are local
and picked up by the next sync.`,
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a task at the end of a list",
	Args:  cobra.MinimumNArgs(1),
	Example: `  todosync task add "Buy milk"
  todosync task add "Water plants" --date "next saturday" --period weekly
  todosync task add "Call Sam" --list 1 --date 2024-06-01 --time 14:30 --tags work,phone`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		list, _ := cmd.Flags().GetInt("list")
		desc, _ := cmd.Flags().GetString("desc")
		dateFlag, _ := cmd.Flags().GetString("date")
		timeFlag, _ := cmd.Flags().GetString("time")
		periodFlag, _ := cmd.Flags().GetString("period")
		tagsFlag, _ := cmd.Flags().GetString("tags")

		date, err := parseDate(dateFlag, time.Now())
		if err != nil {
			return err
		}
		clock, err := parseClock(timeFlag)
		if err != nil {
			return err
		}
		period, err := model.ParsePeriod(periodFlag)
		if err != nil {
			return err
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		account, err := requireAccount(ctx, st)
		if err != nil {
			return err
		}

		var tagIDs []string
		if tagsFlag != "" {
			snap, err := st.ReadAll(ctx, account)
			if err != nil {
				return err
			}
			for _, ref := range strings.Split(tagsFlag, ",") {
				tag, err := resolveTag(snap, strings.TrimSpace(ref))
				if err != nil {
					return err
				}
				tagIDs = append(tagIDs, tag.ID)
			}
		}

		var task model.Task
		err = st.Mutate(ctx, account, func(tx *store.Tx) error {
			task, err = tx.AddTask(model.Task{
				TaskList:    list,
				Title:       strings.Join(args, " "),
				Description: desc,
				Date:        date,
				Time:        clock,
				Period:      period,
			})
			if err != nil {
				return err
			}
			if len(tagIDs) > 0 {
				return tx.SetTaskTags(task.ID, tagIDs)
			}
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Added %s %s\n", ui.RenderPass("✓"), ui.RenderAccent(shortID(task.ID)), task.Title)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List active tasks",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		list, _ := cmd.Flags().GetInt("list")

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		account, err := requireAccount(ctx, st)
		if err != nil {
			return err
		}
		snap, err := st.ReadAll(ctx, account)
		if err != nil {
			return err
		}
		printTasks(cmd.OutOrStdout(), snap, list)
		return nil
	},
}

var taskTitleCmd = &cobra.Command{
	Use:   "title <id> <title>",
	Short: "Rename a task",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		title := strings.Join(args[1:], " ")
		return editTask(cmd, args[0], "Renamed", func(tx *store.Tx, task model.Task) error {
			return tx.SetTitle(task.ID, title)
		})
	},
}

var taskMoveCmd = &cobra.Command{
	Use:   "move <id>",
	Short: "Move a task to another position or list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pos, _ := cmd.Flags().GetInt("pos")
		return editTask(cmd, args[0], "Moved", func(tx *store.Tx, task model.Task) error {
			list := task.TaskList
			if cmd.Flags().Changed("list") {
				list, _ = cmd.Flags().GetInt("list")
			}
			return tx.MoveTask(task.ID, list, pos)
		})
	},
}

var taskDoneCmd = &cobra.Command{
	Use:   "done <id>",
	Short: "Complete a task",
	Long: `Complete a task. A repeating task with a date moves on to its next
occurrence; any other task is removed from its list.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editTask(cmd, args[0], "Completed", func(tx *store.Tx, task model.Task) error {
			next, ok, err := nextOccurrence(task.Date, task.Period)
			if err != nil {
				return err
			}
			if ok {
				return tx.SetDateTime(task.ID, next, task.Time)
			}
			return tx.DeleteTask(task.ID)
		})
	},
}

var taskRmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	Short:   "Delete a task",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editTask(cmd, args[0], "Deleted", func(tx *store.Tx, task model.Task) error {
			return tx.DeleteTask(task.ID)
		})
	},
}

// editTask resolves ref and applies fn to it as one edit.
func editTask(cmd *cobra.Command, ref, verb string, fn func(*store.Tx, model.Task) error) error {
	ctx := cmd.Context()
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	account, err := requireAccount(ctx, st)
	if err != nil {
		return err
	}
	snap, err := st.ReadAll(ctx, account)
	if err != nil {
		return err
	}
	task, err := resolveTask(snap, ref)
	if err != nil {
		return err
	}
	if err := st.Mutate(ctx, account, func(tx *store.Tx) error { return fn(tx, task) }); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s %s\n", ui.RenderPass("✓"), verb, ui.RenderAccent(shortID(task.ID)), task.Title)
	return nil
}

// nextOccurrence returns the date a repeating task moves to once done. ok is
// false for tasks that do not repeat or have no date.
func nextOccurrence(date string, period model.Period) (next string, ok bool, err error) {
	if date == "" || period == model.PeriodNone || period == "" {
		return "", false, nil
	}
	d, err := time.Parse(dateLayout, date)
	if err != nil {
		return "", false, fmt.Errorf("invalid date %q: %w", date, err)
	}
	switch period {
	case model.PeriodDaily:
		d = d.AddDate(0, 0, 1)
	case model.PeriodWeekly:
		d = d.AddDate(0, 0, 7)
	case model.PeriodMonthly:
		d = d.AddDate(0, 1, 0)
	case model.PeriodYearly:
		d = d.AddDate(1, 0, 0)
	default:
		return "", false, fmt.Errorf("invalid period %q", period)
	}
	return d.Format(dateLayout), true, nil
}

// printTasks prints the active tasks grouped by list. list < 0 prints every
// list.
func printTasks(w io.Writer, snap model.Snapshot, list int) {
	byList := make(map[int][]model.Task)
	for _, t := range snap.ActiveTasks() {
		if list >= 0 && t.TaskList != list {
			continue
		}
		byList[t.TaskList] = append(byList[t.TaskList], t)
	}
	if len(byList) == 0 {
		fmt.Fprintln(w, ui.RenderMuted("No tasks."))
		return
	}

	lists := make([]int, 0, len(byList))
	for l := range byList {
		lists = append(lists, l)
	}
	sort.Ints(lists)

	for i, l := range lists {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w, ui.RenderBold(fmt.Sprintf("List %d", l)))
		for _, t := range byList[l] {
			fmt.Fprintf(w, "  %s  %s%s\n", ui.RenderAccent(shortID(t.ID)), t.Title, taskDetails(snap, t))
		}
	}
}

func taskDetails(snap model.Snapshot, t model.Task) string {
	var parts []string
	if due := strings.TrimSpace(t.Date + " " + t.Time); due != "" {
		parts = append(parts, due)
	}
	if t.Period != model.PeriodNone && t.Period != "" {
		parts = append(parts, "↻ "+string(t.Period))
	}
	for _, tag := range snap.TagsOf(t.ID) {
		parts = append(parts, "#"+tag.Name)
	}
	if len(parts) == 0 {
		return ""
	}
	return "  " + ui.RenderMuted(strings.Join(parts, "  "))
}

func init() {
	taskAddCmd.Flags().Int("list", 0, "tasklist to add the task to")
	taskAddCmd.Flags().String("desc", "", "description")
	taskAddCmd.Flags().String("date", "", "due date: YYYY-MM-DD or a phrase like 'tomorrow'")
	taskAddCmd.Flags().String("time", "", "due time (HH:MM)")
	taskAddCmd.Flags().String("period", "", "repeat: none, daily, weekly, monthly or yearly")
	taskAddCmd.Flags().String("tags", "", "comma-separated tag names or ids to attach")

	taskListCmd.Flags().Int("list", -1, "only show this tasklist")

	taskMoveCmd.Flags().Int("list", 0, "destination tasklist (default: the current one)")
	taskMoveCmd.Flags().Int("pos", 0, "destination position, 0 is the top")

	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskTitleCmd, taskMoveCmd, taskDoneCmd, taskRmCmd)
	rootCmd.AddCommand(taskCmd)
}
