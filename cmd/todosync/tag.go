package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/todosync/internal/model"
	"github.com/mschirtzinger/todosync/internal/store"
	"github.com/mschirtzinger/todosync/internal/ui"
)

var tagCmd = &cobra.Command{
	Use:     "tag",
	GroupID: "data",
	Short:   "Manage tags and attach them to tasks",
}

var tagAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a tag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		color, _ := cmd.Flags().GetInt("color")

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		account, err := requireAccount(ctx, st)
		if err != nil {
			return err
		}

		var tag model.Tag
		err = st.Mutate(ctx, account, func(tx *store.Tx) error {
			tag, err = tx.AddTag(args[0], color)
			return err
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Added tag %s %s\n", ui.RenderPass("✓"), ui.RenderAccent(shortID(tag.ID)), tag.Name)
		return nil
	},
}

var tagListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tags",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
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

		w := cmd.OutOrStdout()
		tags := snap.ActiveTags()
		if len(tags) == 0 {
			fmt.Fprintln(w, ui.RenderMuted("No tags."))
			return nil
		}
		uses := make(map[string]int)
		for _, r := range snap.ActiveRelations() {
			uses[r.TagID]++
		}
		for _, tag := range tags {
			fmt.Fprintf(w, "  %s  %s  %s\n", ui.RenderAccent(shortID(tag.ID)), tag.Name,
				ui.RenderMuted(fmt.Sprintf("(%d tasks)", uses[tag.ID])))
		}
		return nil
	},
}

var tagRmCmd = &cobra.Command{
	Use:   "rm <tag>",
	Short: "Delete a tag and detach it from every task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editTags(cmd, func(snap model.Snapshot, tx *store.Tx) (string, error) {
			tag, err := resolveTag(snap, args[0])
			if err != nil {
				return "", err
			}
			return "Deleted tag " + tag.Name, tx.DeleteTag(tag.ID)
		})
	},
}

var tagAttachCmd = &cobra.Command{
	Use:   "attach <task> <tag>...",
	Short: "Attach tags to a task",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editTags(cmd, func(snap model.Snapshot, tx *store.Tx) (string, error) {
			task, tagIDs, err := taskTagIDs(snap, args[0])
			if err != nil {
				return "", err
			}
			for _, ref := range args[1:] {
				tag, err := resolveTag(snap, ref)
				if err != nil {
					return "", err
				}
				tagIDs = appendUnique(tagIDs, tag.ID)
			}
			return "Tagged " + task.Title, tx.SetTaskTags(task.ID, tagIDs)
		})
	},
}

var tagDetachCmd = &cobra.Command{
	Use:   "detach <task> <tag>...",
	Short: "Detach tags from a task",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editTags(cmd, func(snap model.Snapshot, tx *store.Tx) (string, error) {
			task, tagIDs, err := taskTagIDs(snap, args[0])
			if err != nil {
				return "", err
			}
			drop := make(map[string]bool)
			for _, ref := range args[1:] {
				tag, err := resolveTag(snap, ref)
				if err != nil {
					return "", err
				}
				drop[tag.ID] = true
			}
			keep := tagIDs[:0]
			for _, id := range tagIDs {
				if !drop[id] {
					keep = append(keep, id)
				}
			}
			return "Untagged " + task.Title, tx.SetTaskTags(task.ID, keep)
		})
	},
}

// editTags runs fn as one edit against the current snapshot and prints the
// message it returns.
func editTags(cmd *cobra.Command, fn func(model.Snapshot, *store.Tx) (string, error)) error {
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

	var msg string
	err = st.Mutate(ctx, account, func(tx *store.Tx) error {
		msg, err = fn(snap, tx)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", ui.RenderPass("✓"), msg)
	return nil
}

func taskTagIDs(snap model.Snapshot, ref string) (model.Task, []string, error) {
	task, err := resolveTask(snap, ref)
	if err != nil {
		return model.Task{}, nil, err
	}
	var ids []string
	for _, tag := range snap.TagsOf(task.ID) {
		ids = append(ids, tag.ID)
	}
	return task, ids, nil
}

func appendUnique(ids []string, id string) []string {
	for _, have := range ids {
		if have == id {
			return ids
		}
	}
	return append(ids, id)
}

func init() {
	tagAddCmd.Flags().Int("color", 0, "color index")
	tagCmd.AddCommand(tagAddCmd, tagListCmd, tagRmCmd, tagAttachCmd, tagDetachCmd)
	rootCmd.AddCommand(tagCmd)
}
