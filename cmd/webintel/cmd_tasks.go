package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"webintel/internal/types"
)

var tasksStatus string

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and control the background task queue",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		tasks, err := a.store.ListTasks(types.TaskStatus(tasksStatus), 50)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("no tasks")
			return nil
		}
		for _, t := range tasks {
			progress := ""
			if t.Status == types.TaskRunning {
				progress = fmt.Sprintf(" %3.0f%% %s", t.Progress*100, t.ProgressMsg)
			}
			if t.Error != "" {
				progress = " " + t.Error
			}
			fmt.Printf("%s  %-22s %-10s p%d%s\n", t.ID[:8], t.Type, t.Status, t.Priority, progress)
		}
		return nil
	},
}

var tasksCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Request cancellation of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.store.RequestCancel(args[0]); err != nil {
			return err
		}
		fmt.Println("cancel requested")
		return nil
	},
}

func init() {
	tasksListCmd.Flags().StringVar(&tasksStatus, "status", "", "filter by status (pending, running, completed, failed, cancelled)")
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksCancelCmd)
}
