package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/clawdeploy/clawd/internal/store"
)

var (
	taskUserID string
	taskParams string
)

func init() {
	taskCmd.AddCommand(taskEnqueueCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskEnqueueCmd.Flags().StringVar(&taskUserID, "user", "", "owner user id (user_...)")
	taskEnqueueCmd.Flags().StringVar(&taskParams, "params", "{}", "operation parameters as JSON")
	taskEnqueueCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(taskCmd)
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and enqueue lifecycle tasks",
}

var taskEnqueueCmd = &cobra.Command{
	Use:   "enqueue <type>",
	Short: "Enqueue a lifecycle task for the daemon to process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var params map[string]any
		if err := json.Unmarshal([]byte(taskParams), &params); err != nil {
			return fmt.Errorf("invalid --params: %w", err)
		}

		st, err := store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()

		taskType := args[0]
		if taskType == "instance_create" {
			name, _ := params["name"].(string)
			inst, task, err := st.EnqueueCreate(store.Instance{
				Name:       name,
				Channel:    str(params, "channel"),
				BotToken:   str(params, "botToken"),
				AIProvider: str(params, "aiProvider"),
				APIKey:     str(params, "apiKey"),
				UserID:     taskUserID,
			}, params)
			if err != nil {
				return err
			}
			fmt.Printf("enqueued %s (instance %s)\n", task.ID, inst.ID)
			return nil
		}

		task, err := st.EnqueueTask(taskType, params, taskUserID, nil)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s\n", task.ID)
		return nil
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()

		task, err := st.GetTask(args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(task)
	},
}

func str(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}
