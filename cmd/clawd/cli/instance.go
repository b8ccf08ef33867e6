package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/clawdeploy/clawd/internal/store"
)

var instanceUserID string

func init() {
	instanceListCmd.Flags().StringVar(&instanceUserID, "user", "", "owner user id (user_...)")
	instanceListCmd.MarkFlagRequired("user")
	instanceCmd.AddCommand(instanceListCmd)
	rootCmd.AddCommand(instanceCmd)
}

var instanceCmd = &cobra.Command{
	Use:   "instance",
	Short: "Inspect instance records",
}

var instanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()

		instances, err := st.ListByOwner(instanceUserID)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPORT\tCREATED")
		for _, inst := range instances {
			redacted := inst.Redacted()
			port := "-"
			if redacted.Port != nil {
				port = fmt.Sprint(*redacted.Port)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				redacted.ID, redacted.Name, redacted.Status, port,
				redacted.CreatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}
