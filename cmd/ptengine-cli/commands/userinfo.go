package commands

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(userinfoCmd)
}

var userinfoCmd = &cobra.Command{
	Use:   "userinfo <site>",
	Short: "Runs the site's user-info pipeline and prints the account record.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSite(args[0])
		if err != nil {
			return err
		}

		rec, err := s.UserInfo(cmd.Context(), nil)
		if err != nil {
			return err
		}
		if rec.Status != "success" {
			slog.Warn("pipeline did not fully succeed", "status", rec.Status)
		}

		out, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}
