package cmd

import (
	"context"
	"fmt"
	"io"

	"botcore/pkg/event"
	"botcore/pkg/handler"

	"github.com/spf13/cobra"
)

var menuAsAdmin bool

var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "Print the command menu",
	Long:  "Prints the commands the gateway registers, as a regular user or an admin would see them.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		reg, err := commandRegistry()
		if err != nil {
			return err
		}
		return printMenu(cmd.OutOrStdout(), reg, menuAsAdmin)
	},
}

func init() {
	commandsCmd.Flags().BoolVar(&menuAsAdmin, "admin", false, "show commands visible to admins")
	rootCmd.AddCommand(commandsCmd)
}

func printMenu(w io.Writer, reg *handler.Registry, admin bool) error {
	for _, item := range reg.Menu(context.Background(), event.Sender{IsAdmin: admin}) {
		if _, err := fmt.Fprintf(w, "%-10s %s\n", item.Command, item.Description); err != nil {
			return err
		}
	}
	return nil
}
