package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type partyView struct {
	ID          string    `json:"id"`
	Role        string    `json:"role"`
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	IsAvailable bool      `json:"isAvailable"`
	MatchedID   string    `json:"matchedId"`
	MatchedRole string    `json:"matchedRole"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ProfileCmd returns the profile command
func ProfileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profile",
		Short: "Show your own party profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			var party partyView
			if err := newClient().get("/api/profile", &party); err != nil {
				return err
			}

			fmt.Printf("ID:        %s\n", party.ID)
			fmt.Printf("Role:      %s\n", party.Role)
			if party.Name != "" {
				fmt.Printf("Name:      %s\n", party.Name)
			}
			fmt.Printf("Status:    %s\n", colorStatus(party.Status, party.IsAvailable))
			if party.MatchedID != "" {
				fmt.Printf("Matched:   %s (%s)\n", party.MatchedID, party.MatchedRole)
			}
			return nil
		},
	}
}

// DirectoryCmd returns the directory command
func DirectoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "directory <role>",
		Short: "List available parties of a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var parties []partyView
			if err := newClient().get("/api/directory/"+args[0], &parties); err != nil {
				return err
			}

			if len(parties) == 0 {
				fmt.Printf("No available %ss.\n", args[0])
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSINCE")
			for _, p := range parties {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					p.ID, p.Name, colorStatus(p.Status, p.IsAvailable), p.CreatedAt.Format("2006-01-02"))
			}
			return w.Flush()
		},
	}
}

func colorStatus(status string, available bool) string {
	if available {
		return color.New(color.FgGreen).Sprint(status)
	}
	return color.New(color.FgYellow).Sprint(status)
}
