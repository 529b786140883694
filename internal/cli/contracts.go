package cli

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type stageView struct {
	Seq    int    `json:"seq"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

type contractView struct {
	ID         string      `json:"id"`
	Kind       string      `json:"kind"`
	Title      string      `json:"title"`
	PartyAID   string      `json:"partyAId"`
	PartyARole string      `json:"partyARole"`
	PartyBID   string      `json:"partyBId"`
	PartyBRole string      `json:"partyBRole"`
	Status     string      `json:"status"`
	Stages     []stageView `json:"stages"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// ContractCmd returns the contract command tree
func ContractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contract",
		Short: "Inspect and drive contracts",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List your contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			var contracts []contractView
			if err := newClient().get("/api/contracts", &contracts); err != nil {
				return err
			}
			if len(contracts) == 0 {
				fmt.Println("No contracts.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tTITLE\tSTATUS\tCREATED")
			for _, c := range contracts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					c.ID, c.Kind, c.Title, colorContractStatus(c.Status), c.CreatedAt.Format("2006-01-02"))
			}
			return w.Flush()
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <contract-id>",
		Short: "Show one contract with its progress stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var c contractView
			if err := newClient().get("/api/contracts/"+args[0], &c); err != nil {
				return err
			}

			fmt.Printf("Contract:  %s (%s)\n", c.ID, c.Kind)
			if c.Title != "" {
				fmt.Printf("Title:     %s\n", c.Title)
			}
			fmt.Printf("Status:    %s\n", colorContractStatus(c.Status))
			fmt.Printf("Parties:   %s (%s) / %s (%s)\n", c.PartyAID, c.PartyARole, c.PartyBID, c.PartyBRole)

			if len(c.Stages) > 0 {
				fmt.Println()
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SEQ\tSTAGE\tSTATUS\tNOTES")
				for _, s := range c.Stages {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Seq, s.Name, s.Status, s.Notes)
				}
				w.Flush()
			}
			return nil
		},
	}

	approveCmd := &cobra.Command{
		Use:   "approve <contract-id>",
		Short: "Approve a contract; it activates when both sides approved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var c contractView
			if err := newClient().post("/api/contracts/"+args[0]+"/approve", nil, &c); err != nil {
				return err
			}
			fmt.Printf("Contract is now %s.\n", colorContractStatus(c.Status))
			return nil
		},
	}

	var notes string
	var status string
	stageCmd := &cobra.Command{
		Use:   "stage <contract-id> <seq>",
		Short: "Update one progress stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid stage sequence %q", args[1])
			}
			var s stageView
			err = newClient().put(
				fmt.Sprintf("/api/contracts/%s/stages/%d", args[0], seq),
				map[string]string{"status": status, "notes": notes},
				&s,
			)
			if err != nil {
				return err
			}
			fmt.Printf("Stage %d (%s) is now %s.\n", s.Seq, s.Name, s.Status)
			return nil
		},
	}
	stageCmd.Flags().StringVar(&status, "status", "Completed", "New stage status (Pending, InProgress, Completed)")
	stageCmd.Flags().StringVar(&notes, "notes", "", "Progress notes")

	completeCmd := &cobra.Command{
		Use:   "complete <contract-id>",
		Short: "Mark an active contract completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var c contractView
			if err := newClient().post("/api/contracts/"+args[0]+"/complete", nil, &c); err != nil {
				return err
			}
			fmt.Printf("Contract is now %s.\n", colorContractStatus(c.Status))
			return nil
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize your contracts by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats struct {
				Total     int `json:"total"`
				Pending   int `json:"pending"`
				Active    int `json:"active"`
				Completed int `json:"completed"`
				Cancelled int `json:"cancelled"`
			}
			if err := newClient().get("/api/contracts/stats", &stats); err != nil {
				return err
			}
			fmt.Printf("Total:     %d\n", stats.Total)
			fmt.Printf("Pending:   %d\n", stats.Pending)
			fmt.Printf("Active:    %d\n", stats.Active)
			fmt.Printf("Completed: %d\n", stats.Completed)
			fmt.Printf("Cancelled: %d\n", stats.Cancelled)
			return nil
		},
	}

	cmd.AddCommand(listCmd, showCmd, approveCmd, stageCmd, completeCmd, statsCmd)
	return cmd
}

func colorContractStatus(status string) string {
	switch status {
	case "Active":
		return color.New(color.FgGreen).Sprint(status)
	case "Pending":
		return color.New(color.FgYellow).Sprint(status)
	case "Cancelled":
		return color.New(color.FgRed).Sprint(status)
	default:
		return status
	}
}
