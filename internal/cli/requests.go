package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type requestView struct {
	ID           string    `json:"id"`
	SenderRole   string    `json:"senderRole"`
	SenderParty  string    `json:"senderPartyId"`
	ReceiverRole string    `json:"receiverRole"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
}

// RequestCmd returns the request command tree
func RequestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Send and answer match requests",
	}

	var receiverRole string
	sendCmd := &cobra.Command{
		Use:   "send <receiver-party-id>",
		Short: "Send a match request to an available party",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req requestView
			err := newClient().post("/api/requests", map[string]string{
				"receiverId":   args[0],
				"receiverRole": receiverRole,
			}, &req)
			if err != nil {
				return err
			}
			fmt.Printf("Request %s sent (%s).\n", req.ID, req.Status)
			return nil
		},
	}
	sendCmd.Flags().StringVar(&receiverRole, "role", "", "Receiver's role (landowner, farmer, buyer)")
	sendCmd.MarkFlagRequired("role")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List incoming match requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			var reqs []requestView
			if err := newClient().get("/api/requests", &reqs); err != nil {
				return err
			}
			if len(reqs) == 0 {
				fmt.Println("No incoming requests.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tFROM\tROLE\tSTATUS\tRECEIVED")
			for _, r := range reqs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.SenderParty, r.SenderRole, r.Status, r.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}

	acceptCmd := &cobra.Command{
		Use:   "accept <request-id>",
		Short: "Accept a match request, locking both parties",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().post("/api/requests/"+args[0]+"/accept", nil, nil); err != nil {
				return err
			}
			fmt.Println("Request accepted. You and the sender are now matched.")
			return nil
		},
	}

	rejectCmd := &cobra.Command{
		Use:   "reject <request-id>",
		Short: "Reject a match request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().post("/api/requests/"+args[0]+"/reject", nil, nil); err != nil {
				return err
			}
			fmt.Println("Request rejected.")
			return nil
		},
	}

	cmd.AddCommand(sendCmd, listCmd, acceptCmd, rejectCmd)
	return cmd
}

// InterestCmd returns the interest command tree
func InterestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "interest",
		Short: "Express and answer interests",
	}

	expressCmd := &cobra.Command{
		Use:   "express <counterpart-party-id>",
		Short: "Express interest in a counterpart",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := newClient().post("/api/interests", map[string]string{"counterpartId": args[0]}, nil)
			if err != nil {
				return err
			}
			fmt.Println("Interest recorded.")
			return nil
		},
	}

	var status string
	respondCmd := &cobra.Command{
		Use:   "respond <counterpart-party-id>",
		Short: "Accept or reject an interest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := newClient().put("/api/interests/"+args[0], map[string]string{"status": status}, nil)
			if err != nil {
				return err
			}
			fmt.Printf("Interest %s.\n", status)
			return nil
		},
	}
	respondCmd.Flags().StringVar(&status, "status", "accepted", "New status (accepted or rejected)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List your interest entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			var entries []struct {
				CounterpartID   string `json:"counterpartId"`
				CounterpartRole string `json:"counterpartRole"`
				Status          string `json:"status"`
				ContractStatus  string `json:"contractStatus"`
			}
			if err := newClient().get("/api/interests", &entries); err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No interests.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "COUNTERPART\tROLE\tSTATUS\tCONTRACT")
			for _, e := range entries {
				contract := e.ContractStatus
				if contract == "" {
					contract = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.CounterpartID, e.CounterpartRole, e.Status, contract)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(expressCmd, respondCmd, listCmd)
	return cmd
}
