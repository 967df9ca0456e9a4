package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"tuneplane/pkg/api"
)

func opsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ops",
		Short: "Inspect the offline operation queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.ListOperationsResponse
			if err := daemon().get("/operations", &resp); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tRESOURCE\tSTATUS\tATTEMPTS\tLAST ERROR")
			for _, op := range resp.Operations {
				lastErr := op.LastError
				if len(lastErr) > 60 {
					lastErr = lastErr[:57] + "..."
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					op.ID, op.Type, op.ResourceKey, op.Status, op.Attempt, lastErr)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "rm <operation-id>",
		Short: "Withdraw a pending operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := daemon().delete("/operations/" + args[0]); err != nil {
				return err
			}
			fmt.Printf("operation %s removed\n", args[0])
			return nil
		},
	})
	return cmd
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Trigger an immediate replay of queued operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := daemon().post("/sync", nil, nil); err != nil {
				return err
			}
			fmt.Println("sync triggered")
			return nil
		},
	}
}
