package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"tuneplane/pkg/api"
)

func platformsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "platforms",
		Short: "List registered platforms and their connection status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.ListPlatformsResponse
			if err := daemon().get("/platforms", &resp); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTATUS\tCREDENTIALS\tLAST VERIFIED")
			for _, p := range resp.Platforms {
				verified := "-"
				if p.LastVerifiedAt != nil {
					verified = p.LastVerifiedAt.Format("2006-01-02 15:04:05")
				}
				creds := "no"
				if p.HasCredentials {
					creds = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Name, p.Status, creds, verified)
			}
			return w.Flush()
		},
	}
}

func connectCmd() *cobra.Command {
	var apiKey, secretKey, endpoint string
	var extra []string

	cmd := &cobra.Command{
		Use:   "connect <platform>",
		Short: "Store and verify credentials for a platform",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.ConnectPlatformRequest{
				APIKey:    apiKey,
				SecretKey: secretKey,
				Endpoint:  endpoint,
			}
			for _, kv := range extra {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid --extra %q, want key=value", kv)
				}
				if req.Extra == nil {
					req.Extra = map[string]string{}
				}
				req.Extra[k] = v
			}

			var resp api.PlatformResponse
			if err := daemon().post("/platforms/"+args[0]+"/connect", req, &resp); err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", resp.Name, resp.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("TUNEPLANE_PLATFORM_API_KEY"), "platform API key")
	cmd.Flags().StringVar(&secretKey, "secret-key", "", "platform secret key")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "platform endpoint override")
	cmd.Flags().StringArrayVar(&extra, "extra", nil, "extra credential field, key=value (repeatable)")
	return cmd
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <platform>",
		Short: "Re-check a platform with its stored credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.PlatformResponse
			if err := daemon().post("/platforms/"+args[0]+"/verify", nil, &resp); err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", resp.Name, resp.Status)
			return nil
		},
	}
}

func disconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <platform>",
		Short: "Delete stored credentials for a platform",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := daemon().delete("/platforms/" + args[0] + "/credentials"); err != nil {
				return err
			}
			fmt.Printf("%s: credentials removed\n", args[0])
			return nil
		},
	}
}

func resourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resources <platform>",
		Short: "List compute resources a platform offers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.ListResourcesResponse
			if err := daemon().get("/platforms/"+args[0]+"/resources", &resp); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tGPU\tCOUNT\tMEMORY\tREGION\tSPOT")
			for _, r := range resp.Resources {
				spot := ""
				if r.Spot {
					spot = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%dGB\t%s\t%s\n",
					r.ID, r.Name, r.GPUType, r.GPUCount, r.MemoryGB, r.Region, spot)
			}
			return w.Flush()
		},
	}
}

func pricingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pricing <platform> <resource>",
		Short: "Show the hourly price of a resource",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.PricingResponse
			if err := daemon().get("/platforms/"+args[0]+"/pricing/"+args[1], &resp); err != nil {
				return err
			}
			fmt.Printf("%s: %.4f %s/hour", resp.ResourceID, resp.PricePerHour, resp.Currency)
			if resp.SpotPerHour > 0 {
				fmt.Printf(" (spot: %.4f)", resp.SpotPerHour)
			}
			fmt.Println()
			return nil
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check daemon health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.HealthResponse
			if err := daemon().get("/healthz", &resp); err != nil {
				return err
			}
			fmt.Printf("status: %s\ndatabase: %s\npending operations: %d\n",
				resp.Status, resp.Database, resp.PendingOperations)
			return nil
		},
	}
}
