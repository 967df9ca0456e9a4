package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"tuneplane/pkg/api"
)

func artifactsCmd() *cobra.Command {
	var jobID string

	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "List trained artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/artifacts"
			if jobID != "" {
				path += "?job_id=" + jobID
			}

			var resp api.ListArtifactsResponse
			if err := daemon().get(path, &resp); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tJOB\tSIZE\tSHA256\tCREATED")
			for _, a := range resp.Artifacts {
				fmt.Fprintf(w, "%s\t%s\t%d\t%.12s\t%s\n",
					a.ID, a.JobID, a.SizeBytes, a.SHA256, a.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "filter by job id")
	return cmd
}

func downloadCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "download <artifact-id>",
		Short: "Download an artifact to a local file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				out = args[0] + ".safetensors"
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()

			if err := daemon().download("/artifacts/"+args[0]+"/download", f); err != nil {
				os.Remove(out)
				return err
			}
			fmt.Printf("saved %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path")
	return cmd
}

func pushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push <artifact-id> <platform>",
		Short: "Upload an artifact to a platform",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.PushArtifactResponse
			err := daemon().post("/artifacts/"+args[0]+"/push",
				api.PushArtifactRequest{Platform: args[1]}, &resp)
			if err != nil {
				return err
			}
			if resp.Queued {
				fmt.Println("push queued; it will run when the platform is reachable")
				return nil
			}
			fmt.Printf("pushed as %s\n", resp.RemoteID)
			return nil
		},
	}
}
