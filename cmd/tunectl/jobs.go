package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"tuneplane/pkg/api"
)

func submitCmd() *cobra.Command {
	var req api.SubmitJobRequest
	var hyperparams []string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a fine-tuning job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, kv := range hyperparams {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid --hp %q, want key=value", kv)
				}
				f, err := strconv.ParseFloat(v, 64)
				if err != nil {
					return fmt.Errorf("invalid --hp %q: %v", kv, err)
				}
				if req.Hyperparameters == nil {
					req.Hyperparameters = map[string]float64{}
				}
				req.Hyperparameters[k] = f
			}

			var job api.JobResponse
			if err := daemon().post("/jobs", req, &job); err != nil {
				return err
			}

			fmt.Printf("job %s submitted (%s)\n", job.ID, job.Status)
			if job.Status == "pending" {
				fmt.Println("the job is queued and will start when the platform is reachable")
			}
			if job.CostEstimate > 0 {
				fmt.Printf("estimated cost: $%.2f\n", job.CostEstimate)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&req.BaseModel, "base-model", "", "base model to fine-tune (required)")
	cmd.Flags().StringVar(&req.Algorithm, "algorithm", "lora", "training algorithm (lora, qlora, dpo)")
	cmd.Flags().StringVar(&req.Provider, "provider", "", "target platform (required)")
	cmd.Flags().StringVar(&req.Dataset, "dataset", "", "training dataset reference (required)")
	cmd.Flags().StringVar(&req.ResourceID, "resource", "", "compute resource id")
	cmd.Flags().StringVar(&req.Quantization, "quantization", "", "quantization mode")
	cmd.Flags().StringVar(&req.Tracker, "tracker", "", "experiment tracker")
	cmd.Flags().StringVar(&req.OutputName, "output-name", "", "name for the trained adapter")
	cmd.Flags().Float64Var(&req.MaxHours, "max-hours", 0, "wall clock budget in hours")
	cmd.Flags().StringArrayVar(&hyperparams, "hp", nil, "hyperparameter, key=value (repeatable)")
	return cmd
}

func jobsCmd() *cobra.Command {
	var provider, status string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List training jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/jobs"
			query := []string{}
			if provider != "" {
				query = append(query, "provider="+provider)
			}
			if status != "" {
				query = append(query, "status="+status)
			}
			if len(query) > 0 {
				path += "?" + strings.Join(query, "&")
			}

			var resp api.ListJobsResponse
			if err := daemon().get(path, &resp); err != nil {
				return err
			}
			sort.Slice(resp.Jobs, func(i, j int) bool {
				return resp.Jobs[i].CreatedAt.After(resp.Jobs[j].CreatedAt)
			})

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tMODEL\tSTATUS\tCREATED")
			for _, j := range resp.Jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					j.ID, j.Provider, j.BaseModel, j.Status, j.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "filter by platform")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job api.JobResponse
			if err := daemon().get("/jobs/"+args[0], &job); err != nil {
				return err
			}

			fmt.Printf("id:         %s\n", job.ID)
			fmt.Printf("provider:   %s\n", job.Provider)
			fmt.Printf("model:      %s\n", job.BaseModel)
			fmt.Printf("algorithm:  %s\n", job.Algorithm)
			fmt.Printf("status:     %s\n", job.Status)
			if job.RemoteID != "" {
				fmt.Printf("remote id:  %s\n", job.RemoteID)
			}
			if job.CostEstimate > 0 {
				fmt.Printf("est. cost:  $%.2f\n", job.CostEstimate)
			}
			if job.ErrorMessage != "" {
				fmt.Printf("error:      %s (%s)\n", job.ErrorMessage, job.ErrorKind)
			}
			if len(job.Metrics) > 0 {
				keys := make([]string, 0, len(job.Metrics))
				for k := range job.Metrics {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Println("metrics:")
				for _, k := range keys {
					fmt.Printf("  %s: %g\n", k, job.Metrics[k])
				}
			}
			return nil
		},
	}
}

func logsCmd() *cobra.Command {
	var follow bool
	var afterID int64

	cmd := &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Show a job's training output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if follow {
				return daemon().stream("/jobs/"+args[0]+"/logs/stream", func(line string) {
					fmt.Println(line)
				})
			}

			var resp api.GetLogsResponse
			path := fmt.Sprintf("/jobs/%s/logs?after_id=%d", args[0], afterID)
			if err := daemon().get(path, &resp); err != nil {
				return err
			}
			for _, l := range resp.Logs {
				fmt.Println(l.Content)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream live output")
	cmd.Flags().Int64Var(&afterID, "after-id", 0, "return log chunks after this id")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job api.JobResponse
			if err := daemon().post("/jobs/"+args[0]+"/cancel", nil, &job); err != nil {
				return err
			}
			fmt.Printf("job %s: %s\n", job.ID, job.Status)
			return nil
		},
	}
}
