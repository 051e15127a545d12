// tuningctl is the operator CLI for the tuning service. It talks to the
// HTTP API; it never touches the artifact store directly.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	client    = &http.Client{Timeout: 60 * time.Second}
)

func main() {
	root := &cobra.Command{
		Use:           "tuningctl",
		Short:         "Operate the routing-policy tuning service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("TUNING_SERVER", "http://localhost:8082"), "tuning service base URL")

	root.AddCommand(trainCmd(), jobsCmd(), artifactsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func trainCmd() *cobra.Command {
	var (
		logPath  string
		clusters int
		models   []string
		cvFolds  int
		trials   int
		optimize bool
		wait     bool
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Start a training job from a routing log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body := map[string]any{"log_path": logPath}
			if clusters > 0 {
				body["cluster_count"] = clusters
			}
			if len(models) > 0 {
				body["models"] = models
			}
			if cvFolds > 0 {
				body["cv_folds"] = cvFolds
			}
			if trials > 0 {
				body["n_trials"] = trials
			}
			if cmd.Flags().Changed("optimize-hyperparams") {
				body["optimize_hyperparams"] = optimize
			}

			var snap struct {
				ID    string `json:"id"`
				State string `json:"state"`
			}
			if err := call(http.MethodPost, "/v1/training/start", body, &snap); err != nil {
				return err
			}
			fmt.Printf("job %s %s\n", snap.ID, snap.State)

			if !wait {
				return nil
			}
			return waitForJob(snap.ID)
		},
	}

	cmd.Flags().StringVar(&logPath, "log-path", "", "path to the NDJSON routing log (server-side)")
	cmd.Flags().IntVar(&clusters, "clusters", 0, "cluster count (0 = auto-detect)")
	cmd.Flags().StringSliceVar(&models, "models", nil, "models to score (default: server configuration)")
	cmd.Flags().IntVar(&cvFolds, "cv-folds", 0, "cross-validation folds (0 = server configuration)")
	cmd.Flags().IntVar(&trials, "trials", 0, "hyperparameter search trials (0 = server configuration)")
	cmd.Flags().BoolVar(&optimize, "optimize-hyperparams", false, "toggle hyperparameter search (default: server configuration)")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the job finishes")
	cmd.MarkFlagRequired("log-path")
	return cmd
}

func waitForJob(id string) error {
	for {
		var snap struct {
			State    string `json:"state"`
			Stage    string `json:"stage"`
			Progress int    `json:"progress"`
			Error    string `json:"error"`
			Result   *struct {
				ArtifactVersion string `json:"artifact_version"`
			} `json:"result"`
		}
		if err := call(http.MethodGet, "/v1/training/"+id, nil, &snap); err != nil {
			return err
		}

		switch snap.State {
		case "completed":
			fmt.Printf("completed: artifact %s\n", snap.Result.ArtifactVersion)
			return nil
		case "failed":
			return fmt.Errorf("job failed: %s", snap.Error)
		case "cancelled":
			return fmt.Errorf("job cancelled")
		default:
			fmt.Printf("%s %s %d%%\n", snap.State, snap.Stage, snap.Progress)
			time.Sleep(2 * time.Second)
		}
	}
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and cancel training jobs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all jobs, newest first",
		RunE: func(*cobra.Command, []string) error {
			var res struct {
				Jobs []struct {
					ID       string `json:"id"`
					State    string `json:"state"`
					Progress int    `json:"progress"`
				} `json:"jobs"`
			}
			if err := call(http.MethodGet, "/v1/training/", nil, &res); err != nil {
				return err
			}
			for _, j := range res.Jobs {
				fmt.Printf("%s  %-10s %3d%%\n", j.ID, j.State, j.Progress)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var raw json.RawMessage
			if err := call(http.MethodGet, "/v1/training/"+args[0], nil, &raw); err != nil {
				return err
			}
			return printJSON(raw)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request job cancellation",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := call(http.MethodDelete, "/v1/training/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Println("cancellation requested")
			return nil
		},
	})

	return cmd
}

func artifactsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "Inspect and manage policy artifacts",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List artifact versions, newest first",
		RunE: func(*cobra.Command, []string) error {
			var res struct {
				Versions []string `json:"versions"`
			}
			if err := call(http.MethodGet, "/v1/artifacts/", nil, &res); err != nil {
				return err
			}
			for _, v := range res.Versions {
				fmt.Println(v)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "latest",
		Short: "Show the newest artifact manifest",
		RunE: func(*cobra.Command, []string) error {
			var raw json.RawMessage
			if err := call(http.MethodGet, "/v1/artifacts/latest", nil, &raw); err != nil {
				return err
			}
			return printJSON(raw)
		},
	})

	var out string
	download := &cobra.Command{
		Use:   "download <version>",
		Short: "Download an artifact tar",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			resp, err := client.Get(serverURL + "/v1/artifacts/" + args[0] + "/download")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return apiError(resp)
			}

			dest := out
			if dest == "" {
				dest = "avengers_artifact_" + args[0] + ".tar"
			}
			f, err := os.Create(dest)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(f, resp.Body); err != nil {
				return err
			}
			fmt.Println("wrote", dest)
			return nil
		},
	}
	download.Flags().StringVarP(&out, "output", "o", "", "output file (default: archive name)")
	cmd.AddCommand(download)

	var keep int
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Apply retention, keeping only the newest versions",
		RunE: func(*cobra.Command, []string) error {
			body := map[string]any{}
			if keep > 0 {
				body["keep"] = keep
			}
			var res struct {
				Removed []string `json:"removed"`
				Kept    int      `json:"kept"`
			}
			if err := call(http.MethodPost, "/v1/artifacts/retire", body, &res); err != nil {
				return err
			}
			fmt.Printf("removed %d, keeping newest %d\n", len(res.Removed), res.Kept)
			for _, v := range res.Removed {
				fmt.Println("  -", v)
			}
			return nil
		},
	}
	prune.Flags().IntVar(&keep, "keep", 0, "versions to keep (default: server configuration)")
	cmd.AddCommand(prune)

	return cmd
}

// call performs a JSON request against the service and decodes the response
// into out (skipped when out is nil).
func call(method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) error {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, e.Error)
	}
	return fmt.Errorf("request failed: %s", resp.Status)
}

func printJSON(raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	fmt.Println(buf.String())
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
