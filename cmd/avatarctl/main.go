package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	client    = &http.Client{Timeout: 30 * time.Second}
)

func main() {
	root := &cobra.Command{
		Use:   "avatarctl",
		Short: "Client for the avatar pipeline server",
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "server base URL")

	root.AddCommand(submitCmd(), statusCmd(), watchCmd(), cancelCmd(), listCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func submitCmd() *cobra.Command {
	var (
		text         string
		voice        string
		personIndex  int
		removeBG     bool
		bgm          string
		bgmVolume    float64
		specPath     string
		waitTerminal bool
	)

	cmd := &cobra.Command{
		Use:   "submit <image>",
		Short: "Submit a photo and narration text for rendering",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			var body bytes.Buffer
			form := multipart.NewWriter(&body)
			part, err := form.CreateFormFile("image", filepath.Base(args[0]))
			if err != nil {
				return err
			}
			if _, err := part.Write(image); err != nil {
				return err
			}

			if specPath != "" {
				specYAML, err := os.ReadFile(specPath)
				if err != nil {
					return err
				}
				form.WriteField("spec", string(specYAML))
			} else {
				form.WriteField("text", text)
				form.WriteField("voice", voice)
				form.WriteField("person_index", fmt.Sprint(personIndex))
				form.WriteField("remove_background", fmt.Sprint(removeBG))
				if bgm != "" {
					form.WriteField("bgm", bgm)
					form.WriteField("bgm_volume", fmt.Sprint(bgmVolume))
				}
			}
			if err := form.Close(); err != nil {
				return err
			}

			req, err := http.NewRequest("POST", serverURL+"/v1/runs", &body)
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", form.FormDataContentType())

			var run struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			}
			if err := doJSON(req, &run); err != nil {
				return err
			}
			fmt.Printf("Run %s submitted (%s)\n", run.ID, run.Status)

			if waitTerminal {
				return watchRun(run.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "narration text")
	cmd.Flags().StringVar(&voice, "voice", "default", "voice preset")
	cmd.Flags().IntVar(&personIndex, "person", 0, "index of the person to animate")
	cmd.Flags().BoolVar(&removeBG, "remove-background", false, "remove the photo background")
	cmd.Flags().StringVar(&bgm, "bgm", "", "background music track")
	cmd.Flags().Float64Var(&bgmVolume, "bgm-volume", 0.2, "background music volume")
	cmd.Flags().StringVar(&specPath, "spec", "", "YAML run spec file (overrides the other flags)")
	cmd.Flags().BoolVar(&waitTerminal, "wait", false, "stream progress until the run finishes")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the current state of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequest("GET", serverURL+"/v1/runs/"+args[0], nil)
			if err != nil {
				return err
			}
			var run map[string]interface{}
			if err := doJSON(req, &run); err != nil {
				return err
			}
			out, err := json.MarshalIndent(run, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Stream progress events for a run until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchRun(args[0])
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a running pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequest("POST", serverURL+"/v1/runs/"+args[0]+"/cancel", nil)
			if err != nil {
				return err
			}
			var resp map[string]interface{}
			if err := doJSON(req, &resp); err != nil {
				return err
			}
			fmt.Printf("Run %s cancelling\n", args[0])
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/v1/runs?limit=%d", serverURL, limit)
			if status != "" {
				url += "&status=" + status
			}
			req, err := http.NewRequest("GET", url, nil)
			if err != nil {
				return err
			}
			var resp struct {
				Items []struct {
					ID       string `json:"id"`
					Status   string `json:"status"`
					Stage    string `json:"stage"`
					Progress int    `json:"progress"`
				} `json:"items"`
			}
			if err := doJSON(req, &resp); err != nil {
				return err
			}
			for _, item := range resp.Items {
				fmt.Printf("%s  %-10s %-22s %3d%%\n", item.ID, item.Status, item.Stage, item.Progress)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}

// watchRun follows the server's SSE stream and prints each event
func watchRun(runID string) error {
	req, err := http.NewRequest("GET", serverURL+"/v1/runs/"+runID+"/stream", nil)
	if err != nil {
		return err
	}

	// Streaming request; no client timeout
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event struct {
			Type     string                 `json:"event_type"`
			Data     map[string]interface{} `json:"data"`
			Sequence int64                  `json:"sequence"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}
		printEvent(event.Type, event.Data)
		if event.Type == "COMPLETE" || event.Type == "ERROR" {
			return nil
		}
	}
	return scanner.Err()
}

func printEvent(eventType string, data map[string]interface{}) {
	switch eventType {
	case "STAGE_UPDATE":
		fmt.Printf("[%3.0f%%] %v\n", toFloat(data["progress"]), data["stage"])
	case "SUB_PROGRESS":
		fmt.Printf("[%3.0f%%] %v\n", toFloat(data["progress"]), data["stage"])
	case "COMPLETE":
		fmt.Printf("[100%%] done: %v\n", data["video_url"])
	case "ERROR":
		fmt.Printf("failed: %v (%v)\n", data["message"], data["code"])
	case "HEARTBEAT":
		// keepalive only
	default:
		fmt.Printf("%s: %v\n", eventType, data)
	}
}

func toFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

func doJSON(req *http.Request, out interface{}) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return readError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
}
