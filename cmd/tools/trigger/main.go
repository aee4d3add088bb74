package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8081", "Ingester base URL")
	wait := flag.Bool("wait", true, "Poll the job until it finishes")
	flag.Parse()

	token := strings.TrimSpace(os.Getenv("ADMIN_TOKEN"))
	if token == "" {
		fmt.Println("Missing ADMIN_TOKEN environment variable (see cmd/tools/mint_token)")
		os.Exit(1)
	}

	client := &http.Client{Timeout: 10 * time.Second}

	var started struct {
		JobID string `json:"job_id"`
		Error string `json:"error"`
	}
	resp, err := call(client, http.MethodPost, *baseURL+"/api/v1/cycle", token, &started)
	if err != nil {
		fmt.Printf("Error sending request: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Response Status: %s\n", resp.Status)
	if resp.StatusCode != http.StatusAccepted {
		fmt.Println(started.Error)
		os.Exit(1)
	}
	fmt.Printf("Job started: %s\n", started.JobID)
	if !*wait {
		return
	}

	for {
		time.Sleep(2 * time.Second)
		var status map[string]any
		if _, err := call(client, http.MethodGet, *baseURL+"/api/v1/jobs/"+started.JobID, token, &status); err != nil {
			fmt.Printf("Error polling job: %v\n", err)
			os.Exit(1)
		}
		if status["status"] == "running" {
			continue
		}
		out, _ := json.MarshalIndent(status, "", "  ")
		fmt.Println(string(out))
		if status["status"] != "completed" {
			os.Exit(1)
		}
		return
	}
}

func call(client *http.Client, method, url, token string, out any) (*http.Response, error) {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return resp, json.NewDecoder(resp.Body).Decode(out)
}
