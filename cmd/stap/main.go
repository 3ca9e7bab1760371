// Command stap is the operator-facing CLI for sessiontapd: pairing a new
// device, listing known sessions, and revoking a device credential.
//
// Grounded on the teacher's cmd/wt/main.go (multi-subcommand cobra tree,
// each subcommand a plain HTTP client call against the daemon, results
// rendered with text/tabwriter).
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

func main() {
	var serverURL string

	root := &cobra.Command{
		Use:   "stap",
		Short: "sessiontap operator CLI",
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8787", "sessiontapd base URL")

	root.AddCommand(
		pairCmd(&serverURL),
		sessionsCmd(&serverURL),
		revokeCmd(&serverURL),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// pairCmd requests an enrollment token and renders its enroll_url as a
// terminal QR code for a phone camera to scan.
func pairCmd(serverURL *string) *cobra.Command {
	var noQR bool
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Generate a pairing QR code for a new device",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Token      string `json:"token"`
				ExpiresInS int    `json:"expires_in_s"`
				EnrollURL  string `json:"enroll_url"`
			}
			if err := postJSON(*serverURL+"/api/auth/qr", nil, &out); err != nil {
				return err
			}
			fmt.Printf("Pairing token expires in %ds\n", out.ExpiresInS)
			fmt.Printf("Enroll URL: %s\n", out.EnrollURL)
			if !noQR {
				printQR(out.EnrollURL)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noQR, "no-qr", false, "print the enroll URL only, skip the terminal QR code")
	return cmd
}

func sessionsCmd(serverURL *string) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List known sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				return fmt.Errorf("--key is required (a paired device credential)")
			}
			var out struct {
				Total    int `json:"total"`
				Active   int `json:"active"`
				Sessions []struct {
					SessionID    string `json:"session_id"`
					ProjectLabel string `json:"project_label"`
					Status       string `json:"status"`
					LastActivity string `json:"last_activity"`
				} `json:"sessions"`
			}
			if err := getJSON(*serverURL+"/api/sessions", key, &out); err != nil {
				return err
			}
			if len(out.Sessions) == 0 {
				fmt.Println("no sessions discovered")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tPROJECT\tSTATUS\tLAST ACTIVITY")
			for _, s := range out.Sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.SessionID, s.ProjectLabel, s.Status, s.LastActivity)
			}
			w.Flush()
			fmt.Printf("\n%d total, %d active\n", out.Total, out.Active)
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "paired device credential")
	return cmd
}

func revokeCmd(serverURL *string) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a device credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				return fmt.Errorf("--key is required")
			}
			req, err := http.NewRequest(http.MethodPost, *serverURL+"/api/auth/revoke", nil)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+key)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("contacting sessiontapd: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
				return fmt.Errorf("revoke failed: %s: %s", resp.Status, string(body))
			}
			fmt.Println("credential revoked")
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "device credential to revoke")
	return cmd
}

func postJSON(url string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(http.MethodPost, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("contacting sessiontapd: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: %s", resp.Status, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func getJSON(url, bearerKey string, out any) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if bearerKey != "" {
		req.Header.Set("Authorization", "Bearer "+bearerKey)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("contacting sessiontapd: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: %s", resp.Status, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// printQR renders a QR code to the terminal using Unicode half-blocks.
func printQR(content string) {
	q, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		fmt.Fprintf(os.Stderr, "\n(QR generation failed: %v)\n", err)
		return
	}
	fmt.Printf("\n%s\n", q.ToSmallString(false))
}
