package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	cfgFile   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chainseal",
	Short: "chainseal audit ledger CLI",
	Long: `chainseal is the operator command-line interface for the chainseal
audit ledger daemon (seald).

It appends entries, verifies hash chains, inspects the signer registry,
and runs threshold signing rounds against a running seald instance.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.chainseal")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		serverURL = strings.TrimRight(serverURL, "/")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.chainseal/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "seald base URL (default http://localhost:8080)")

	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(verifyEntryCmd)
	rootCmd.AddCommand(signersCmd)
	rootCmd.AddCommand(thresholdCmd)
	rootCmd.AddCommand(versionCmd)
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

func getJSON(path string, out any) error {
	resp, err := httpClient.Get(serverURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func postJSON(path string, header map[string]string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, serverURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── append ───────────────────────────────────────────────────────────────────

var (
	appendEventType string
	appendPayload   string
	appendIdemKey   string
)

var appendCmd = &cobra.Command{
	Use:   "append <stream>",
	Short: "Append a signed entry to a stream",
	Long: `Append canonicalizes the payload, chains it to the stream head, signs
the digest, and persists the entry:

  chainseal append audit --event-type user.login --payload '{"user":"alice"}'

Use --payload @file.json to read the payload from a file, or
--payload - to read it from stdin. --idempotency-key makes the request
safe to retry.`,
	Args: cobra.ExactArgs(1),
	RunE: runAppend,
}

func init() {
	appendCmd.Flags().StringVar(&appendEventType, "event-type", "", "Event type label (required)")
	appendCmd.Flags().StringVar(&appendPayload, "payload", "{}", "Payload JSON, @file, or - for stdin")
	appendCmd.Flags().StringVar(&appendIdemKey, "idempotency-key", "", "Idempotency key for safe retries")
	_ = appendCmd.MarkFlagRequired("event-type")
}

func runAppend(cmd *cobra.Command, args []string) error {
	raw := appendPayload
	switch {
	case raw == "-":
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		raw = string(b)
	case strings.HasPrefix(raw, "@"):
		b, err := os.ReadFile(raw[1:])
		if err != nil {
			return fmt.Errorf("read payload file: %w", err)
		}
		raw = string(b)
	}

	var payload any
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return fmt.Errorf("invalid payload JSON: %w", err)
	}

	var header map[string]string
	if appendIdemKey != "" {
		header = map[string]string{"Idempotency-Key": appendIdemKey}
	}

	var entry map[string]any
	err := postJSON("/v1/streams/"+args[0]+"/entries", header, map[string]any{
		"eventType": appendEventType,
		"payload":   payload,
	}, &entry)
	if err != nil {
		return err
	}
	return printJSON(entry)
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify <stream>",
	Short: "Verify a stream's hash chain end to end",
	Long: `Verify walks the stream from its first entry, recomputing every hash
and checking every signature against the signer registry. The first
failure is reported with the entry id and the failed check.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]any
		if err := getJSON("/v1/streams/"+args[0]+"/verify", &result); err != nil {
			return err
		}
		if err := printJSON(result); err != nil {
			return err
		}
		if result["valid"] != true {
			os.Exit(1)
		}
		return nil
	},
}

var verifyEntryCmd = &cobra.Command{
	Use:   "verify-entry <entry-id>",
	Short: "Spot-check one entry's hash and signature",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]any
		if err := getJSON("/v1/entries/"+args[0]+"/verify", &result); err != nil {
			return err
		}
		if err := printJSON(result); err != nil {
			return err
		}
		if result["valid"] != true {
			os.Exit(1)
		}
		return nil
	},
}

// ── signers ──────────────────────────────────────────────────────────────────

var signersCmd = &cobra.Command{
	Use:   "signers",
	Short: "List the registered verification keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Signers []struct {
				SignerID  string    `json:"signerId"`
				Algorithm string    `json:"algorithm"`
				CreatedAt time.Time `json:"createdAt"`
			} `json:"signers"`
		}
		if err := getJSON("/v1/signers", &resp); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SIGNER ID\tALGORITHM\tCREATED")
		for _, s := range resp.Signers {
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.SignerID, s.Algorithm, s.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

// ── threshold ────────────────────────────────────────────────────────────────

var thresholdCmd = &cobra.Command{
	Use:   "threshold <digest-hex>",
	Short: "Run a threshold signing round over a chain digest",
	Long: `Threshold asks every configured signing party to sign the digest and
prints the resulting proof. The command fails when fewer parties sign
than the configured quorum.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var proof map[string]any
		err := postJSON("/v1/threshold/sign", nil, map[string]string{"digestHex": args[0]}, &proof)
		if err != nil {
			return err
		}
		return printJSON(proof)
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("chainseal", version)
	},
}
