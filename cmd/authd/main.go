// Package main provides the CLI entry point for the IoT Auth core.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/iotauth-go/authd/internal/authcore"
	"github.com/iotauth-go/authd/internal/certutil"
	"github.com/iotauth-go/authd/internal/config"
	"github.com/iotauth-go/authd/internal/logging"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "authd",
		Short:   "authd - IoT Auth core",
		Long:    "authd mints and distributes session keys between registered entities, per a configured set of communication policies, federating with peer Auths when a request names a session key minted elsewhere.",
		Version: Version,
	}

	rootCmd.AddGroup(&cobra.Group{ID: "start", Title: "Getting Started:"})
	rootCmd.AddGroup(&cobra.Group{ID: "status", Title: "Status:"})
	rootCmd.AddGroup(&cobra.Group{ID: "admin", Title: "Administration:"})

	run := runCmd()
	run.GroupID = "start"
	rootCmd.AddCommand(run)

	status := statusCmd()
	status.GroupID = "status"
	rootCmd.AddCommand(status)

	cert := certCmd()
	cert.GroupID = "admin"
	rootCmd.AddCommand(cert)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the Auth core",
		Long:  "Load a configuration file, start the listener and health server, and serve until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
			logger.Info("starting auth core",
				logging.KeyAuthID, cfg.Auth.ID,
				logging.KeyAddress, cfg.Listener.Address,
			)

			core, err := authcore.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to build auth core: %w", err)
			}

			if err := core.Start(); err != nil {
				return fmt.Errorf("failed to start auth core: %w", err)
			}
			logger.Info("auth core running",
				logging.KeyAddress, core.Address().String(),
				"entities", len(cfg.Entities),
				"peers", len(cfg.Peers),
				"policies", len(cfg.Policies),
			)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logger.Info("received signal, shutting down", "signal", sig.String())

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := core.StopWithContext(ctx); err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			logger.Info("auth core stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./authd.yaml", "Path to configuration file")

	return cmd
}

func statusCmd() *cobra.Command {
	var healthAddr string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running Auth core",
		Long:  "Query a running Auth core's /healthz endpoint and print a summary.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			url := fmt.Sprintf("http://%s/healthz", healthAddr)
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("failed to connect to auth core: %w", err)
			}
			defer resp.Body.Close()

			var s struct {
				Status              string `json:"status"`
				Running             bool   `json:"running"`
				EntityCount         int    `json:"entity_count"`
				PeerAuthCount       int    `json:"peer_auth_count"`
				PolicyCount         int    `json:"policy_count"`
				SessionKeysMinted   int64  `json:"session_keys_minted"`
				ConnectionsAccepted int64  `json:"connections_accepted"`
				StartedAt           int64  `json:"started_at"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(s)
			}

			fmt.Println("Auth Core Status")
			fmt.Println("================")
			fmt.Printf("Status:               %s\n", s.Status)
			fmt.Printf("Running:              %t\n", s.Running)
			fmt.Printf("Entities:             %d\n", s.EntityCount)
			fmt.Printf("Peer Auths:           %d\n", s.PeerAuthCount)
			fmt.Printf("Policies:             %d\n", s.PolicyCount)
			fmt.Printf("Session keys minted:  %s\n", humanize.Comma(s.SessionKeysMinted))
			fmt.Printf("Connections accepted: %s\n", humanize.Comma(s.ConnectionsAccepted))
			if s.StartedAt > 0 {
				fmt.Printf("Uptime:               %s\n", humanize.Time(time.Unix(s.StartedAt, 0)))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&healthAddr, "health-addr", "a", "127.0.0.1:21901", "Address of the auth core's health server")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func certCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Generate federation mTLS certificates",
		Long:  "Generate the CA, per-Auth, and federation client certificates used to secure Auth-to-Auth RPC.",
	}

	cmd.AddCommand(certCACmd())
	cmd.AddCommand(certAuthCmd())
	cmd.AddCommand(certClientCmd())

	return cmd
}

func certCACmd() *cobra.Command {
	var (
		commonName string
		outDir     string
		validDays  int
	)

	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Generate a federation CA certificate",
		RunE: func(cmd *cobra.Command, args []string) error {
			validFor := time.Duration(validDays) * 24 * time.Hour

			ca, err := certutil.GenerateCA(commonName, validFor)
			if err != nil {
				return fmt.Errorf("failed to generate CA: %w", err)
			}

			certPath := outDir + "/ca.crt"
			keyPath := outDir + "/ca.key"
			if err := ca.SaveToFiles(certPath, keyPath); err != nil {
				return fmt.Errorf("failed to save CA: %w", err)
			}

			fmt.Printf("CA certificate generated:\n")
			fmt.Printf("  Certificate: %s\n", certPath)
			fmt.Printf("  Private key: %s\n", keyPath)
			fmt.Printf("  Fingerprint: %s\n", ca.Fingerprint())
			fmt.Printf("  Expires:     %s\n", ca.Certificate.NotAfter.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&commonName, "cn", "Auth Federation CA", "Common name for the CA")
	cmd.Flags().StringVarP(&outDir, "out", "o", "./certs", "Output directory for certificate files")
	cmd.Flags().IntVar(&validDays, "days", 3650, "Validity period in days")

	return cmd
}

func certAuthCmd() *cobra.Command {
	var (
		commonName string
		outDir     string
		validDays  int
		caPath     string
		caKeyPath  string
	)

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Generate this Auth's federation server identity",
		Long:  "Generate a server+client certificate, signed by the federation CA, presented by this Auth's federation listener and used when it in turn dials a peer.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if commonName == "" {
				return fmt.Errorf("common name is required")
			}

			ca, err := certutil.LoadCert(caPath, caKeyPath)
			if err != nil {
				return fmt.Errorf("failed to load CA: %w", err)
			}

			validFor := time.Duration(validDays) * 24 * time.Hour
			cert, err := certutil.GenerateAgentCert(commonName, validFor, ca)
			if err != nil {
				return fmt.Errorf("failed to generate certificate: %w", err)
			}

			certPath := outDir + "/" + commonName + ".crt"
			keyPath := outDir + "/" + commonName + ".key"
			if err := cert.SaveToFiles(certPath, keyPath); err != nil {
				return fmt.Errorf("failed to save certificate: %w", err)
			}

			fmt.Printf("Auth federation certificate generated:\n")
			fmt.Printf("  Certificate: %s\n", certPath)
			fmt.Printf("  Private key: %s\n", keyPath)
			fmt.Printf("  Fingerprint: %s\n", cert.Fingerprint())
			fmt.Printf("  Expires:     %s\n", cert.Certificate.NotAfter.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&commonName, "cn", "", "Common name for the certificate (required)")
	cmd.Flags().StringVarP(&outDir, "out", "o", "./certs", "Output directory for certificate files")
	cmd.Flags().IntVar(&validDays, "days", 365, "Validity period in days")
	cmd.Flags().StringVar(&caPath, "ca", "./certs/ca.crt", "Path to CA certificate")
	cmd.Flags().StringVar(&caKeyPath, "ca-key", "./certs/ca.key", "Path to CA private key")
	_ = cmd.MarkFlagRequired("cn")

	return cmd
}

func certClientCmd() *cobra.Command {
	var (
		commonName string
		outDir     string
		validDays  int
		caPath     string
		caKeyPath  string
	)

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Generate a federation client identity for a peer Auth",
		Long:  "Generate a client-auth-only certificate, signed by the federation CA, to configure as a peer's client_cert/client_key when this Auth fetches session keys from it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if commonName == "" {
				return fmt.Errorf("common name is required")
			}

			ca, err := certutil.LoadCert(caPath, caKeyPath)
			if err != nil {
				return fmt.Errorf("failed to load CA: %w", err)
			}

			validFor := time.Duration(validDays) * 24 * time.Hour
			cert, err := certutil.GenerateClientCert(commonName, validFor, ca)
			if err != nil {
				return fmt.Errorf("failed to generate certificate: %w", err)
			}

			certPath := outDir + "/" + commonName + ".crt"
			keyPath := outDir + "/" + commonName + ".key"
			if err := cert.SaveToFiles(certPath, keyPath); err != nil {
				return fmt.Errorf("failed to save certificate: %w", err)
			}

			fmt.Printf("Federation client certificate generated:\n")
			fmt.Printf("  Certificate: %s\n", certPath)
			fmt.Printf("  Private key: %s\n", keyPath)
			fmt.Printf("  Fingerprint: %s\n", cert.Fingerprint())
			fmt.Printf("  Expires:     %s\n", cert.Certificate.NotAfter.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&commonName, "cn", "", "Common name for the certificate (required)")
	cmd.Flags().StringVarP(&outDir, "out", "o", "./certs", "Output directory for certificate files")
	cmd.Flags().IntVar(&validDays, "days", 365, "Validity period in days")
	cmd.Flags().StringVar(&caPath, "ca", "./certs/ca.crt", "Path to CA certificate")
	cmd.Flags().StringVar(&caKeyPath, "ca-key", "./certs/ca.key", "Path to CA private key")
	_ = cmd.MarkFlagRequired("cn")

	return cmd
}
