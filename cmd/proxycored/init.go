package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/relayforge/proxycore/internal/config"
)

// initCmd builds a first-run config.yaml (and, if TLS interception is
// requested, a local root CA to sign spoofed leaves) via an interactive
// form. Non-interactive use is supported through flags, in which case
// the form is skipped entirely.
func initCmd() *cobra.Command {
	var (
		dataDir    string
		listenAddr string
		tlsOn      bool
		interactive bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a config file and, optionally, a local interception CA",
		Long: `Initialize a proxycored data directory: write a config.yaml with
sane defaults and, if TLS interception is enabled, mint a local root CA
the certificate factory uses to sign spoofed leaf certificates.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interactive {
				form := huh.NewForm(
					huh.NewGroup(
						huh.NewInput().
							Title("Data directory").
							Description("Where config.yaml and the local CA are written").
							Value(&dataDir),
						huh.NewInput().
							Title("Listen address").
							Description("host:port the main listener binds").
							Value(&listenAddr),
						huh.NewConfirm().
							Title("Enable TLS interception?").
							Description("Mints a local root CA and spoofs leaf certificates on accept").
							Value(&tlsOn),
					),
				)
				if err := form.Run(); err != nil {
					return fmt.Errorf("init wizard: %w", err)
				}
			}

			if dataDir == "" {
				dataDir = "./data"
			}
			if listenAddr == "" {
				listenAddr = "0.0.0.0:8443"
			}

			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}

			cfg := config.Default()
			cfg.Listeners = []config.ListenerConfig{
				{
					Name:         "main",
					Address:      listenAddr,
					Transport:    "tcp",
					Transparent:  true,
					Backlog:      1024,
					TLSIntercept: tlsOn,
				},
			}

			if tlsOn {
				caFile := filepath.Join(dataDir, "ca.pem")
				caKeyFile := filepath.Join(dataDir, "ca-key.pem")
				if _, err := os.Stat(caFile); os.IsNotExist(err) {
					if err := generateRootCA(caFile, caKeyFile); err != nil {
						return fmt.Errorf("generate root CA: %w", err)
					}
					fmt.Printf("Generated local interception CA: %s\n", caFile)
				} else {
					fmt.Printf("Reusing existing interception CA: %s\n", caFile)
				}
				cfg.TLS.CAFile = caFile
				cfg.TLS.CAKeyFile = caKeyFile
			}

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("generated config is invalid: %w", err)
			}

			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			configPath := filepath.Join(dataDir, "config.yaml")
			if err := os.WriteFile(configPath, out, 0o644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}

			fmt.Printf("Wrote %s\n", configPath)
			fmt.Printf("Start the proxy with: proxycored run -c %s\n", configPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for config and local CA material")
	cmd.Flags().StringVarP(&listenAddr, "listen", "l", "0.0.0.0:8443", "Address the main listener binds")
	cmd.Flags().BoolVar(&tlsOn, "tls", false, "Enable TLS interception and mint a local CA")
	cmd.Flags().BoolVar(&interactive, "interactive", true, "Prompt interactively instead of relying on flags alone")

	return cmd
}

// generateRootCA mints a self-signed ECDSA P-256 root CA and writes its
// certificate and key as PEM to the given paths, for signing spoofed
// leaf certificates in internal/certfactory.
func generateRootCA(certPath, keyPath string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate CA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generate CA serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "proxycored local interception CA",
			Organization: []string{"proxycored"},
		},
		NotBefore:             now.Add(-24 * time.Hour),
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create CA certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal CA key: %w", err)
	}

	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644); err != nil {
		return fmt.Errorf("write CA certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}
	return nil
}
