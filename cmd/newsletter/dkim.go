package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/foxzi/newsletter/internal/dkim"
)

var (
	dkimDomain   string
	dkimSelector string
	dkimKeyFile  string
	dkimOutDir   string
)

var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "DKIM key management for the SMTP gateway",
}

var dkimGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new DKIM key pair",
	Long:  `Generate a new RSA 2048-bit DKIM key and print the DNS record to publish.`,
	RunE:  runDKIMGenerate,
}

var dkimShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show DKIM DNS record from existing key",
	RunE:  runDKIMShow,
}

func init() {
	dkimGenerateCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimGenerateCmd.Flags().StringVar(&dkimSelector, "selector", "newsletter", "DKIM selector")
	dkimGenerateCmd.Flags().StringVar(&dkimOutDir, "out", ".", "Output directory for key file")
	dkimGenerateCmd.MarkFlagRequired("domain")

	dkimShowCmd.Flags().StringVar(&dkimKeyFile, "key", "", "Path to private key file (required)")
	dkimShowCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimShowCmd.Flags().StringVar(&dkimSelector, "selector", "newsletter", "DKIM selector")
	dkimShowCmd.MarkFlagRequired("key")
	dkimShowCmd.MarkFlagRequired("domain")

	dkimCmd.AddCommand(dkimGenerateCmd, dkimShowCmd)
	rootCmd.AddCommand(dkimCmd)
}

func runDKIMGenerate(cmd *cobra.Command, args []string) error {
	key, err := dkim.GenerateKey()
	if err != nil {
		return err
	}

	keyPath := filepath.Join(dkimOutDir, fmt.Sprintf("%s.key", dkimDomain))
	if err := dkim.WriteKey(keyPath, key); err != nil {
		return err
	}

	rec, err := dkim.TXTRecord(key, dkimDomain, dkimSelector)
	if err != nil {
		return err
	}

	fmt.Printf("DKIM key generated successfully\n\n")
	fmt.Printf("Private key saved to: %s\n\n", keyPath)
	printRecord(rec)
	fmt.Printf("\nGateway config:\n")
	fmt.Printf("  gateway.smtp.dkim.domain: %s\n", dkimDomain)
	fmt.Printf("  gateway.smtp.dkim.selector: %s\n", dkimSelector)
	fmt.Printf("  gateway.smtp.dkim.key_file: %s\n", keyPath)

	return nil
}

func runDKIMShow(cmd *cobra.Command, args []string) error {
	key, err := dkim.ReadKey(dkimKeyFile)
	if err != nil {
		return err
	}

	rec, err := dkim.TXTRecord(key, dkimDomain, dkimSelector)
	if err != nil {
		return err
	}

	printRecord(rec)
	return nil
}

func printRecord(rec dkim.Record) {
	fmt.Printf("DNS Record:\n")
	fmt.Printf("  Name: %s\n", rec.Name)
	fmt.Printf("  Type: TXT\n")
	fmt.Printf("  Value: %s\n", rec.Value)
}
