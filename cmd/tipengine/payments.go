package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	tipengine "github.com/tink-protocol/tipengine"
	tiphttp "github.com/tink-protocol/tipengine/http"
	"github.com/tink-protocol/tipengine/mechanisms/evm"
	evmsigners "github.com/tink-protocol/tipengine/signers/evm"
	"github.com/tink-protocol/tipengine/webhook"
)

var signKeyEnv string

var signCmd = &cobra.Command{
	Use:   "sign [requirements.json|-]",
	Short: "Sign payment requirements as a payer wallet and print the X-PAYMENT header",
	Long: `Sign the paymentRequirements returned by /api/payments/prepare/:id with the
payer key in $TIPENGINE_PAYER_KEY (or --key-env) and print the X-PAYMENT header.
A full prepare response is accepted as well.

Examples:
  curl -X POST localhost:4021/api/payments/prepare/$ID | tipengine sign -`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readInput(args[0])
		if err != nil {
			return err
		}
		requirements, err := decodeRequirements(raw)
		if err != nil {
			return err
		}

		key := os.Getenv(signKeyEnv)
		if key == "" {
			return fmt.Errorf("%s is not set", signKeyEnv)
		}
		signer, err := evmsigners.NewClientSignerFromPrivateKey(key)
		if err != nil {
			return err
		}

		payload, err := evm.NewExactEvmClient(signer).CreatePaymentPayload(context.Background(), requirements)
		if err != nil {
			return err
		}
		header, err := tiphttp.EncodePaymentHeader(payload)
		if err != nil {
			return err
		}
		if verbose {
			fmt.Fprintf(os.Stderr, "payer %s\n", signer.Address())
		}
		fmt.Println(header)
		return nil
	},
}

var normalizeNetwork string

var normalizeSigCmd = &cobra.Command{
	Use:   "normalize-sig [signature]",
	Short: "Normalize a 65-byte signature's recovery id to 27/28",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		network, err := evm.GetNetworkConfig(normalizeNetwork)
		if err != nil {
			return err
		}
		normalized, err := evm.NormalizeSignatureHex(args[0], network.ChainID)
		if err != nil {
			return err
		}
		fmt.Println(normalized)
		return nil
	},
}

func webhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Sign or verify webhook deliveries",
	}

	var secret string
	cmd.PersistentFlags().StringVar(&secret, "secret", os.Getenv("TIPENGINE_WEBHOOK_SECRET"), "webhook secret")

	cmd.AddCommand(&cobra.Command{
		Use:   "sign [body.json|-]",
		Short: "Print the X-Tink-Signature value for a body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("--secret is required")
			}
			body, err := readInput(args[0])
			if err != nil {
				return err
			}
			fmt.Println(webhook.Sign([]byte(secret), body))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "verify [body.json|-] [signature]",
		Short: "Check a delivery's signature and envelope",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("--secret is required")
			}
			body, err := readInput(args[0])
			if err != nil {
				return err
			}
			var signature string
			if len(args) == 2 {
				signature = args[1]
			}
			if err := webhook.Authenticate([]byte(secret), body, signature); err != nil {
				return err
			}
			env, err := webhook.ParseEnvelope(body)
			if err != nil {
				return err
			}
			fmt.Printf("ok: %s\n", env.Event)
			return nil
		},
	})

	return cmd
}

func init() {
	signCmd.Flags().StringVar(&signKeyEnv, "key-env", "TIPENGINE_PAYER_KEY", "environment variable holding the payer private key")
	normalizeSigCmd.Flags().StringVarP(&normalizeNetwork, "network", "n", evm.NetworkAvalancheFuji, "network whose chain id applies to EIP-155 values")
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// decodeRequirements accepts bare requirements or a prepare response wrapping them
func decodeRequirements(raw []byte) (tipengine.PaymentRequirements, error) {
	var prepared tipengine.PrepareResult
	if err := json.Unmarshal(raw, &prepared); err == nil && prepared.Requirements.Scheme != "" {
		return prepared.Requirements, nil
	}
	var requirements tipengine.PaymentRequirements
	if err := json.Unmarshal(raw, &requirements); err != nil {
		return requirements, fmt.Errorf("invalid payment requirements: %w", err)
	}
	if requirements.Scheme == "" {
		return requirements, fmt.Errorf("invalid payment requirements: missing scheme")
	}
	return requirements, nil
}
