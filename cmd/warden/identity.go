package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jkaninda/warden/internal/identity"
)

var (
	identityPublicKey string
	identityKeyFile   string
	identityMeta      []string
	identityOut       string
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage agent identities",
}

var identityRegisterCmd = &cobra.Command{
	Use:   "register <agent-id>",
	Short: "Register an agent, optionally bound to an Ed25519 public key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pub := identityPublicKey
		if identityKeyFile != "" {
			kp, err := identity.LoadPrivateKey(identityKeyFile)
			if err != nil {
				return err
			}
			pub = kp.PublicKeyHex()
		}
		meta, err := parseMetadata(identityMeta)
		if err != nil {
			return err
		}
		return withShared(cmd, func(ctx context.Context, sc *SharedComponents) error {
			id, err := sc.Identities.Register(ctx, args[0], pub, meta)
			if err != nil {
				return err
			}
			return printJSON(id)
		})
	},
}

var identityKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 keypair and print the public key",
	RunE: func(_ *cobra.Command, _ []string) error {
		if identityOut == "" {
			return fmt.Errorf("--out is required")
		}
		if _, err := os.Stat(identityOut); err == nil {
			return fmt.Errorf("%s already exists", identityOut)
		}
		kp, err := identity.GenerateKeyPair()
		if err != nil {
			return err
		}
		if err := kp.SavePrivateKey(identityOut); err != nil {
			return fmt.Errorf("writing key file: %w", err)
		}
		fmt.Println(kp.PublicKeyHex())
		return nil
	},
}

var identityVerifyCmd = &cobra.Command{
	Use:   "verify <agent-id>",
	Short: "Verify an agent, signing a fresh challenge with --key-file when given",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var signature, challenge string
		if identityKeyFile != "" {
			kp, err := identity.LoadPrivateKey(identityKeyFile)
			if err != nil {
				return err
			}
			nonce := make([]byte, 16)
			if _, err := rand.Read(nonce); err != nil {
				return fmt.Errorf("generating challenge: %w", err)
			}
			challenge = hex.EncodeToString(nonce)
			signature = kp.SignChallenge(challenge)
		}
		return withShared(cmd, func(ctx context.Context, sc *SharedComponents) error {
			res := sc.Identities.Verify(ctx, args[0], signature, challenge)
			if err := printJSON(res); err != nil {
				return err
			}
			if !res.Verified {
				return fmt.Errorf("verification failed: %s", res.Reason)
			}
			return nil
		})
	},
}

var identityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withShared(cmd, func(ctx context.Context, sc *SharedComponents) error {
			ids, err := sc.Identities.List(ctx)
			if err != nil {
				return err
			}
			return printJSON(ids)
		})
	},
}

func init() {
	identityRegisterCmd.Flags().StringVar(&identityPublicKey, "public-key", "", "hex-encoded Ed25519 public key")
	identityRegisterCmd.Flags().StringVar(&identityKeyFile, "key-file", "", "PEM private key file to derive the public key from")
	identityRegisterCmd.Flags().StringArrayVar(&identityMeta, "meta", nil, "metadata as key=value (repeatable)")
	identityRegisterCmd.MarkFlagsMutuallyExclusive("public-key", "key-file")

	identityKeygenCmd.Flags().StringVar(&identityOut, "out", "", "path of the private key file to create")

	identityVerifyCmd.Flags().StringVar(&identityKeyFile, "key-file", "", "PEM private key file to sign the challenge with")

	identityCmd.AddCommand(identityRegisterCmd, identityKeygenCmd, identityVerifyCmd, identityListCmd)
}

func parseMetadata(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --meta %q, expected key=value", p)
		}
		meta[k] = v
	}
	return meta, nil
}
