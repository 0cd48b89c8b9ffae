package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"evmoracle/cmd/internal/passphrase"
	"evmoracle/core/identity"
	"evmoracle/crypto"
	"evmoracle/evmc"
	"evmoracle/observability/logging"
	"evmoracle/registration"
)

const (
	networkLocal = "local"
	networkIC    = "ic"

	passphraseEnv = "REGISTER_EVM_AGENT_PASSPHRASE"
)

// dialFunc connects to the EVM side, presenting token as bearer credential.
type dialFunc func(ctx context.Context, endpoint, token string) (*evmc.Client, error)

func dialEVM(ctx context.Context, endpoint, token string) (*evmc.Client, error) {
	var opts []rpc.ClientOption
	if token != "" {
		opts = append(opts, rpc.WithHeader("Authorization", "Bearer "+token))
	}
	rc, err := rpc.DialOptions(ctx, endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return evmc.NewClient(rc), nil
}

func newRootCmd(out io.Writer, dial dialFunc) *cobra.Command {
	root := &cobra.Command{
		Use:           "register-evm-agent",
		Short:         "Generate wallets and register them with the EVM side",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.AddCommand(newGenerateWalletCmd(), newRegisterCmd(dial))
	return root
}

func newGenerateWalletCmd() *cobra.Command {
	var keystorePath string
	cmd := &cobra.Command{
		Use:   "generate-wallet",
		Short: "Generate a new secp256k1 wallet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GeneratePrivateKey()
			if err != nil {
				return err
			}
			if keystorePath != "" {
				pass, err := passphrase.NewSource(passphraseEnv, "wallet keystore").Get()
				if err != nil {
					return err
				}
				if err := crypto.SaveToKeystore(keystorePath, key, pass); err != nil {
					return fmt.Errorf("save keystore: %w", err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wallet:\n  Private Key = %s\n  Public Key = %s\n  Address = %s\n",
				key.Hex(), key.PublicKeyHex(), key.Address().Hex())
			return nil
		},
	}
	cmd.Flags().StringVar(&keystorePath, "keystore", "", "also write the key to an encrypted keystore file")
	return cmd
}

type registerFlags struct {
	amountToMint uint64
	chainID      int64
	identityPath string
	evm          string
	network      string
	registrant   string
	key          string
	keystorePath string
	timeout      time.Duration
}

func newRegisterCmd(dial dialFunc) *cobra.Command {
	var f registerFlags
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a wallet as relay agent for a registrant",
		Long: `Register pays the registration fee from the wallet to the minter and binds
the wallet to the registrant on the EVM side.

Examples:
  $ register-evm-agent register -i operator.jwt -e evmc-id -c oracle-id -k <hex key>
  $ register-evm-agent register -i operator.jwt -e evmc-id -c oracle-id --keystore wallet.json -a 1000000 -n ic`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegister(cmd, f, dial)
		},
	}
	flags := cmd.Flags()
	flags.Uint64VarP(&f.amountToMint, "amount-to-mint", "a", 0, "amount of native tokens to mint to the wallet first (testnets only)")
	flags.Int64VarP(&f.chainID, "chain-id", "C", registration.DefaultChainID, "chain id")
	flags.StringVarP(&f.identityPath, "identity", "i", "", "path to the operator identity token (JWT)")
	flags.StringVarP(&f.evm, "evm", "e", "", "id of the EVM canister, sent as canisterId")
	flags.StringVarP(&f.network, "network", "n", networkLocal, "network: ic, local or a custom URL")
	flags.StringVarP(&f.registrant, "canister-id", "c", "", "identity of the canister to register")
	flags.StringVarP(&f.key, "key", "k", "", "wallet signing key, hex encoded")
	flags.StringVar(&f.keystorePath, "keystore", "", "encrypted keystore holding the wallet key")
	flags.DurationVar(&f.timeout, "timeout", 2*time.Minute, "overall deadline for the registration")
	_ = cmd.MarkFlagRequired("identity")
	_ = cmd.MarkFlagRequired("canister-id")
	cmd.MarkFlagsMutuallyExclusive("key", "keystore")
	cmd.MarkFlagsOneRequired("key", "keystore")
	return cmd
}

func runRegister(cmd *cobra.Command, f registerFlags, dial dialFunc) error {
	wallet, err := loadWallet(f)
	if err != nil {
		return err
	}
	token, operator, err := readIdentity(f.identityPath)
	if err != nil {
		return err
	}
	endpoint, err := endpointURL(f.network, f.evm)
	if err != nil {
		return err
	}
	logger := logging.SetupWriter(cmd.ErrOrStderr(), "register-evm-agent", "")

	ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
	defer cancel()
	logger.Info("initializing agent", slog.String("endpoint", endpoint))
	client, err := dial(ctx, endpoint, token)
	if err != nil {
		return err
	}
	defer client.Close()

	opts := registration.Options{
		Registry:   client,
		Wallet:     wallet,
		ChainID:    big.NewInt(f.chainID),
		Registrant: f.registrant,
		Operator:   operator,
		Logger:     logger,
	}
	if cmd.Flags().Changed("amount-to-mint") {
		opts.AmountToMint = uint256.NewInt(f.amountToMint)
	}
	svc, err := registration.New(ctx, opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	err = svc.Register(ctx)
	var already *registration.AlreadyRegisteredError
	switch {
	case err == nil:
		fmt.Fprintf(out, "Registration succeeded:\n  Wallet Address = %s\n  Registrant = %s\n", wallet.Address().Hex(), f.registrant)
		return nil
	case errors.As(err, &already):
		fmt.Fprintf(out, "Already registered:\n  Wallet Address = %s\n  Operator = %s\n", wallet.Address().Hex(), already.Operator)
		return nil
	default:
		return err
	}
}

func loadWallet(f registerFlags) (*crypto.PrivateKey, error) {
	if f.keystorePath != "" {
		pass, err := passphrase.NewSource(passphraseEnv, "wallet keystore").Get()
		if err != nil {
			return nil, err
		}
		return crypto.LoadFromKeystore(f.keystorePath, pass)
	}
	return crypto.PrivateKeyFromHex(f.key)
}

// readIdentity loads the operator token. The subject names the operator; the
// token itself is verified by the EVM side, not here.
func readIdentity(path string) (string, identity.Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("read identity: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", "", fmt.Errorf("parse identity: %w", err)
	}
	operator, err := identity.Parse(claims.Subject)
	if err != nil {
		return "", "", fmt.Errorf("identity subject: %w", err)
	}
	return token, operator, nil
}

// endpointURL resolves the network name and attaches the EVM canister id.
func endpointURL(network, evm string) (string, error) {
	base := strings.TrimSpace(network)
	switch base {
	case networkLocal:
		base = "http://localhost:8000"
	case networkIC:
		base = "https://ic0.app"
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("invalid network %q", network)
	}
	if evm = strings.TrimSpace(evm); evm != "" {
		q := parsed.Query()
		q.Set("canisterId", evm)
		parsed.RawQuery = q.Encode()
	}
	return parsed.String(), nil
}
