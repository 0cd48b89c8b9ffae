package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"evmoracle/crypto"
	"evmoracle/evmc"
	"evmoracle/evmc/evmctest"
)

func writeIdentity(t *testing.T, subject string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: subject}).SignedString([]byte("operator-secret"))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "operator.jwt")
	require.NoError(t, os.WriteFile(path, []byte(token+"\n"), 0o600))
	return path
}

func execute(t *testing.T, dial dialFunc, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, dial)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestGenerateWalletPrintsKeyMaterial(t *testing.T) {
	out, err := execute(t, dialEVM, "generate-wallet")
	require.NoError(t, err)
	match := regexp.MustCompile(`Private Key = ([0-9a-f]{64})\n  Public Key = ([0-9a-f]{66})\n  Address = (0x[0-9a-fA-F]{40})`).FindStringSubmatch(out)
	require.Len(t, match, 4, out)
	key, err := crypto.PrivateKeyFromHex(match[1])
	require.NoError(t, err)
	require.Equal(t, key.Address().Hex(), match[3])
	require.Equal(t, key.PublicKeyHex(), match[2])
}

func TestRegisterAgainstBackend(t *testing.T) {
	backend := evmctest.New(10)
	defer backend.Close()

	var endpoints []string
	dial := func(ctx context.Context, endpoint, token string) (*evmc.Client, error) {
		endpoints = append(endpoints, endpoint)
		require.NotEmpty(t, token)
		return backend.Client(), nil
	}
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	identityPath := writeIdentity(t, "operator-7")
	args := []string{"register", "-i", identityPath, "-e", "evmc-id", "-c", "oracle", "-k", key.Hex(), "-a", "500"}

	out, err := execute(t, dial, args...)
	require.NoError(t, err)
	require.Contains(t, out, "Registration succeeded")
	require.Contains(t, out, key.Address().Hex())
	require.Equal(t, "http://localhost:8000?canisterId=evmc-id", endpoints[0])
	addr, ok := backend.Registered("oracle")
	require.True(t, ok)
	require.Equal(t, key.Address(), addr)
	require.Equal(t, int64(500), backend.Balance(key.Address()).Int64())

	out, err = execute(t, dial, args...)
	require.NoError(t, err)
	require.Contains(t, out, "Already registered")
	require.Contains(t, out, "operator-7")
}

func TestRegisterRequiresKeyAndIdentity(t *testing.T) {
	_, err := execute(t, dialEVM, "register", "-c", "oracle", "-i", "missing.jwt")
	require.Error(t, err)

	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	_, err = execute(t, dialEVM, "register", "-c", "oracle", "-i", filepath.Join(t.TempDir(), "missing.jwt"), "-k", key.Hex())
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "read identity"))
}

func TestEndpointURL(t *testing.T) {
	cases := []struct {
		network, evm, want string
	}{
		{"local", "", "http://localhost:8000"},
		{"ic", "ryjl3-tyaaa", "https://ic0.app?canisterId=ryjl3-tyaaa"},
		{"http://127.0.0.1:4943/rpc", "abc", "http://127.0.0.1:4943/rpc?canisterId=abc"},
	}
	for _, tc := range cases {
		got, err := endpointURL(tc.network, tc.evm)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}
	_, err := endpointURL("mainnet", "")
	require.Error(t, err)
}
