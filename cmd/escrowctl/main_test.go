package main

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"escrowcoord/core/engine"
	"escrowcoord/integrations/evm"
)

const tradeAddress = "0x00000000000000000000000000000000000000e1"

// tradeClient serves getTradeState for every call and emits no logs.
type tradeClient struct {
	status uint8
}

func (c *tradeClient) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	deadline := uint64(time.Now().Add(24 * time.Hour).Unix())
	return evm.TradeEscrowABI.Methods["getTradeState"].Outputs.Pack(
		c.status,
		common.HexToAddress("0xa1"),
		common.HexToAddress("0xb2"),
		common.HexToAddress("0xc3"),
		common.HexToAddress("0xd4"),
		uint8(18),
		uint8(6),
		big.NewInt(1_000_000),
		big.NewInt(3_000_000),
		deadline,
	)
}

func (c *tradeClient) FilterLogs(context.Context, ethereum.FilterQuery) ([]gethtypes.Log, error) {
	return nil, nil
}

func (c *tradeClient) BlockNumber(context.Context) (uint64, error) { return 120, nil }

func (c *tradeClient) TransactionReceipt(context.Context, common.Hash) (*gethtypes.Receipt, error) {
	return nil, ethereum.NotFound
}

func withClient(t *testing.T, client evm.Client) {
	t.Helper()
	prev := engineOptions
	engineOptions = func() engine.Options { return engine.Options{Client: client} }
	t.Cleanup(func() { engineOptions = prev })
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "escrow.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRunUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.Equal(t, 2, run(context.Background(), nil, &stdout, &stderr))
	require.Contains(t, stderr.String(), "Usage: escrowctl")

	stderr.Reset()
	require.Equal(t, 2, run(context.Background(), []string{"bogus"}, &stdout, &stderr))
	require.Contains(t, stderr.String(), "Commands:")
}

func TestPhaseCommand(t *testing.T) {
	withClient(t, &tradeClient{status: 0})
	cfgPath := filepath.Join(t.TempDir(), "escrow.toml")

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"phase", "-config", cfgPath, "-kind", "otc", "-address", tradeAddress}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	var out struct {
		Address     string `json:"address"`
		BlockNumber uint64 `json:"blockNumber"`
		Phase       struct {
			Name     string `json:"name"`
			Terminal bool   `json:"terminal"`
		} `json:"phase"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	require.Equal(t, common.HexToAddress(tradeAddress).Hex(), out.Address)
	require.Equal(t, uint64(120), out.BlockNumber)
	require.Equal(t, "awaiting_maker_lock", out.Phase.Name)
	require.False(t, out.Phase.Terminal)

	_, err := os.Stat(cfgPath)
	require.NoError(t, err, "default config should be written on first use")
}

func TestPhaseCommandRejectsBadTarget(t *testing.T) {
	withClient(t, &tradeClient{})
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"phase", "-kind", "otc", "-address", "nope"}, &stdout, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "escrowctl phase:")
	require.Empty(t, stdout.String())
}

func TestPriceCommandFallsBackToReference(t *testing.T) {
	withClient(t, &tradeClient{})
	cfgPath := writeConfig(t, `
[mirror]
Store = "memory"

[[oracle.pairs]]
Base = "WETH"
Quote = "USDC"
ReferencePrice = "3000"
`)
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"price", "-config", cfgPath, "-base", "weth", "-quote", "usdc"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	var out map[string]string
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	require.Equal(t, "WETH", out["base"])
	require.Equal(t, "fallback", out["source"])
	require.True(t, strings.HasPrefix(out["price"], "3000.0"))
	require.NotEmpty(t, out["warning"])
}

func TestPriceCommandRequiresPair(t *testing.T) {
	withClient(t, &tradeClient{})
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"price", "-base", "weth"}, &stdout, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "-base and -quote are required")
}

func TestWatchStopsOnTerminalRecord(t *testing.T) {
	withClient(t, &tradeClient{status: 3})
	cfgPath := filepath.Join(t.TempDir(), "escrow.toml")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var stdout, stderr bytes.Buffer
	code := run(ctx, []string{"watch", "-config", cfgPath, "-kind", "otc", "-address", tradeAddress}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	require.NoError(t, ctx.Err(), "watch should return once the escrow is terminal")

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	var last struct {
		Address  string `json:"address"`
		Status   uint8  `json:"status"`
		Terminal bool   `json:"terminal"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &last))
	require.True(t, last.Terminal)
	require.Equal(t, uint8(3), last.Status)
}

func TestWatchWithoutTargets(t *testing.T) {
	withClient(t, &tradeClient{})
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"watch", "-config", filepath.Join(t.TempDir(), "escrow.toml")}, &stdout, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "nothing to watch")
}
