package chain

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wrapbridge/engine/internal/types"
	"github.com/wrapbridge/engine/pkg/ethutil"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

var (
	wbtcToken = common.HexToAddress("0x2222222222222222222222222222222222222222")
	adapter   = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

// fakeEVM serves ERC20 reads, records sent transactions and returns scripted receipts
type fakeEVM struct {
	mu         sync.Mutex
	erc20      abi.ABI
	balances   map[common.Address]*big.Int
	allowances map[common.Address]*big.Int // owner -> allowance for any spender
	nonce      uint64
	sendErr    error
	sent       []*ethtypes.Transaction
	receipt    *ethtypes.Receipt
	head       uint64
}

func newFakeEVM(t *testing.T) *fakeEVM {
	parsed, err := abi.JSON(strings.NewReader(ethutil.ERC20ABI))
	require.NoError(t, err)
	return &fakeEVM{
		erc20:      parsed,
		balances:   map[common.Address]*big.Int{},
		allowances: map[common.Address]*big.Int{},
	}
}

func (f *fakeEVM) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	method, err := f.erc20.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	var source map[common.Address]*big.Int
	switch method.Name {
	case "balanceOf":
		source = f.balances
	case "allowance":
		source = f.allowances
	}
	value, ok := source[args[0].(common.Address)]
	if !ok {
		value = big.NewInt(0)
	}
	return method.Outputs.Pack(value)
}

func (f *fakeEVM) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeEVM) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeEVM) SendTransaction(_ context.Context, tx *ethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeEVM) TransactionReceipt(context.Context, common.Hash) (*ethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receipt == nil {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func (f *fakeEVM) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeEVM) set(fn func(f *fakeEVM)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func newSignedEVM(t *testing.T) (*EVMClient, *fakeEVM, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	auth, err := ethutil.NewTransactor(big.NewInt(1), key)
	require.NoError(t, err)

	backend := newFakeEVM(t)
	client := NewEVMClient(backend, map[types.Asset]common.Address{types.AssetWBTC: wbtcToken}, testLogger(),
		WithSigner(auth), WithReceiptPollInterval(5*time.Millisecond))
	return client, backend, auth.From
}

func TestEVMClientReads(t *testing.T) {
	ctx := context.Background()
	client, backend, owner := newSignedEVM(t)
	backend.balances[owner] = big.NewInt(5_000_000)
	backend.allowances[owner] = big.NewInt(1_000_000)

	bal, err := client.GetBalance(ctx, owner.Hex(), types.AssetWBTC)
	require.NoError(t, err)
	assert.Equal(t, "0.05", bal.String())

	allowance, err := client.Allowance(ctx, owner.Hex(), adapter.Hex(), types.AssetWBTC)
	require.NoError(t, err)
	assert.Equal(t, "0.01", allowance.String())

	_, err = client.GetBalance(ctx, owner.Hex(), types.AssetWZEC)
	assert.ErrorIs(t, err, types.ErrUnsupportedPair)

	_, err = client.GetBalance(ctx, "not-an-address", types.AssetWBTC)
	assert.ErrorIs(t, err, types.ErrInvalidAddress)
}

func TestEVMClientSendApproval(t *testing.T) {
	ctx := context.Background()

	t.Run("sends with sequential nonces", func(t *testing.T) {
		client, backend, owner := newSignedEVM(t)
		backend.nonce = 4

		first, err := client.SendApproval(ctx, owner.Hex(), adapter.Hex(), types.AssetWBTC, decimal.RequireFromString("0.05"))
		require.NoError(t, err)
		second, err := client.SendApproval(ctx, owner.Hex(), adapter.Hex(), types.AssetWBTC, decimal.RequireFromString("0.05"))
		require.NoError(t, err)

		require.Len(t, backend.sent, 2)
		assert.Equal(t, backend.sent[0].Hash().Hex(), first)
		assert.Equal(t, backend.sent[1].Hash().Hex(), second)
		assert.Equal(t, uint64(4), backend.sent[0].Nonce())
		assert.Equal(t, uint64(5), backend.sent[1].Nonce())
		assert.Equal(t, wbtcToken, *backend.sent[0].To())
	})

	t.Run("signer must control owner", func(t *testing.T) {
		client, _, _ := newSignedEVM(t)
		_, err := client.SendApproval(ctx, adapter.Hex(), adapter.Hex(), types.AssetWBTC, decimal.RequireFromString("1"))
		assert.ErrorIs(t, err, types.ErrUserRejected)
	})

	t.Run("no signer", func(t *testing.T) {
		client := NewEVMClient(newFakeEVM(t), map[types.Asset]common.Address{types.AssetWBTC: wbtcToken}, testLogger())
		_, err := client.SendApproval(ctx, adapter.Hex(), adapter.Hex(), types.AssetWBTC, decimal.RequireFromString("1"))
		assert.ErrorIs(t, err, types.ErrUserRejected)
	})

	t.Run("send failures", func(t *testing.T) {
		client, backend, owner := newSignedEVM(t)
		backend.sendErr = errors.New("insufficient funds for gas")
		_, err := client.SendApproval(ctx, owner.Hex(), adapter.Hex(), types.AssetWBTC, decimal.RequireFromString("1"))
		assert.ErrorIs(t, err, types.ErrChainError)

		backend.set(func(f *fakeEVM) { f.sendErr = errors.New("User rejected the request") })
		_, err = client.SendApproval(ctx, owner.Hex(), adapter.Hex(), types.AssetWBTC, decimal.RequireFromString("1"))
		assert.ErrorIs(t, err, types.ErrUserRejected)
	})
}

func TestEVMClientWatchConfirmations(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, backend, _ := newSignedEVM(t)
	hash := common.HexToHash("0xabc").Hex()

	_, err := client.WatchConfirmations(ctx, "0x123", types.AssetWBTC)
	assert.ErrorIs(t, err, types.ErrValidation)

	stream, err := client.WatchConfirmations(ctx, hash, types.AssetWBTC)
	require.NoError(t, err)

	backend.set(func(f *fakeEVM) {
		f.receipt = &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100)}
		f.head = 100
	})
	conf := <-stream
	assert.Equal(t, uint64(1), conf.Count)
	assert.Equal(t, uint64(100), conf.BlockHeight)

	backend.set(func(f *fakeEVM) { f.head = 102 })
	conf = <-stream
	assert.Equal(t, uint64(3), conf.Count)

	backend.set(func(f *fakeEVM) { f.receipt = &ethtypes.Receipt{Status: ethtypes.ReceiptStatusFailed, BlockNumber: big.NewInt(101)} })
	conf = <-stream
	assert.Error(t, conf.Err)
	_, open := <-stream
	assert.False(t, open)
}

// fakeNode answers listunspent and getrawtransaction
type fakeNode struct {
	mu            sync.Mutex
	unspent       string
	confirmations uint64
	tip           int64
	lastMethod    string
}

func (f *fakeNode) RawRequest(method string, _ []json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastMethod = method
	return json.RawMessage(f.unspent), nil
}

func (f *fakeNode) GetRawTransactionVerbose(*chainhash.Hash) (*btcjson.TxRawResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &btcjson.TxRawResult{Confirmations: f.confirmations}, nil
}

func (f *fakeNode) GetBlockCount() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tip, nil
}

func (f *fakeNode) set(fn func(f *fakeNode)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func TestUTXOClientBalance(t *testing.T) {
	node := &fakeNode{unspent: `[{"txid":"aa","amount":0.03,"confirmations":1},{"txid":"bb","amount":0.02,"confirmations":0}]`}
	client := NewUTXOClient(types.AssetBTC, node, time.Millisecond, testLogger())

	bal, err := client.GetBalance(context.Background(), "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", types.AssetBTC)
	require.NoError(t, err)
	assert.Equal(t, "0.05", bal.String())
	assert.Equal(t, "listunspent", node.lastMethod)

	_, err = client.GetBalance(context.Background(), "t1Hxw6JqWMnhDK5jRCieg5bFHM2qt7UtQvu", types.AssetZEC)
	assert.ErrorIs(t, err, types.ErrUnsupportedPair)

	_, err = client.Allowance(context.Background(), "a", "b", types.AssetBTC)
	assert.ErrorIs(t, err, types.ErrUnsupportedPair)
}

func TestUTXOClientWatchConfirmations(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	node := &fakeNode{confirmations: 2, tip: 801}
	client := NewUTXOClient(types.AssetBCH, node, 5*time.Millisecond, testLogger())

	_, err := client.WatchConfirmations(ctx, "zz", types.AssetBCH)
	assert.ErrorIs(t, err, types.ErrValidation)

	stream, err := client.WatchConfirmations(ctx, strings.Repeat("ab", 32), types.AssetBCH)
	require.NoError(t, err)

	conf := <-stream
	assert.Equal(t, uint64(2), conf.Count)
	assert.Equal(t, uint64(800), conf.BlockHeight)

	node.set(func(f *fakeNode) { f.confirmations = 0 })
	conf = <-stream
	assert.Error(t, conf.Err)
}

func TestRouter(t *testing.T) {
	ctx := context.Background()
	evm, backend, owner := newSignedEVM(t)
	backend.balances[owner] = big.NewInt(100_000_000)
	node := &fakeNode{unspent: `[{"txid":"aa","amount":0.5}]`}
	router := NewRouter(evm, map[types.Asset]Client{
		types.AssetBTC: NewUTXOClient(types.AssetBTC, node, time.Millisecond, testLogger()),
	})

	wrapped, err := router.GetBalance(ctx, owner.Hex(), types.AssetWBTC)
	require.NoError(t, err)
	assert.Equal(t, "1", wrapped.String())

	native, err := router.GetBalance(ctx, "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", types.AssetBTC)
	require.NoError(t, err)
	assert.Equal(t, "0.5", native.String())

	_, err = router.GetBalance(ctx, "t1Hxw6JqWMnhDK5jRCieg5bFHM2qt7UtQvu", types.AssetZEC)
	assert.ErrorIs(t, err, types.ErrTransientNetwork)

	_, err = router.Allowance(ctx, owner.Hex(), adapter.Hex(), types.AssetBTC)
	assert.ErrorIs(t, err, types.ErrUnsupportedPair)

	_, err = NewRouter(nil, nil).GetBalance(ctx, owner.Hex(), types.AssetWBTC)
	assert.ErrorIs(t, err, types.ErrTransientNetwork)
}

func TestNonceManager(t *testing.T) {
	ctx := context.Background()
	backend := newFakeEVM(t)
	backend.nonce = 10
	nm := NewNonceManager(backend)
	addr := common.HexToAddress("0x1234567890123456789012345678901234567890")

	var wg sync.WaitGroup
	seen := make(chan uint64, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := nm.Next(ctx, addr)
			assert.NoError(t, err)
			seen <- n
		}()
	}
	wg.Wait()
	close(seen)

	unique := map[uint64]bool{}
	for n := range seen {
		unique[n] = true
	}
	assert.Len(t, unique, 20)
	assert.True(t, unique[10])
	assert.True(t, unique[29])

	backend.set(func(f *fakeEVM) { f.nonce = 50 })
	nm.Resync(addr)
	n, err := nm.Next(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), n)
}
