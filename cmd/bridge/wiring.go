package main

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/wrapbridge/engine/internal/allowance"
	"github.com/wrapbridge/engine/internal/chain"
	"github.com/wrapbridge/engine/internal/config"
	"github.com/wrapbridge/engine/internal/ledger"
	"github.com/wrapbridge/engine/internal/storage/file"
	"github.com/wrapbridge/engine/internal/storage/memory"
	"github.com/wrapbridge/engine/internal/storage/postgres"
	"github.com/wrapbridge/engine/internal/types"
	"github.com/wrapbridge/engine/pkg/ethutil"
)

// openStore returns the ledger store selected by STORAGE_DRIVER and a func releasing it
func openStore(ctx context.Context, cfg *config.Config) (ledger.Store, func(), error) {
	switch cfg.StorageDriver {
	case "memory":
		return memory.NewStore(), func() {}, nil
	case "file":
		store, err := file.Open(cfg.StoragePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	case "postgres":
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := postgres.NewStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
}

// buildChain connects the target chain and every configured native node
func buildChain(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (*chain.Router, error) {
	var evm chain.Client
	if cfg.EVMRPCURL != "" {
		tokens := make(map[types.Asset]common.Address)
		for _, family := range config.Networks {
			if family.TokenAddress == "" {
				logger.Warnf("⚠️  No token address for %s, its balance and allowance reads will fail", family.Wrapped)
				continue
			}
			token, err := types.ToEVMAddress(family.TokenAddress)
			if err != nil {
				return nil, fmt.Errorf("%s token: %w", family.Wrapped, err)
			}
			tokens[family.Wrapped] = token
			if _, err := config.GetAdapterAddress(family.Wrapped); err != nil {
				logger.Warnf("⚠️  %v", err)
			}
		}

		var opts []chain.EVMOption
		if cfg.EVMPrivateKey != "" {
			key, err := ethutil.ParsePrivateKey(cfg.EVMPrivateKey)
			if err != nil {
				return nil, err
			}
			auth, err := ethutil.NewTransactor(new(big.Int).SetUint64(cfg.EVMChainID), key)
			if err != nil {
				return nil, err
			}
			opts = append(opts, chain.WithSigner(auth))
			logger.Infof("🔑 Approvals will be signed by %s", auth.From.Hex())
		}
		client, err := chain.DialEVM(ctx, cfg.EVMRPCURL, tokens, logger, opts...)
		if err != nil {
			return nil, err
		}
		evm = client
		logger.Infof("📡 Connected to target chain at %s", cfg.EVMRPCURL)
	}

	nodes := make(map[types.Asset]chain.Client)
	for asset, family := range config.Networks {
		if family.RPCHost == "" {
			continue
		}
		node, err := chain.DialUTXO(family, logger)
		if err != nil {
			return nil, err
		}
		nodes[asset] = node
		logger.Infof("📡 Connected to %s node at %s", asset, family.RPCHost)
	}
	return chain.NewRouter(evm, nodes), nil
}

// allowanceCache shares allowance reads through Redis when REDIS_ADDR is set
func allowanceCache(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (allowance.Cache, func(), error) {
	if cfg.RedisAddr == "" {
		return allowance.NewMemoryCache(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
	}
	logger.Infof("🗄️  Allowance cache in redis at %s", cfg.RedisAddr)
	return allowance.NewRedisCache(client), func() { client.Close() }, nil
}
