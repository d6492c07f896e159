package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// NativeFeeToken is the zero address, which relays read as "the chain's native asset".
const NativeFeeToken = "0x0000000000000000000000000000000000000000"

type Config struct {
	Port                  int    `env:"PORT" envDefault:"8080"`
	DatabaseURL           string `env:"DATABASE_URL,required"`
	RedisURL              string `env:"REDIS_URL,required"`
	RelayURL              string `env:"RELAY_URL,required"`
	ChainRPCURL           string `env:"CHAIN_RPC_URL,required"`
	ChainID               uint64 `env:"CHAIN_ID,required"`
	DelegationTarget      string `env:"DELEGATION_TARGET"`
	PetGameAddress        string `env:"PET_GAME_ADDRESS"`
	FeeToken              string `env:"FEE_TOKEN" envDefault:"0x0000000000000000000000000000000000000000"`
	EncryptionKey         string `env:"ENCRYPTION_KEY,required"`
	APITokenHash          string `env:"API_TOKEN_HASH"`
	SessionTTLSeconds     int    `env:"SESSION_TTL_SECONDS" envDefault:"3600"`
	PollInitialIntervalMs int    `env:"POLL_INITIAL_INTERVAL_MS" envDefault:"2000"`
	PollMaxIntervalMs     int    `env:"POLL_MAX_INTERVAL_MS" envDefault:"20000"`
	PollTimeoutSeconds    int    `env:"POLL_TIMEOUT_SECONDS" envDefault:"60"`
	SubmitMaxAttempts     int    `env:"SUBMIT_MAX_ATTEMPTS" envDefault:"3"`
	SubmitRateLimitPerMin int    `env:"SUBMIT_RATE_LIMIT_PER_MIN" envDefault:"30"`
	LogLevel              string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

func (c *Config) PollInitialInterval() time.Duration {
	return time.Duration(c.PollInitialIntervalMs) * time.Millisecond
}

func (c *Config) PollMaxInterval() time.Duration {
	return time.Duration(c.PollMaxIntervalMs) * time.Millisecond
}

func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) FeeTokenAddress() common.Address {
	return common.HexToAddress(c.FeeToken)
}

func (c *Config) DelegationTargetAddress() common.Address {
	return common.HexToAddress(c.DelegationTarget)
}

// PetGame returns the game contract address, or false when none is configured.
func (c *Config) PetGame() (common.Address, bool) {
	if c.PetGameAddress == "" {
		return common.Address{}, false
	}
	return common.HexToAddress(c.PetGameAddress), true
}

func (c *Config) Validate(isProduction bool) error {
	key, err := hex.DecodeString(strings.TrimPrefix(c.EncryptionKey, "0x"))
	if err != nil || len(key) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be 32 bytes hex-encoded (generate with: openssl rand -hex 32)")
	}
	if c.ChainID == 0 {
		return fmt.Errorf("CHAIN_ID must be non-zero")
	}
	if c.DelegationTarget != "" && !common.IsHexAddress(c.DelegationTarget) {
		return fmt.Errorf("DELEGATION_TARGET must be a hex address")
	}
	if c.PetGameAddress != "" && !common.IsHexAddress(c.PetGameAddress) {
		return fmt.Errorf("PET_GAME_ADDRESS must be a hex address")
	}
	if !common.IsHexAddress(c.FeeToken) {
		return fmt.Errorf("FEE_TOKEN must be a hex address")
	}
	if c.PollInitialIntervalMs <= 0 || c.PollMaxIntervalMs < c.PollInitialIntervalMs {
		return fmt.Errorf("POLL_MAX_INTERVAL_MS must be >= POLL_INITIAL_INTERVAL_MS > 0")
	}
	if c.SubmitMaxAttempts < 1 {
		return fmt.Errorf("SUBMIT_MAX_ATTEMPTS must be at least 1")
	}

	if isProduction {
		if c.APITokenHash == "" {
			log.Warn().Msg("API_TOKEN_HASH is empty in production: wallet API is unauthenticated")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if c.DelegationTarget == "" {
			log.Warn().Msg("DELEGATION_TARGET is empty: delegation requests must name a target explicitly")
		}
		if c.FeeToken != NativeFeeToken {
			log.Warn().Str("feeToken", c.FeeToken).Msg("FEE_TOKEN is not the native asset marker")
		}
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
