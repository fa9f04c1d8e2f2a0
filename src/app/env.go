package app

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/Blackdeer1524/PageStore/src/pkg/common"
)

const (
	EnvDev  = "dev"
	EnvProd = "prod"

	envPrefix = "PAGESTORE"
)

// EnvVars is read from PAGESTORE_* variables, for example
// PAGESTORE_STORE_DIR or PAGESTORE_FLUSH_THRESHOLD.
type EnvVars struct {
	Environment string `envconfig:"ENV" default:"dev"`

	StoreDir  string `envconfig:"STORE_DIR" default:"data"`
	MinPageID uint64 `envconfig:"MIN_PAGE_ID" default:"10"`
	MaxPageID uint64 `envconfig:"MAX_PAGE_ID" default:"59"`

	FlushThreshold int  `envconfig:"FLUSH_THRESHOLD" default:"5"`
	SyncWrites     bool `envconfig:"SYNC_WRITES" default:"true"`
	// bytes of page payload kept in the read cache, 0 disables it
	PageCacheSize int64 `envconfig:"PAGE_CACHE_SIZE" default:"65536"`
	// 0 disables the periodic flusher
	FlushInterval time.Duration `envconfig:"FLUSH_INTERVAL" default:"0s"`

	Clients         int           `envconfig:"CLIENTS" default:"5"`
	MaxWritesPerTxn int           `envconfig:"WRITES_PER_TXN" default:"10"`
	ThinkTime       time.Duration `envconfig:"THINK_TIME" default:"100ms"`
	Duration        time.Duration `envconfig:"DURATION" default:"2s"`
}

func (e EnvVars) PageRange() common.PageRange {
	return common.PageRange{
		Min: common.PageID(e.MinPageID),
		Max: common.PageID(e.MaxPageID),
	}
}

func (e EnvVars) Validate() error {
	if e.Environment != EnvDev && e.Environment != EnvProd {
		return fmt.Errorf("unknown environment %q", e.Environment)
	}
	if e.PageRange().Size() == 0 {
		return fmt.Errorf("empty page range [%d, %d]", e.MinPageID, e.MaxPageID)
	}
	if e.FlushThreshold < 0 {
		return fmt.Errorf("negative flush threshold %d", e.FlushThreshold)
	}
	if e.StoreDir == "" {
		return errors.New("store directory is not set")
	}
	return nil
}

// LoadEnv reads .env files if any and then the process environment.
// Variables already set in the environment win over .env entries.
func LoadEnv(files ...string) (EnvVars, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return EnvVars{}, fmt.Errorf("failed to load .env: %w", err)
	}

	var env EnvVars
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return EnvVars{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	return env, nil
}
