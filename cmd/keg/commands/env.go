package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/keg/pkg/conflict"
	"github.com/openfroyo/keg/pkg/formula"
	"github.com/openfroyo/keg/pkg/policy"
	"github.com/openfroyo/keg/pkg/stores"
	"github.com/openfroyo/keg/pkg/telemetry"
)

const symmetricPolicy = "symmetric-conflicts"

// openStore opens the registry, creating and migrating it on first use.
func openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if cfg.Database != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Database})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// registryExists reports whether a registry has been created under the root.
func registryExists() bool {
	if cfg.Database == ":memory:" {
		return false
	}
	_, err := os.Stat(cfg.Database)
	return err == nil
}

// installedRecords returns the registry snapshot without creating a
// registry that does not exist yet.
func installedRecords(ctx context.Context) ([]conflict.Record, error) {
	if !registryExists() {
		return nil, nil
	}
	store, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.InstalledRecords(ctx)
}

func newTelemetry() (*telemetry.Telemetry, error) {
	tel, err := telemetry.New(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	return tel, nil
}

func shutdownTelemetry(tel *telemetry.Telemetry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to flush telemetry")
	}
}

// newPolicyEngine loads the builtin policies plus the configured paths.
func newPolicyEngine(ctx context.Context, logger zerolog.Logger) (*policy.Engine, error) {
	engine, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.PolicyPaths) > 0 {
		if err := engine.LoadPolicies(ctx, cfg.PolicyPaths); err != nil {
			return nil, err
		}
	}
	if cfg.SymmetricConflicts {
		if err := engine.EnablePolicy(symmetricPolicy); err != nil {
			return nil, err
		}
	}
	return engine, nil
}

func newResolver() *conflict.Resolver {
	if cfg.SymmetricConflicts {
		return conflict.NewResolver(conflict.WithSymmetric())
	}
	return conflict.NewResolver()
}

func loadFormula(path string) (*formula.PackageSpec, error) {
	loader, err := formula.NewLoader()
	if err != nil {
		return nil, err
	}
	return loader.LoadFile(path)
}

// loadFormulaBytes parses src as the format implied by path.
func loadFormulaBytes(path string, src []byte) (*formula.PackageSpec, error) {
	loader, err := formula.NewLoader()
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return loader.LoadCUE(path, src)
	default:
		return loader.LoadYAML(path, src)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
