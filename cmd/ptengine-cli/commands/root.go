package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"ptengine/lib/configutil"
	"ptengine/lib/ruleset"
	"ptengine/lib/site"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ptengine-cli",
	Short: "ptengine-cli searches tracker sites and queries account info from their rule definitions.",
}

var dumpDir *string

func init() {
	dumpDir = rootCmd.PersistentFlags().String("dump-dir", "", "Write every HTTP exchange to this directory for rule debugging.")
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Config is the CLI's own configuration, read from config.json5 with a
// config.local.json5 overlay.
type Config struct {
	DefinitionsDir string            `json:"definitions_dir"`
	SchemasDir     string            `json:"schemas_dir"`
	Cookies        map[string]string `json:"cookies"`
	Cloudflare     []string          `json:"cloudflare_bypass"`
}

func readConfig() (Config, error) {
	cfg, err := configutil.ReadConfig[Config]("config.json5")
	if os.IsNotExist(err) {
		return Config{DefinitionsDir: "definitions", SchemasDir: "schemas"}, nil
	}
	if err != nil {
		return Config{}, err
	}
	if cfg.DefinitionsDir == "" {
		cfg.DefinitionsDir = "definitions"
	}
	if cfg.SchemasDir == "" {
		cfg.SchemasDir = "schemas"
	}
	return cfg, nil
}

// loadSite reads the named site definition, resolves its schema defaults
// layer (if the definition declares one) and builds the site object.
func loadSite(name string) (*site.Site, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}

	definition, err := ruleset.LoadLayer(filepath.Join(cfg.DefinitionsDir, name+".json5"))
	if err != nil {
		return nil, err
	}

	var schemaDefaults map[string]any
	if schema, ok := definition["schema"].(string); ok && schema != "" {
		path := filepath.Join(cfg.SchemasDir, schema+".json5")
		if _, statErr := os.Stat(path); statErr == nil {
			schemaDefaults, err = ruleset.LoadLayer(path)
			if err != nil {
				return nil, err
			}
		}
	}

	bypass := false
	for _, s := range cfg.Cloudflare {
		if s == name {
			bypass = true
		}
	}

	return site.New(site.Options{
		SchemaDefaults:   schemaDefaults,
		Definition:       definition,
		Cookie:           cfg.Cookies[name],
		CloudflareBypass: bypass,
		DumpDir:          *dumpDir,
	}), nil
}
