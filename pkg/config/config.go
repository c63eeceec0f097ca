package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Flags holds parsed command-line flag values and which were set.
type Flags struct {
	Addr   string
	DB     string
	Config string
	Set    map[string]bool
}

// Effective is the merged flags+env+file configuration used by the running
// server. Precedence: explicit flags > environment > config file.
type Effective struct {
	Config *Config
	Addr   string
	DBPath string
	Source string // "flags", "env", "config" or "defaults"
}

// ParseFlags parses command-line flags.
func ParseFlags() Flags {
	addrPtr := flag.String("addr", ":8080", "HTTP listen address")
	dbPtr := flag.String("db", "./.chatsync", "Pebble DB path")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return Flags{Addr: *addrPtr, DB: *dbPtr, Config: *cfgPtr, Set: set}
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// applyEnv overlays CHATSYNC_* environment variables onto cfg and reports
// whether any were used.
func applyEnv(cfg *Config) bool {
	used := false
	if v := os.Getenv("CHATSYNC_ADDR"); v != "" {
		used = true
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = v
		}
	}
	if v := os.Getenv("CHATSYNC_DB_PATH"); v != "" {
		used = true
		cfg.Server.DBPath = v
	}
	if v := os.Getenv("CHATSYNC_JWT_SECRET"); v != "" {
		used = true
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("CHATSYNC_LOG_LEVEL"); v != "" {
		used = true
		cfg.Logging.Level = strings.ToLower(v)
	}
	return used
}

// LoadEffective merges the config file (if present), environment overrides
// and explicit flags into the effective configuration.
func LoadEffective(flags Flags) (Effective, error) {
	cfg := &Config{}
	source := "defaults"

	cfgPath := flags.Config
	if env := os.Getenv("CHATSYNC_CONFIG"); env != "" && !flags.Set["config"] {
		cfgPath = env
	}
	if cfgPath != "" {
		loaded, err := Load(cfgPath)
		switch {
		case err == nil:
			cfg = loaded
			source = "config"
		case os.IsNotExist(err) && !flags.Set["config"]:
			// default path absent is fine
		default:
			return Effective{}, err
		}
	}

	if applyEnv(cfg) {
		source = "env"
	}

	addr := cfg.Addr()
	if flags.Set["addr"] {
		addr = flags.Addr
		source = "flags"
	} else if cfg.Server.Address == "" && cfg.Server.Port == 0 {
		addr = flags.Addr
	}

	dbPath := cfg.Server.DBPath
	if flags.Set["db"] || dbPath == "" {
		dbPath = flags.DB
	}

	return Effective{Config: cfg, Addr: addr, DBPath: dbPath, Source: source}, nil
}
