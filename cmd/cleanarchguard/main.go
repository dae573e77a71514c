package main

import (
	"errors"
	"flag"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/roblaszczak/go-cleanarch/cleanarch"
	"gopkg.in/yaml.v3"
)

type config struct {
	Version           int      `yaml:"version"`
	Root              string   `yaml:"root"`
	IgnoreTests       bool     `yaml:"ignore_tests"`
	IgnorePackages    []string `yaml:"ignore_packages"`
	AllowedViolations []string `yaml:"allow_violations"`
	Aliases           struct {
		Domain         []string `yaml:"domain"`
		Application    []string `yaml:"application"`
		Interfaces     []string `yaml:"interfaces"`
		Infrastructure []string `yaml:"infrastructure"`
	} `yaml:"aliases"`
}

func main() {
	var (
		configPath = flag.String("config", ".gocleanarch.yml", "path to the layering config")
		debug      = flag.Bool("debug", false, "enable go-cleanarch debug logging")
	)

	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("could not read config: %v\n", err)
	}

	root, err := resolveRoot(cfg.Root)
	if err != nil {
		log.Fatalf("could not resolve root: %v\n", err)
	}

	aliases := map[string]cleanarch.Layer{}
	applyAliases(aliases, cfg.Aliases.Domain, defaultDomainAliases, cleanarch.LayerDomain)
	applyAliases(aliases, cfg.Aliases.Application, defaultApplicationAliases, cleanarch.LayerApplication)
	applyAliases(aliases, cfg.Aliases.Interfaces, defaultInterfacesAliases, cleanarch.LayerInterfaces)
	applyAliases(aliases, cfg.Aliases.Infrastructure, defaultInfrastructureAliases, cleanarch.LayerInfrastructure)

	if *debug {
		cleanarch.Log.SetOutput(os.Stderr)
	}

	validator := cleanarch.NewValidator(aliases)

	ok, errs, err := validator.Validate(root, cfg.IgnoreTests, cfg.IgnorePackages)
	if err != nil {
		log.Fatalf("go-cleanarch failed: %v\n", err)
	}

	filtered := filterValidationErrors(errs, cfg)
	if !ok && len(filtered) > 0 {
		for _, validationErr := range filtered {
			log.Println(validationErr.Error())
		}
		log.Println("layering check failed.")
		os.Exit(1)
	}

	log.Println("layering check passed.")
}

func loadConfig(path string) (*config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if cfg.Root == "" {
		cfg.Root = "."
	}

	return cfg, nil
}

func resolveRoot(root string) (string, error) {
	if root == "" {
		return "", errors.New("root must not be empty")
	}
	return filepath.Abs(root)
}

// Defaults mirror the registry module layout: domain aggregates stay free of
// service, persistence and controller imports.
var (
	defaultDomainAliases         = []string{"domain", "aggregates", "entities"}
	defaultApplicationAliases    = []string{"services"}
	defaultInterfacesAliases     = []string{"presentation", "controllers"}
	defaultInfrastructureAliases = []string{"infrastructure", "persistence"}
)

func applyAliases(dst map[string]cleanarch.Layer, custom []string, defaults []string, layer cleanarch.Layer) {
	candidates := defaults
	if len(custom) > 0 {
		candidates = custom
	}

	for _, alias := range candidates {
		if alias == "" {
			continue
		}
		dst[alias] = layer
	}
}

func filterValidationErrors(errs []cleanarch.ValidationError, cfg *config) []cleanarch.ValidationError {
	if len(errs) == 0 {
		return nil
	}

	allowedPatterns := make([]string, 0, len(cfg.AllowedViolations))
	for _, pattern := range cfg.AllowedViolations {
		if pattern != "" {
			allowedPatterns = append(allowedPatterns, pattern)
		}
	}

	filtered := make([]cleanarch.ValidationError, 0, len(errs))
	for _, validationErr := range errs {
		if containsAllowedPattern(validationErr.Error(), allowedPatterns) {
			continue
		}
		filtered = append(filtered, validationErr)
	}

	return filtered
}

func containsAllowedPattern(msg string, patterns []string) bool {
	if len(patterns) == 0 {
		return false
	}
	for _, pattern := range patterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
