package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/driftlock/llmgate/internal/server"
	"github.com/spf13/viper"
)

// Version information - set during build.
var (
	version   = "dev"
	commitSHA = "unknown"
	buildTime = "unknown"
)

func main() {
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("llmgate version %s\n", version)
		fmt.Printf("Commit: %s\n", commitSHA)
		fmt.Printf("Built: %s\n", buildTime)
		os.Exit(0)
	}

	config, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	srv, err := server.NewServer(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create server: %v\n", err)
		os.Exit(1)
	}

	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start server: %v\n", err)
		os.Exit(1)
	}

	srv.WaitForShutdown()
}

// loadConfig loads configuration from file and environment variables.
func loadConfig(configFile string) (*server.Config, error) {
	viper.SetConfigFile(configFile)
	viper.SetConfigType("yaml")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("LLMGATE")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		fmt.Println("Config file not found, using defaults")
	}

	var config server.Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// setDefaults sets sensible default values for configuration.
func setDefaults() {
	viper.SetDefault("gateway.host", "127.0.0.1")
	viper.SetDefault("gateway.port", 8080)
	viper.SetDefault("gateway.read_timeout", 30*time.Second)
	viper.SetDefault("gateway.write_timeout", 120*time.Second)
	viper.SetDefault("gateway.idle_timeout", 60*time.Second)
	viper.SetDefault("gateway.shutdown_timeout", 10*time.Second)

	viper.SetDefault("auth.token_store_path", "tokens.json")

	viper.SetDefault("observability.logging.level", "info")
	viper.SetDefault("observability.logging.format", "json")
	viper.SetDefault("observability.logging.development", true)

	viper.SetDefault("observability.metrics.enabled", false)
	viper.SetDefault("observability.metrics.port", 9090)
	viper.SetDefault("observability.metrics.path", "/metrics")

	viper.SetDefault("observability.tracing.enabled", false)
	viper.SetDefault("observability.tracing.service_name", "llmgate")
	viper.SetDefault("observability.tracing.environment", "development")

	viper.SetDefault("providers.openai.enabled", false)
	viper.SetDefault("providers.openai.api_endpoint", "https://api.openai.com")
	viper.SetDefault("providers.gemini.enabled", false)
	viper.SetDefault("providers.gemini.api_endpoint", "https://generativelanguage.googleapis.com")
}
