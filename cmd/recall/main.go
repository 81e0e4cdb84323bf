package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/antoniostano/recall/internal/config"
)

var rootCmd = &cobra.Command{
	Use:          "recall",
	Short:        "Memory-augmented chat over a local model server",
	Long:         "recall remembers what each user tells it and grounds every reply on the most relevant memories.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies the flags shared by all commands.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("config error: %w", err)
	}
	if model, _ := cmd.Flags().GetString("model"); model != "" {
		cfg.LLMModel = model
	}
	if store, _ := cmd.Flags().GetString("store"); store != "" {
		cfg.VectorStore = store
	}
	if url, _ := cmd.Flags().GetString("ollama-url"); url != "" {
		cfg.OllamaBaseURL = url
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().String("model", "", "completion model (overrides LLM_MODEL)")
	rootCmd.PersistentFlags().String("store", "", "vector store: memory, qdrant, pgvector or chromem (overrides VECTOR_STORE)")
	rootCmd.PersistentFlags().String("ollama-url", "", "model server base URL (overrides OLLAMA_BASE_URL)")
}
