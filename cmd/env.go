package cmd

import (
	"fmt"

	"github.com/joho/godotenv"

	"github.com/pullsight/internal/config"
)

// ConfigCheckResult holds the result of configuration validation
type ConfigCheckResult struct {
	Missing  []string          // Required settings that are missing
	Present  map[string]string // Settings that are set (masked values)
	Warnings []string          // Non-fatal warnings
}

// CheckRequiredConfig reports which settings of cfg are present. Secrets
// are masked.
func CheckRequiredConfig(cfg *config.Config) *ConfigCheckResult {
	result := &ConfigCheckResult{
		Missing:  []string{},
		Present:  make(map[string]string),
		Warnings: []string{},
	}

	required := map[string]string{
		"database.url":      cfg.Database.URL,
		"agent.pr_post_url": cfg.Agent.PRPostURL,
	}
	for k, v := range required {
		if v == "" {
			result.Missing = append(result.Missing, k)
		} else {
			result.Present[k] = maskSecret(v)
		}
	}

	optional := map[string]string{
		"agent.callback_token_hash": cfg.Agent.CallbackTokenHash,
		"github.private_key_path":   cfg.GitHub.PrivateKeyPath,
		"github.webhook_secret":     cfg.GitHub.WebhookSecret,
		"bitbucket.client_id":       cfg.Bitbucket.ClientID,
		"bitbucket.client_secret":   cfg.Bitbucket.ClientSecret,
		"bitbucket.webhook_secret":  cfg.Bitbucket.WebhookSecret,
	}
	for k, v := range optional {
		if v != "" {
			result.Present[k] = maskSecret(v)
		}
	}

	if cfg.GitHub.WebhookSecret == "" {
		result.Warnings = append(result.Warnings, "github webhook signatures are not verified")
	}
	if cfg.Agent.CallbackTokenHash == "" {
		result.Warnings = append(result.Warnings, "analysis callbacks accept unauthenticated requests")
	}
	if cfg.GitHub.AppID == 0 {
		result.Warnings = append(result.Warnings, "github app id not set; github pull requests cannot be fetched")
	}

	return result
}

// PrintConfigCheck prints the configuration check results
func PrintConfigCheck(result *ConfigCheckResult) {
	fmt.Println("=== Configuration Check ===")
	fmt.Println("")

	if len(result.Missing) > 0 {
		fmt.Println("❌ Missing required settings:")
		for _, v := range result.Missing {
			fmt.Printf("   - %s\n", v)
		}
		fmt.Println("")
	}

	if len(result.Present) > 0 {
		fmt.Println("✓ Configured settings:")
		for k, v := range result.Present {
			fmt.Printf("   - %s = %s\n", k, v)
		}
		fmt.Println("")
	}

	for _, w := range result.Warnings {
		fmt.Printf("⚠ Warning: %s\n", w)
	}

	if len(result.Missing) == 0 {
		fmt.Println("✓ All required configuration is present")
	}

	fmt.Println("============================")
}

// maskSecret masks a secret value for display, showing only first and last 2 chars
func maskSecret(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:2] + "****" + value[len(value)-2:]
}

// LoadEnvFile loads environment variables from a file, overwriting existing ones.
func LoadEnvFile(filename string) error {
	return godotenv.Overload(filename)
}
