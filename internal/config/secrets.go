package config

import "fmt"

// RedactedConfig returns a copy of cfg with secrets replaced by "***", for
// logging.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Ledger.APIKey)
	redact(&out.Attestation.PrivateKey)
	redact(&out.Attestation.KeyPassword)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// API keys are the map keys; only the user ids survive.
	if cfg.Identity.APIKeys != nil {
		out.Identity.APIKeys = make(map[string]string, len(cfg.Identity.APIKeys))
		i := 0
		for _, user := range cfg.Identity.APIKeys {
			out.Identity.APIKeys[fmt.Sprintf("%s%d", redacted, i)] = user
			i++
		}
	}
	return out
}

const redacted = "***"

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
