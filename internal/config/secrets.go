package config

import (
	"maps"
	"strings"
)

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	out.Wallet = cfg.Wallet
	redact(&out.Wallet.PrivateKey)
	redact(&out.Wallet.KeyPassword)

	// RPC URLs carry provider keys in the path or query string.
	out.Chains = make([]ChainConfig, len(cfg.Chains))
	for i, ch := range cfg.Chains {
		ch.RPCURL = redactURL(ch.RPCURL)
		ch.NativeAliases = append([]string(nil), ch.NativeAliases...)
		out.Chains[i] = ch
	}
	out.Sources = make([]SourceConfig, len(cfg.Sources))
	for i, s := range cfg.Sources {
		s.URL = redactURL(s.URL)
		redactAuth(&s.Auth)
		s.Pools = copyMap(s.Pools)
		out.Sources[i] = s
	}
	out.Bridges = make([]BridgeConfig, len(cfg.Bridges))
	for i, b := range cfg.Bridges {
		b.URL = redactURL(b.URL)
		redactAuth(&b.Auth)
		out.Bridges[i] = b
	}

	out.Postgres = cfg.Postgres
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	out.Redis = cfg.Redis
	redact(&out.Redis.Password)

	out.S3 = cfg.S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	out.Server = cfg.Server
	redact(&out.Server.APIKey)

	out.Notify = cfg.Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices and maps so callers cannot mutate the original through the
	// redacted copy.
	if cfg.Notify.Events != nil {
		out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	}
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	}
	out.Detector.BasketWeights = copyMap(cfg.Detector.BasketWeights)
	out.Execution.DryRunBalances = copyMap(cfg.Execution.DryRunBalances)

	return out
}

const redacted = "***"

func redactAuth(a *AuthConfig) {
	redact(&a.APIKey)
	redact(&a.APISecret)
	redact(&a.Passphrase)
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

// redactURL keeps the scheme and host of an endpoint and hides the rest.
func redactURL(u string) string {
	if u == "" {
		return u
	}
	scheme, rest, ok := strings.Cut(u, "://")
	if !ok {
		return redacted
	}
	host, _, _ := strings.Cut(rest, "/")
	if at := strings.LastIndex(host, "@"); at >= 0 {
		host = host[at+1:]
	}
	host, _, _ = strings.Cut(host, "?")
	return scheme + "://" + host + "/" + redacted
}
