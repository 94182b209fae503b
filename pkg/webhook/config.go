package webhook

import (
	"encoding/hex"
	"fmt"
)

const (
	defaultAppIDKey       = "im_localid"
	defaultMaxLinkWorkers = 4

	// licenseMetadataKey is the subscription metadata key the license token
	// is written under.
	licenseMetadataKey = "im_license"

	// rolesMetadataKey is the product metadata field the role list is read from.
	rolesMetadataKey = "im_roles"

	// subIDMetadataKey marks setup intents originated from the change-card
	// flow and carries the subscription id to re-default.
	subIDMetadataKey = "subId"
)

// Config holds the receiver configuration.
type Config struct {
	// LiveMode must agree with the livemode flag of the events this receiver
	// is meant to process; cross-environment events are discarded.
	LiveMode bool

	// AppIDKey is the Stripe customer metadata key that carries the internal
	// user id back-reference. Default: "im_localid".
	AppIDKey string

	// LicenseSalt is the hex-encoded salt for license fingerprints. An
	// invalid encoding fails construction, not event processing.
	LicenseSalt string

	// WebhookSecret enables Stripe signature verification in the HTTP
	// transport when set. Leave empty when verification happens upstream
	// (e.g. at an API gateway).
	WebhookSecret string

	// MaxLinkWorkers bounds concurrent payment-method linking chains.
	// Default: 4.
	MaxLinkWorkers int

	// Logger is optional. If nil, logging is silently ignored.
	Logger Logger

	// Metrics is optional. If nil, metrics are silently ignored.
	// Use metrics/prometheus.NewMetrics(reg, namespace) for Prometheus.
	Metrics Metrics
}

// Validate checks the settings that must fail fast at startup rather than be
// swallowed per event.
func (c *Config) Validate() error {
	if _, err := hex.DecodeString(c.LicenseSalt); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSalt, err)
	}
	return nil
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.AppIDKey == "" {
		out.AppIDKey = defaultAppIDKey
	}
	if out.MaxLinkWorkers <= 0 {
		out.MaxLinkWorkers = defaultMaxLinkWorkers
	}
	if out.Logger == nil {
		out.Logger = &NoopLogger{}
	}
	if out.Metrics == nil {
		out.Metrics = &NoopMetrics{}
	}
	return out
}
