// Package webhook implements a Stripe webhook event receiver that reconciles
// billing lifecycle changes against an internal user record store, a product
// metadata cache, and the platform itself. Events arrive asynchronously,
// out of order, and at least once; every reconciliation routine is guarded so
// duplicates and replays are no-ops.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
)

// Dispatcher routes decoded events to reconciliation routines by event type
// and payload sub-mode. Instances are safe for concurrent use: each
// invocation runs on the calling goroutine and shares only the long-lived
// store, cache, and platform clients.
type Dispatcher struct {
	liveMode      bool
	appIDKey      string
	licenseSalt   string
	webhookSecret string

	users    UserStore
	products ProductCache
	platform PlatformClient
	linker   *PaymentMethodLinker

	logger  Logger
	metrics Metrics
}

// NewDispatcher creates an event dispatcher. Configuration problems (an
// invalid license salt, missing collaborators) fail here rather than being
// swallowed per event.
func NewDispatcher(cfg Config, users UserStore, products ProductCache, platform PlatformClient) (*Dispatcher, error) {
	if users == nil {
		return nil, fmt.Errorf("%w: user store is required", ErrNotConfigured)
	}
	if products == nil {
		return nil, fmt.Errorf("%w: product cache is required", ErrNotConfigured)
	}
	if platform == nil {
		return nil, fmt.Errorf("%w: platform client is required", ErrNotConfigured)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg = cfg.withDefaults()
	return &Dispatcher{
		liveMode:      cfg.LiveMode,
		appIDKey:      cfg.AppIDKey,
		licenseSalt:   cfg.LicenseSalt,
		webhookSecret: cfg.WebhookSecret,
		users:         users,
		products:      products,
		platform:      platform,
		linker:        NewPaymentMethodLinker(platform, cfg.Logger, cfg.MaxLinkWorkers),
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
	}, nil
}

// Linker exposes the payment-method linker, primarily so callers can Drain()
// in-flight chains at shutdown.
func (d *Dispatcher) Linker() *PaymentMethodLinker {
	return d.linker
}

// HandleEvent consumes one decoded event. It has side effects only and never
// panics past its boundary: every internal failure is caught, logged,
// counted, and the event is dropped. Retry, if desired, must come from the
// platform's redelivery mechanism, which this receiver deliberately does not
// trigger.
func (d *Dispatcher) HandleEvent(ctx context.Context, event *stripe.Event) {
	if event == nil {
		return
	}

	// Cross-environment noise: a test-mode receiver must ignore live events
	// and vice versa.
	if event.Livemode != d.liveMode {
		d.logger.Debug("dropping event from mismatched environment",
			Field{"eventId", event.ID}, Field{"livemode", event.Livemode})
		return
	}

	start := time.Now()
	eventType := string(event.Type)

	err := d.dispatch(ctx, event)
	switch {
	case err == nil:
		d.metrics.RecordWebhookEvent(eventType, "success")
	case errors.Is(err, ErrUndecodablePayload):
		d.logger.Error("unable to deserialize event object",
			Field{"eventId", event.ID}, Field{"eventType", eventType}, Field{"error", err.Error()})
		d.metrics.RecordWebhookEvent(eventType, "error")
		d.metrics.RecordWebhookError("deserialization_failed")
	default:
		d.logger.Error("event processing failed",
			Field{"eventId", event.ID}, Field{"eventType", eventType}, Field{"error", err.Error()})
		d.metrics.RecordWebhookEvent(eventType, "error")
		d.metrics.RecordWebhookError("processing_error")
	}

	d.metrics.RecordWebhookProcessingDuration(eventType, time.Since(start))
}

func (d *Dispatcher) dispatch(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "customer.created":
		var customer stripe.Customer
		if err := d.decodeObject(event, &customer); err != nil {
			return err
		}
		return d.customerCreated(ctx, &customer)

	case "customer.deleted":
		var customer stripe.Customer
		if err := d.decodeObject(event, &customer); err != nil {
			return err
		}
		return d.customerDeleted(ctx, &customer)

	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := d.decodeObject(event, &session); err != nil {
			return err
		}
		if session.Mode != stripe.CheckoutSessionModeSubscription {
			return nil
		}
		return d.checkoutCompleted(ctx, &session, event.Account)

	case "setup_intent.succeeded":
		var intent stripe.SetupIntent
		if err := d.decodeObject(event, &intent); err != nil {
			return err
		}
		return d.setupIntentSucceeded(ctx, &intent, event.Account)

	case "product.created", "product.updated":
		var product stripe.Product
		if err := d.decodeObject(event, &product); err != nil {
			return err
		}
		return d.productUpserted(ctx, &product, event.Account)

	case "product.deleted":
		var product stripe.Product
		if err := d.decodeObject(event, &product); err != nil {
			return err
		}
		return d.products.Evict(ctx, product.ID, event.Account)

	case "customer.subscription.trial_will_end",
		"customer.subscription.deleted",
		"invoice.upcoming",
		"invoice.payment_failed":
		// Reserved reconciliation hooks; nothing to do yet.
		return nil

	default:
		d.logger.Debug("unhandled stripe event", Field{"eventType", string(event.Type)})
		return nil
	}
}

// maxDecodeRepairs bounds how many mismatched fields a single payload may
// shed before it is declared unprocessable.
const maxDecodeRepairs = 8

// decodeObject resolves the event payload into v. The typed decode of the
// raw payload is tried first. The platform may emit payload shapes from API
// versions newer than the compiled schema; a field-level type mismatch then
// degrades to a partial decode where the offending field is dropped from the
// raw object and the decode retried, which is sufficient for the few fields
// each reconciliation reads. Anything else is unprocessable.
func (d *Dispatcher) decodeObject(event *stripe.Event, v interface{}) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return fmt.Errorf("%w: event %s carries no data object", ErrUndecodablePayload, event.ID)
	}

	raw := []byte(event.Data.Raw)
	for attempt := 0; attempt < maxDecodeRepairs; attempt++ {
		err := json.Unmarshal(raw, v)
		if err == nil {
			return nil
		}

		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			// TODO: persist the unserializable event for administrative intervention.
			return fmt.Errorf("%w: %v", ErrUndecodablePayload, err)
		}

		repaired, ok := dropField(raw, topLevelField(typeErr.Field))
		if !ok {
			return fmt.Errorf("%w: %v", ErrUndecodablePayload, err)
		}
		d.logger.Info("api version mismatch during event object deserialization",
			Field{"eventId", event.ID}, Field{"field", typeErr.Field})
		raw = repaired
	}
	return fmt.Errorf("%w: event %s exceeded the field repair limit", ErrUndecodablePayload, event.ID)
}

func topLevelField(path string) string {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i]
	}
	return path
}

// dropField removes one top-level field from a raw JSON object.
func dropField(raw []byte, name string) ([]byte, bool) {
	if name == "" {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, false
	}
	if _, ok := obj[name]; !ok {
		return nil, false
	}
	delete(obj, name)
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, false
	}
	return out, true
}

// customerCreated binds a new platform customer to the internal user with the
// same email and writes the internal user id back onto the customer.
func (d *Dispatcher) customerCreated(ctx context.Context, customer *stripe.Customer) error {
	user, err := d.users.FindByEmail(ctx, customer.Email)
	if errors.Is(err, ErrUserNotFound) {
		// A platform customer without an internal identity is routine
		// (e.g. a test customer), not an error.
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup user by email: %w", err)
	}

	// Make sure a customer id is not already assigned to the user. A replayed
	// event must not overwrite a correct binding or reassign a bound user.
	if user.StripeMetadata.CustomerID != "" {
		d.logger.Debug("user already bound to a customer",
			Field{"userId", user.ID}, Field{"customerId", user.StripeMetadata.CustomerID})
		return nil
	}

	sel := UserSelector{ID: user.ID, CustomerIDBlank: true}
	if err := d.users.Update(ctx, sel, UserFields{CustomerID: &customer.ID}); err != nil {
		return fmt.Errorf("bind customer id: %w", err)
	}

	// Back-reference the internal user id in the customer's metadata. The
	// internal write has already committed: a failure here is an accepted
	// inconsistency window, healed by the next sync or manual reconciliation.
	params := &stripe.CustomerUpdateParams{}
	params.AddMetadata(d.appIDKey, user.ID)
	if _, err := d.platform.UpdateCustomer(ctx, customer.ID, params, RequestContext{}); err != nil {
		d.logger.Warn("unable to assign local user id to customer metadata",
			Field{"userId", user.ID}, Field{"customerId", customer.ID}, Field{"error", err.Error()})
	}
	return nil
}

// customerDeleted clears the user's customer and account bindings so a later
// customer.created may legitimately rebind them. The user record itself is
// never deleted here.
func (d *Dispatcher) customerDeleted(ctx context.Context, customer *stripe.Customer) error {
	user, err := d.users.FindByEmail(ctx, customer.Email)
	if errors.Is(err, ErrUserNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup user by email: %w", err)
	}

	blank := ""
	fields := UserFields{CustomerID: &blank, AccountID: &blank}
	if err := d.users.Update(ctx, UserSelector{ID: user.ID}, fields); err != nil {
		return fmt.Errorf("clear customer binding: %w", err)
	}
	return nil
}

// checkoutCompleted handles subscription-mode checkout completions. Its two
// sub-steps are independent: the license write-back to the platform and the
// internal user binding must not be entangled by a shared control path.
func (d *Dispatcher) checkoutCompleted(ctx context.Context, session *stripe.CheckoutSession, accountID string) error {
	if accountID != "" {
		d.attachLicense(ctx, session, accountID)
	}

	userID := session.ClientReferenceID
	if userID == "" {
		d.logger.Debug("checkout session carries no client reference", Field{"sessionId", session.ID})
		return nil
	}

	user, err := d.users.FindByID(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup user by id: %w", err)
	}

	if user.StripeMetadata.CustomerID != "" {
		// Already bound; a replay must not rewrite the binding.
		return nil
	}

	customerID := ""
	if session.Customer != nil {
		customerID = session.Customer.ID
	}

	sel := UserSelector{ID: user.ID, CustomerIDBlank: true}
	fields := UserFields{CustomerID: &customerID, AccountID: &accountID}
	if err := d.users.Update(ctx, sel, fields); err != nil {
		return fmt.Errorf("bind checkout customer: %w", err)
	}
	return nil
}

// attachLicense computes the license token for the session's subscription and
// writes it into the subscription's metadata on the platform, scoped to the
// connected account. Failures are logged and contained so the user-binding
// sub-step always runs.
func (d *Dispatcher) attachLicense(ctx context.Context, session *stripe.CheckoutSession, accountID string) {
	subscriptionID := ""
	if session.Subscription != nil {
		subscriptionID = session.Subscription.ID
	}
	if subscriptionID == "" {
		return
	}

	token, err := Fingerprint(d.licenseSalt, subscriptionID)
	if err != nil {
		// The salt was validated at startup; hitting this means the
		// configuration changed underneath us.
		d.logger.Error("unable to fingerprint subscription",
			Field{"subscriptionId", subscriptionID}, Field{"error", err.Error()})
		return
	}

	rc := RequestContext{Account: accountID}
	if _, err := d.platform.RetrieveSubscription(ctx, subscriptionID, rc); err != nil {
		d.logger.Error("unable to add license to subscription",
			Field{"subscriptionId", subscriptionID}, Field{"error", err.Error()})
		return
	}

	params := &stripe.SubscriptionUpdateParams{}
	params.AddMetadata(licenseMetadataKey, token)
	if _, err := d.platform.UpdateSubscription(ctx, subscriptionID, params, rc); err != nil {
		d.logger.Error("unable to add license to subscription",
			Field{"subscriptionId", subscriptionID}, Field{"error", err.Error()})
	}
}

// setupIntentSucceeded hands qualifying setup intents to the payment-method
// linker. The routine returns as soon as the chain is scheduled.
func (d *Dispatcher) setupIntentSucceeded(ctx context.Context, intent *stripe.SetupIntent, accountID string) error {
	d.logger.Info("setup intent succeeded", Field{"intentId", intent.ID})

	if intent.Customer == nil || intent.PaymentMethod == nil {
		return nil
	}

	// Setting a subscription's default payment method emits further setup
	// intents. Only intents originated from the change-card flow carry the
	// subId marker; everything else is dropped here to break the recursion.
	subscriptionID, ok := intent.Metadata[subIDMetadataKey]
	if !ok {
		return nil
	}

	rc := RequestContext{Account: accountID}
	pm, err := d.platform.RetrievePaymentMethod(ctx, intent.PaymentMethod.ID, rc)
	if err != nil {
		return fmt.Errorf("retrieve payment method: %w", err)
	}

	d.linker.LinkAsync(intent.Customer.ID, subscriptionID, pm, rc)

	d.logger.Info("scheduled customer and subscription payment method update",
		Field{"intentId", intent.ID})
	return nil
}

func (d *Dispatcher) productUpserted(ctx context.Context, product *stripe.Product, accountID string) error {
	details := ProductDetails{
		Name:  product.Name,
		Roles: product.Metadata[rolesMetadataKey],
	}
	if err := d.products.Put(ctx, product.ID, accountID, details); err != nil {
		return fmt.Errorf("cache product details: %w", err)
	}
	return nil
}
