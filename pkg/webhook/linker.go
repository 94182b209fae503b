package webhook

import (
	"context"

	"github.com/stripe/stripe-go/v83"
	"golang.org/x/sync/errgroup"
)

// PaymentMethodLinker runs the three-step payment-method workflow: attach the
// method to the customer, set it as the subscription's default, set it as the
// customer's default invoice payment method. The steps run strictly in order
// but each is best-effort - a failed attach may have partially succeeded or
// be redundant, so later steps still run. There is no compensating rollback;
// silent partial completion is left to manual reconciliation.
type PaymentMethodLinker struct {
	platform PlatformClient
	logger   Logger
	inflight *errgroup.Group
}

// NewPaymentMethodLinker creates a linker whose asynchronous chains run on a
// bounded worker group of maxWorkers goroutines.
func NewPaymentMethodLinker(platform PlatformClient, logger Logger, maxWorkers int) *PaymentMethodLinker {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxLinkWorkers
	}
	g := &errgroup.Group{}
	g.SetLimit(maxWorkers)
	return &PaymentMethodLinker{
		platform: platform,
		logger:   logger,
		inflight: g,
	}
}

// LinkAsync schedules the linking chain and returns without waiting for it.
// When all workers are busy the call blocks until one frees up, which applies
// backpressure instead of unbounded goroutine growth. Failures inside the
// chain are contained and logged; they never propagate to the caller.
func (l *PaymentMethodLinker) LinkAsync(customerID, subscriptionID string, pm *stripe.PaymentMethod, rc RequestContext) {
	l.inflight.Go(func() error {
		// The inbound request context ends when the webhook is acknowledged,
		// so the chain runs on its own context and relies on the platform
		// client's transport timeouts.
		l.Link(context.Background(), customerID, subscriptionID, pm, rc)
		return nil
	})
}

// Drain blocks until every scheduled chain has finished. Call it at shutdown
// so in-flight chains are not aborted mid-sequence by process termination.
func (l *PaymentMethodLinker) Drain() {
	// Chains contain their own failures; the group error is always nil.
	_ = l.inflight.Wait()
}

// Link runs the chain synchronously.
func (l *PaymentMethodLinker) Link(ctx context.Context, customerID, subscriptionID string, pm *stripe.PaymentMethod, rc RequestContext) {
	l.attachToCustomer(ctx, customerID, pm, rc)
	l.setSubscriptionDefault(ctx, subscriptionID, pm, rc)
	l.setCustomerDefault(ctx, customerID, pm, rc)
}

func (l *PaymentMethodLinker) attachToCustomer(ctx context.Context, customerID string, pm *stripe.PaymentMethod, rc RequestContext) {
	l.logger.Debug("attaching payment method to customer",
		Field{"paymentMethodId", pm.ID}, Field{"customerId", customerID})

	if _, err := l.platform.AttachPaymentMethod(ctx, pm.ID, customerID, rc); err != nil {
		l.logger.Warn("unable to attach payment method to customer",
			Field{"paymentMethodId", pm.ID}, Field{"customerId", customerID}, Field{"error", err.Error()})
	}
}

func (l *PaymentMethodLinker) setSubscriptionDefault(ctx context.Context, subscriptionID string, pm *stripe.PaymentMethod, rc RequestContext) {
	l.logger.Debug("setting default payment method on subscription",
		Field{"paymentMethodId", pm.ID}, Field{"subscriptionId", subscriptionID})

	sub, err := l.platform.RetrieveSubscription(ctx, subscriptionID, rc)
	if err != nil {
		l.logger.Warn("unable to retrieve subscription for payment method update",
			Field{"subscriptionId", subscriptionID}, Field{"error", err.Error()})
		return
	}

	params := &stripe.SubscriptionUpdateParams{
		DefaultPaymentMethod: stripe.String(pm.ID),
	}
	if _, err := l.platform.UpdateSubscription(ctx, sub.ID, params, rc); err != nil {
		l.logger.Warn("unable to set default payment method on subscription",
			Field{"subscriptionId", sub.ID}, Field{"error", err.Error()})
	}
}

func (l *PaymentMethodLinker) setCustomerDefault(ctx context.Context, customerID string, pm *stripe.PaymentMethod, rc RequestContext) {
	l.logger.Debug("setting default invoice payment method on customer",
		Field{"paymentMethodId", pm.ID}, Field{"customerId", customerID})

	cust, err := l.platform.RetrieveCustomer(ctx, customerID, rc)
	if err != nil {
		l.logger.Warn("unable to retrieve customer for payment method update",
			Field{"customerId", customerID}, Field{"error", err.Error()})
		return
	}

	params := &stripe.CustomerUpdateParams{
		InvoiceSettings: &stripe.CustomerUpdateInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(pm.ID),
		},
	}
	if _, err := l.platform.UpdateCustomer(ctx, cust.ID, params, rc); err != nil {
		l.logger.Warn("unable to set default invoice payment method on customer",
			Field{"customerId", cust.ID}, Field{"error", err.Error()})
	}
}
