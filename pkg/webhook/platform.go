package webhook

import (
	"context"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
)

// RequestContext scopes a single outbound platform call. A non-empty Account
// routes the call to that connected account; the zero value targets the
// platform account itself. Request contexts are built per call and never
// persisted or logged.
type RequestContext struct {
	Account string
}

func (rc RequestContext) apply(p *stripe.Params) {
	if rc.Account != "" {
		p.StripeAccount = stripe.String(rc.Account)
	}
}

// PlatformClient is the outbound boundary to the payment platform. Every
// operation takes a RequestContext for optional connected-account scoping.
type PlatformClient interface {
	RetrieveCustomer(ctx context.Context, id string, rc RequestContext) (*stripe.Customer, error)
	UpdateCustomer(ctx context.Context, id string, params *stripe.CustomerUpdateParams, rc RequestContext) (*stripe.Customer, error)

	RetrieveSubscription(ctx context.Context, id string, rc RequestContext) (*stripe.Subscription, error)
	UpdateSubscription(ctx context.Context, id string, params *stripe.SubscriptionUpdateParams, rc RequestContext) (*stripe.Subscription, error)

	RetrievePaymentMethod(ctx context.Context, id string, rc RequestContext) (*stripe.PaymentMethod, error)
	AttachPaymentMethod(ctx context.Context, id, customerID string, rc RequestContext) (*stripe.PaymentMethod, error)
}

// platformClient implements PlatformClient on the Stripe client. Outbound
// timeouts are the Stripe transport's own; no extra deadline is applied here.
type platformClient struct {
	client  *stripe.Client
	metrics Metrics
}

// NewPlatformClient creates a PlatformClient backed by the Stripe API.
func NewPlatformClient(apiKey string, metrics Metrics) (PlatformClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrNotConfigured
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &platformClient{
		client:  stripe.NewClient(strings.TrimSpace(apiKey)),
		metrics: metrics,
	}, nil
}

func (p *platformClient) observe(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordPlatformCall(operation, status)
	p.metrics.RecordPlatformCallDuration(operation, time.Since(start))
}

func (p *platformClient) RetrieveCustomer(ctx context.Context, id string, rc RequestContext) (*stripe.Customer, error) {
	params := &stripe.CustomerRetrieveParams{}
	rc.apply(&params.Params)
	start := time.Now()
	cust, err := p.client.V1Customers.Retrieve(ctx, id, params)
	p.observe("customer.retrieve", start, err)
	return cust, err
}

func (p *platformClient) UpdateCustomer(ctx context.Context, id string, params *stripe.CustomerUpdateParams, rc RequestContext) (*stripe.Customer, error) {
	if params == nil {
		params = &stripe.CustomerUpdateParams{}
	}
	rc.apply(&params.Params)
	start := time.Now()
	cust, err := p.client.V1Customers.Update(ctx, id, params)
	p.observe("customer.update", start, err)
	return cust, err
}

func (p *platformClient) RetrieveSubscription(ctx context.Context, id string, rc RequestContext) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionRetrieveParams{}
	rc.apply(&params.Params)
	start := time.Now()
	sub, err := p.client.V1Subscriptions.Retrieve(ctx, id, params)
	p.observe("subscription.retrieve", start, err)
	return sub, err
}

func (p *platformClient) UpdateSubscription(ctx context.Context, id string, params *stripe.SubscriptionUpdateParams, rc RequestContext) (*stripe.Subscription, error) {
	if params == nil {
		params = &stripe.SubscriptionUpdateParams{}
	}
	rc.apply(&params.Params)
	start := time.Now()
	sub, err := p.client.V1Subscriptions.Update(ctx, id, params)
	p.observe("subscription.update", start, err)
	return sub, err
}

func (p *platformClient) RetrievePaymentMethod(ctx context.Context, id string, rc RequestContext) (*stripe.PaymentMethod, error) {
	params := &stripe.PaymentMethodRetrieveParams{}
	rc.apply(&params.Params)
	start := time.Now()
	pm, err := p.client.V1PaymentMethods.Retrieve(ctx, id, params)
	p.observe("payment_method.retrieve", start, err)
	return pm, err
}

func (p *platformClient) AttachPaymentMethod(ctx context.Context, id, customerID string, rc RequestContext) (*stripe.PaymentMethod, error) {
	params := &stripe.PaymentMethodAttachParams{
		Customer: stripe.String(customerID),
	}
	rc.apply(&params.Params)
	start := time.Now()
	pm, err := p.client.V1PaymentMethods.Attach(ctx, id, params)
	p.observe("payment_method.attach", start, err)
	return pm, err
}
