package webhook_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stripe/stripe-go/v83"

	"github.com/gskaplan/imweb-stripe-webhook/pkg/webhook"
	"github.com/gskaplan/imweb-stripe-webhook/storage/memory"
)

const (
	testSalt      = "00ff10"
	testUserID    = "64a1f0b2c3d4e5f601234567"
	testEmail     = "a@b.com"
	testCustomer  = "cus_123"
	testAccount   = "acct_9"
	testSubID     = "sub_42"
	testAppIDKey  = "im_localid"
	testSessionID = "cs_test_1"
)

// trackingUsers wraps the memory store to count writes.
type trackingUsers struct {
	*memory.UserStore
	mu      sync.Mutex
	updates int
}

func (t *trackingUsers) Update(ctx context.Context, sel webhook.UserSelector, fields webhook.UserFields) error {
	t.mu.Lock()
	t.updates++
	t.mu.Unlock()
	return t.UserStore.Update(ctx, sel, fields)
}

func (t *trackingUsers) updateCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.updates
}

// fakePlatform is an in-memory PlatformClient that records every call in
// order and can be told to fail specific operations.
type fakePlatform struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error

	customerUpdates     map[string]*stripe.CustomerUpdateParams
	subscriptionUpdates map[string]*stripe.SubscriptionUpdateParams
	attachedTo          map[string]string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		fail:                make(map[string]error),
		customerUpdates:     make(map[string]*stripe.CustomerUpdateParams),
		subscriptionUpdates: make(map[string]*stripe.SubscriptionUpdateParams),
		attachedTo:          make(map[string]string),
	}
}

func (f *fakePlatform) step(op string) error {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	err := f.fail[op]
	f.mu.Unlock()
	return err
}

func (f *fakePlatform) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakePlatform) RetrieveCustomer(_ context.Context, id string, _ webhook.RequestContext) (*stripe.Customer, error) {
	if err := f.step("customer.retrieve"); err != nil {
		return nil, err
	}
	return &stripe.Customer{ID: id}, nil
}

func (f *fakePlatform) UpdateCustomer(_ context.Context, id string, params *stripe.CustomerUpdateParams, _ webhook.RequestContext) (*stripe.Customer, error) {
	if err := f.step("customer.update"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.customerUpdates[id] = params
	f.mu.Unlock()
	return &stripe.Customer{ID: id}, nil
}

func (f *fakePlatform) RetrieveSubscription(_ context.Context, id string, _ webhook.RequestContext) (*stripe.Subscription, error) {
	if err := f.step("subscription.retrieve"); err != nil {
		return nil, err
	}
	return &stripe.Subscription{ID: id}, nil
}

func (f *fakePlatform) UpdateSubscription(_ context.Context, id string, params *stripe.SubscriptionUpdateParams, _ webhook.RequestContext) (*stripe.Subscription, error) {
	if err := f.step("subscription.update"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.subscriptionUpdates[id] = params
	f.mu.Unlock()
	return &stripe.Subscription{ID: id}, nil
}

func (f *fakePlatform) RetrievePaymentMethod(_ context.Context, id string, _ webhook.RequestContext) (*stripe.PaymentMethod, error) {
	if err := f.step("payment_method.retrieve"); err != nil {
		return nil, err
	}
	return &stripe.PaymentMethod{ID: id}, nil
}

func (f *fakePlatform) AttachPaymentMethod(_ context.Context, id, customerID string, _ webhook.RequestContext) (*stripe.PaymentMethod, error) {
	if err := f.step("payment_method.attach"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.attachedTo[id] = customerID
	f.mu.Unlock()
	return &stripe.PaymentMethod{ID: id}, nil
}

// fakeMetrics counts error types for assertions on drop paths.
type fakeMetrics struct {
	webhook.NoopMetrics
	mu     sync.Mutex
	errors map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{errors: make(map[string]int)}
}

func (m *fakeMetrics) RecordWebhookError(errorType string) {
	m.mu.Lock()
	m.errors[errorType]++
	m.mu.Unlock()
}

type fixture struct {
	users    *trackingUsers
	products *memory.ProductCache
	platform *fakePlatform
	metrics  *fakeMetrics
	d        *webhook.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	users := &trackingUsers{UserStore: memory.NewUserStore()}
	products := memory.NewProductCache()
	platform := newFakePlatform()
	metrics := newFakeMetrics()

	d, err := webhook.NewDispatcher(webhook.Config{
		LiveMode:    true,
		LicenseSalt: testSalt,
		Metrics:     metrics,
	}, users, products, platform)
	if err != nil {
		t.Fatalf("Failed to create dispatcher: %v", err)
	}

	return &fixture{users: users, products: products, platform: platform, metrics: metrics, d: d}
}

func (f *fixture) seedUser(customerID string) {
	f.users.Add(webhook.UserRecord{
		ID:    testUserID,
		Email: testEmail,
		StripeMetadata: webhook.StripeMetadata{
			CustomerID: customerID,
		},
	})
}

func makeEvent(t *testing.T, eventType string, livemode bool, account string, payload interface{}) *stripe.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal payload: %v", err)
	}
	return &stripe.Event{
		ID:       "evt_test_1",
		Type:     stripe.EventType(eventType),
		Livemode: livemode,
		Account:  account,
		Data:     &stripe.EventData{Raw: raw},
	}
}

func TestNewDispatcher_Validation(t *testing.T) {
	users := memory.NewUserStore()
	products := memory.NewProductCache()
	platform := newFakePlatform()

	t.Run("invalid salt", func(t *testing.T) {
		_, err := webhook.NewDispatcher(webhook.Config{LicenseSalt: "not-hex"}, users, products, platform)
		if err == nil {
			t.Fatal("Expected error for invalid salt")
		}
	})

	t.Run("missing user store", func(t *testing.T) {
		_, err := webhook.NewDispatcher(webhook.Config{}, nil, products, platform)
		if err == nil {
			t.Fatal("Expected error for nil user store")
		}
	})

	t.Run("missing product cache", func(t *testing.T) {
		_, err := webhook.NewDispatcher(webhook.Config{}, users, nil, platform)
		if err == nil {
			t.Fatal("Expected error for nil product cache")
		}
	})

	t.Run("missing platform client", func(t *testing.T) {
		_, err := webhook.NewDispatcher(webhook.Config{}, users, products, nil)
		if err == nil {
			t.Fatal("Expected error for nil platform client")
		}
	})
}

func TestHandleEvent_LivemodeMismatch(t *testing.T) {
	f := newFixture(t)
	f.seedUser("")

	// Receiver is livemode; test-mode event must be discarded untouched.
	event := makeEvent(t, "customer.created", false, "", &stripe.Customer{ID: testCustomer, Email: testEmail})
	f.d.HandleEvent(context.Background(), event)

	if got := f.users.updateCount(); got != 0 {
		t.Errorf("Expected no store writes, got %d", got)
	}
	if calls := f.platform.callLog(); len(calls) != 0 {
		t.Errorf("Expected no platform calls, got %v", calls)
	}
}

func TestCustomerCreated_BindsAndBackReferences(t *testing.T) {
	f := newFixture(t)
	f.seedUser("")

	event := makeEvent(t, "customer.created", true, "", &stripe.Customer{ID: testCustomer, Email: testEmail})
	f.d.HandleEvent(context.Background(), event)

	user, err := f.users.FindByID(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if user.StripeMetadata.CustomerID != testCustomer {
		t.Errorf("Expected customerId %q, got %q", testCustomer, user.StripeMetadata.CustomerID)
	}

	params := f.platform.customerUpdates[testCustomer]
	if params == nil {
		t.Fatal("Expected a customer metadata back-reference update")
	}
	if params.Metadata[testAppIDKey] != testUserID {
		t.Errorf("Expected metadata %s=%s, got %v", testAppIDKey, testUserID, params.Metadata)
	}
}

func TestCustomerCreated_ReplayIsNoop(t *testing.T) {
	f := newFixture(t)
	f.seedUser("")

	event := makeEvent(t, "customer.created", true, "", &stripe.Customer{ID: testCustomer, Email: testEmail})
	f.d.HandleEvent(context.Background(), event)
	f.d.HandleEvent(context.Background(), event)

	if got := f.users.updateCount(); got != 1 {
		t.Errorf("Expected exactly one store write, got %d", got)
	}
	if calls := f.platform.callLog(); len(calls) != 1 {
		t.Errorf("Expected exactly one platform call, got %v", calls)
	}
}

func TestCustomerCreated_AlreadyBoundIsNoop(t *testing.T) {
	f := newFixture(t)
	f.seedUser("cus_existing")

	event := makeEvent(t, "customer.created", true, "", &stripe.Customer{ID: testCustomer, Email: testEmail})
	f.d.HandleEvent(context.Background(), event)

	user, _ := f.users.FindByID(context.Background(), testUserID)
	if user.StripeMetadata.CustomerID != "cus_existing" {
		t.Errorf("Binding was overwritten: %q", user.StripeMetadata.CustomerID)
	}
	if got := f.users.updateCount(); got != 0 {
		t.Errorf("Expected no store writes, got %d", got)
	}
}

func TestCustomerCreated_UnknownEmail(t *testing.T) {
	f := newFixture(t)

	event := makeEvent(t, "customer.created", true, "", &stripe.Customer{ID: testCustomer, Email: "nobody@example.com"})
	f.d.HandleEvent(context.Background(), event)

	if got := f.users.updateCount(); got != 0 {
		t.Errorf("Expected no store writes for unknown email, got %d", got)
	}
	if calls := f.platform.callLog(); len(calls) != 0 {
		t.Errorf("Expected no platform calls, got %v", calls)
	}
}

func TestCustomerCreated_BackReferenceFailureKeepsBinding(t *testing.T) {
	f := newFixture(t)
	f.seedUser("")
	f.platform.fail["customer.update"] = errPlatformDown

	event := makeEvent(t, "customer.created", true, "", &stripe.Customer{ID: testCustomer, Email: testEmail})
	f.d.HandleEvent(context.Background(), event)

	// The internal write committed before the back-reference attempt; the
	// failed platform write is a warning, not a rollback.
	user, _ := f.users.FindByID(context.Background(), testUserID)
	if user.StripeMetadata.CustomerID != testCustomer {
		t.Errorf("Expected binding to survive back-reference failure, got %q", user.StripeMetadata.CustomerID)
	}
}

func TestCustomerDeleted_ClearsBindingAndAllowsRebind(t *testing.T) {
	f := newFixture(t)
	f.users.Add(webhook.UserRecord{
		ID:    testUserID,
		Email: testEmail,
		StripeMetadata: webhook.StripeMetadata{
			CustomerID: testCustomer,
			AccountID:  testAccount,
		},
	})

	deleted := makeEvent(t, "customer.deleted", true, "", &stripe.Customer{ID: testCustomer, Email: testEmail})
	f.d.HandleEvent(context.Background(), deleted)

	user, _ := f.users.FindByID(context.Background(), testUserID)
	if user.StripeMetadata.CustomerID != "" || user.StripeMetadata.AccountID != "" {
		t.Fatalf("Expected cleared binding, got %+v", user.StripeMetadata)
	}

	// A later creation event may legitimately rebind.
	created := makeEvent(t, "customer.created", true, "", &stripe.Customer{ID: "cus_new", Email: testEmail})
	f.d.HandleEvent(context.Background(), created)

	user, _ = f.users.FindByID(context.Background(), testUserID)
	if user.StripeMetadata.CustomerID != "cus_new" {
		t.Errorf("Expected rebind to cus_new, got %q", user.StripeMetadata.CustomerID)
	}
}

func checkoutSession(mode string) map[string]interface{} {
	return map[string]interface{}{
		"id":                  testSessionID,
		"mode":                mode,
		"client_reference_id": testUserID,
		"customer":            map[string]interface{}{"id": testCustomer},
		"subscription":        map[string]interface{}{"id": testSubID},
	}
}

func TestCheckoutCompleted_BindsUserAndWritesLicense(t *testing.T) {
	f := newFixture(t)
	f.seedUser("")

	event := makeEvent(t, "checkout.session.completed", true, testAccount, checkoutSession("subscription"))
	f.d.HandleEvent(context.Background(), event)

	user, _ := f.users.FindByID(context.Background(), testUserID)
	if user.StripeMetadata.CustomerID != testCustomer {
		t.Errorf("Expected customerId %q, got %q", testCustomer, user.StripeMetadata.CustomerID)
	}
	if user.StripeMetadata.AccountID != testAccount {
		t.Errorf("Expected accountId %q, got %q", testAccount, user.StripeMetadata.AccountID)
	}

	params := f.platform.subscriptionUpdates[testSubID]
	if params == nil {
		t.Fatal("Expected a subscription license update")
	}
	want, err := webhook.Fingerprint(testSalt, testSubID)
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}
	if params.Metadata["im_license"] != want {
		t.Errorf("Expected im_license %q, got %v", want, params.Metadata)
	}
}

func TestCheckoutCompleted_NonSubscriptionModeIgnored(t *testing.T) {
	f := newFixture(t)
	f.seedUser("")

	event := makeEvent(t, "checkout.session.completed", true, testAccount, checkoutSession("payment"))
	f.d.HandleEvent(context.Background(), event)

	if got := f.users.updateCount(); got != 0 {
		t.Errorf("Expected no store writes, got %d", got)
	}
	if calls := f.platform.callLog(); len(calls) != 0 {
		t.Errorf("Expected no platform calls, got %v", calls)
	}
}

func TestCheckoutCompleted_ReplayIsNoop(t *testing.T) {
	f := newFixture(t)
	f.seedUser("")

	event := makeEvent(t, "checkout.session.completed", true, "", checkoutSession("subscription"))
	f.d.HandleEvent(context.Background(), event)
	f.d.HandleEvent(context.Background(), event)

	if got := f.users.updateCount(); got != 1 {
		t.Errorf("Expected exactly one binding write, got %d", got)
	}
}

func TestCheckoutCompleted_LicenseFailureDoesNotBlockBinding(t *testing.T) {
	f := newFixture(t)
	f.seedUser("")
	f.platform.fail["subscription.retrieve"] = errPlatformDown

	event := makeEvent(t, "checkout.session.completed", true, testAccount, checkoutSession("subscription"))
	f.d.HandleEvent(context.Background(), event)

	// The two sub-steps are independent: the failed license write must not
	// prevent the user binding.
	user, _ := f.users.FindByID(context.Background(), testUserID)
	if user.StripeMetadata.CustomerID != testCustomer {
		t.Errorf("Expected binding despite license failure, got %q", user.StripeMetadata.CustomerID)
	}
}

func setupIntent(withCustomer, withPaymentMethod, withMarker bool) map[string]interface{} {
	intent := map[string]interface{}{"id": "seti_1"}
	if withCustomer {
		intent["customer"] = map[string]interface{}{"id": testCustomer}
	}
	if withPaymentMethod {
		intent["payment_method"] = map[string]interface{}{"id": "pm_1"}
	}
	if withMarker {
		intent["metadata"] = map[string]interface{}{"subId": testSubID}
	}
	return intent
}

func TestSetupIntent_MissingMarkerTriggersNothing(t *testing.T) {
	f := newFixture(t)

	event := makeEvent(t, "setup_intent.succeeded", true, testAccount, setupIntent(true, true, false))
	f.d.HandleEvent(context.Background(), event)
	f.d.Linker().Drain()

	if calls := f.platform.callLog(); len(calls) != 0 {
		t.Errorf("Expected zero platform calls without subId marker, got %v", calls)
	}
}

func TestSetupIntent_MissingCustomerOrPaymentMethod(t *testing.T) {
	f := newFixture(t)

	for name, payload := range map[string]map[string]interface{}{
		"no customer":       setupIntent(false, true, true),
		"no payment method": setupIntent(true, false, true),
	} {
		t.Run(name, func(t *testing.T) {
			event := makeEvent(t, "setup_intent.succeeded", true, "", payload)
			f.d.HandleEvent(context.Background(), event)
		})
	}
	f.d.Linker().Drain()

	if calls := f.platform.callLog(); len(calls) != 0 {
		t.Errorf("Expected zero platform calls, got %v", calls)
	}
}

func TestSetupIntent_RunsLinkChain(t *testing.T) {
	f := newFixture(t)

	event := makeEvent(t, "setup_intent.succeeded", true, testAccount, setupIntent(true, true, true))
	f.d.HandleEvent(context.Background(), event)
	f.d.Linker().Drain()

	want := []string{
		"payment_method.retrieve",
		"payment_method.attach",
		"subscription.retrieve",
		"subscription.update",
		"customer.retrieve",
		"customer.update",
	}
	got := f.platform.callLog()
	if len(got) != len(want) {
		t.Fatalf("Expected calls %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Call %d: expected %s, got %s (full log %v)", i, want[i], got[i], got)
		}
	}

	if f.platform.attachedTo["pm_1"] != testCustomer {
		t.Errorf("Expected pm_1 attached to %s, got %q", testCustomer, f.platform.attachedTo["pm_1"])
	}
	subParams := f.platform.subscriptionUpdates[testSubID]
	if subParams == nil || subParams.DefaultPaymentMethod == nil || *subParams.DefaultPaymentMethod != "pm_1" {
		t.Errorf("Expected subscription default payment method pm_1, got %+v", subParams)
	}
	custParams := f.platform.customerUpdates[testCustomer]
	if custParams == nil || custParams.InvoiceSettings == nil ||
		custParams.InvoiceSettings.DefaultPaymentMethod == nil ||
		*custParams.InvoiceSettings.DefaultPaymentMethod != "pm_1" {
		t.Errorf("Expected customer default invoice payment method pm_1, got %+v", custParams)
	}
}

func TestProductEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("created populates cache", func(t *testing.T) {
		product := map[string]interface{}{
			"id":       "prod_1",
			"name":     "Widget",
			"metadata": map[string]interface{}{"im_roles": "admin,editor"},
		}
		event := makeEvent(t, "product.created", true, testAccount, product)
		f.d.HandleEvent(ctx, event)

		details, err := f.products.Get(ctx, "prod_1", testAccount)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if details == nil {
			t.Fatal("Expected cached product details")
		}
		if details.Name != "Widget" || details.Roles != "admin,editor" {
			t.Errorf("Unexpected details: %+v", details)
		}
	})

	t.Run("updated without roles defaults empty", func(t *testing.T) {
		product := map[string]interface{}{"id": "prod_1", "name": "Widget v2"}
		event := makeEvent(t, "product.updated", true, testAccount, product)
		f.d.HandleEvent(ctx, event)

		details, _ := f.products.Get(ctx, "prod_1", testAccount)
		if details == nil || details.Name != "Widget v2" || details.Roles != "" {
			t.Errorf("Unexpected details: %+v", details)
		}
	})

	t.Run("deleted evicts", func(t *testing.T) {
		event := makeEvent(t, "product.deleted", true, testAccount, map[string]interface{}{"id": "prod_1"})
		f.d.HandleEvent(ctx, event)

		details, _ := f.products.Get(ctx, "prod_1", testAccount)
		if details != nil {
			t.Errorf("Expected evicted entry, got %+v", details)
		}
	})

	t.Run("global product without account", func(t *testing.T) {
		product := map[string]interface{}{"id": "prod_2", "name": "Global"}
		event := makeEvent(t, "product.created", true, "", product)
		f.d.HandleEvent(ctx, event)

		details, _ := f.products.Get(ctx, "prod_2", "")
		if details == nil || details.Name != "Global" {
			t.Errorf("Unexpected details: %+v", details)
		}
	})
}

func TestReservedHookEventsAreNoops(t *testing.T) {
	f := newFixture(t)

	for _, eventType := range []string{
		"customer.subscription.trial_will_end",
		"customer.subscription.deleted",
		"invoice.upcoming",
		"invoice.payment_failed",
	} {
		event := makeEvent(t, eventType, true, "", map[string]interface{}{"id": "obj_1"})
		f.d.HandleEvent(context.Background(), event)
	}

	if calls := f.platform.callLog(); len(calls) != 0 {
		t.Errorf("Expected no platform calls, got %v", calls)
	}
	if got := f.users.updateCount(); got != 0 {
		t.Errorf("Expected no store writes, got %d", got)
	}
}

func TestUnknownEventTypeIsDropped(t *testing.T) {
	f := newFixture(t)

	event := makeEvent(t, "charge.refunded", true, "", map[string]interface{}{"id": "ch_1"})
	f.d.HandleEvent(context.Background(), event)

	if f.metrics.errors["processing_error"] != 0 {
		t.Error("Unknown event type must not count as a processing error")
	}
}

func TestDecodeFallback_PartialPayload(t *testing.T) {
	f := newFixture(t)

	// A newer API shape: name no longer matches the compiled schema. The raw
	// fallback keeps the fields that still decode.
	event := &stripe.Event{
		ID:       "evt_mismatch",
		Type:     "product.created",
		Livemode: true,
		Account:  testAccount,
		Data:     &stripe.EventData{Raw: json.RawMessage(`{"id":"prod_9","name":123}`)},
	}
	f.d.HandleEvent(context.Background(), event)

	details, _ := f.products.Get(context.Background(), "prod_9", testAccount)
	if details == nil {
		t.Fatal("Expected partially decoded product to be cached")
	}
	if details.Name != "" {
		t.Errorf("Expected empty name from partial decode, got %q", details.Name)
	}
}

func TestDecodeFailure_DropsEvent(t *testing.T) {
	f := newFixture(t)

	event := &stripe.Event{
		ID:       "evt_garbage",
		Type:     "customer.created",
		Livemode: true,
		Data:     &stripe.EventData{Raw: json.RawMessage(`{"email":`)},
	}
	f.d.HandleEvent(context.Background(), event)

	if f.metrics.errors["deserialization_failed"] != 1 {
		t.Errorf("Expected one deserialization failure, got %v", f.metrics.errors)
	}
	if calls := f.platform.callLog(); len(calls) != 0 {
		t.Errorf("Expected no platform calls, got %v", calls)
	}
}
