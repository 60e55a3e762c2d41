package stripe

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v83"
)

const subscriptionStatusActive = "active"

// stripeAPI is the slice of the Stripe API the provider reads
type stripeAPI interface {
	// FindCustomerByEmail returns the first customer with email, nil if none
	FindCustomerByEmail(ctx context.Context, email string) (*stripe.Customer, error)

	// ActiveSubscription returns the customer's first active subscription, nil if none
	ActiveSubscription(ctx context.Context, customerID string) (*stripe.Subscription, error)

	// PriceAmount returns the unit amount of a price in the smallest currency unit
	PriceAmount(ctx context.Context, priceID string) (int64, error)
}

// clientAPI implements stripeAPI with the stripe-go client
type clientAPI struct {
	client *stripe.Client
}

func newClientAPI(apiKey string) *clientAPI {
	return &clientAPI{client: stripe.NewClient(apiKey)}
}

func (c *clientAPI) FindCustomerByEmail(ctx context.Context, email string) (*stripe.Customer, error) {
	params := &stripe.CustomerListParams{}
	params.Email = stripe.String(email)
	params.Limit = stripe.Int64(1)

	for cust, err := range c.client.V1Customers.List(ctx, params) {
		if err != nil {
			return nil, fmt.Errorf("stripe list customers: %w", err)
		}
		return cust, nil
	}
	return nil, nil
}

func (c *clientAPI) ActiveSubscription(ctx context.Context, customerID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String(subscriptionStatusActive)
	params.Limit = stripe.Int64(1)

	for sub, err := range c.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, fmt.Errorf("stripe list subscriptions: %w", err)
		}
		if sub.Status == subscriptionStatusActive {
			return sub, nil
		}
	}
	return nil, nil
}

func (c *clientAPI) PriceAmount(ctx context.Context, priceID string) (int64, error) {
	price, err := c.client.V1Prices.Retrieve(ctx, priceID, nil)
	if err != nil {
		return 0, fmt.Errorf("stripe retrieve price: %w", err)
	}
	return price.UnitAmount, nil
}
