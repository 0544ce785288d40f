// Handler wiring.
//
// Handlers groups the HTTP endpoints for channel linking and billing
// reconciliation. It depends on abstract service interfaces to keep transport
// concerns separate from business logic.
package handlers

// Handlers groups HTTP endpoints for linking and billing.
type Handlers struct {
	linkSvc    LinkService
	webhookSvc WebhookService
	subSvc     SubscriptionService
	custSvc    CustomerService
}

// New constructs and returns a Handlers instance bound to the given services.
func New(linkSvc LinkService, webhookSvc WebhookService, subSvc SubscriptionService, custSvc CustomerService) *Handlers {
	return &Handlers{linkSvc: linkSvc, webhookSvc: webhookSvc, subSvc: subSvc, custSvc: custSvc}
}
