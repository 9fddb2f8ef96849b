package types

import "context"

// ClientAdapter is the client-side view of a provider, as consumed by agent
// framework integrations.
type ClientAdapter interface {
	GetCatalog(ctx context.Context, providerURL string) (*ServiceCatalog, error)
	RequestQuote(ctx context.Context, providerURL string, req *ServiceRequest) (*ServiceQuote, error)
	RequestDelivery(ctx context.Context, providerURL string, req *DeliveryRequest) (*DeliveryAccepted, error)
	GetStatus(ctx context.Context, providerURL, orderID string) (*OrderStatusResponse, error)
	Download(ctx context.Context, providerURL, orderID string) (*DownloadResponse, error)
}

// ProviderAdapter is the provider-side handler set that transports and agent
// frameworks dispatch to.
type ProviderAdapter interface {
	HandleCatalog(ctx context.Context) (*ServiceCatalog, error)
	HandleRequest(ctx context.Context, req *ServiceRequest) (*ServiceQuote, error)
	HandleDeliver(ctx context.Context, req *DeliveryRequest) (*DeliveryAccepted, error)
	HandleStatus(ctx context.Context, orderID string) (*OrderStatusResponse, error)
	HandleDownload(ctx context.Context, orderID string) (*DownloadResponse, error)
}
