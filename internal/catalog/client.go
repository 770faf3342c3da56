// Package catalog defines the boundary to the remote catalog platform that
// owns the merchant's product media. The engine depends on exactly five
// capabilities: query current media, upload an asset, assign a variant hero,
// delete an asset, and reorder the gallery. Everything else about the
// platform's API is out of scope.
package catalog

import "context"

// Asset is the remote catalog's view of one stored image. RemoteID is the
// identifier the platform currently assigns to the asset; it changes on
// every re-upload, so callers must key on the normalized URL instead.
type Asset struct {
	RemoteID string `json:"remote_id"`
	URL      string `json:"url"`
	Position int    `json:"position"`
	AltText  string `json:"alt_text,omitempty"`
}

// Snapshot is the authoritative current media state of one product:
// the ordered gallery plus each product variant's hero assignment.
type Snapshot struct {
	ProductID     string           `json:"product_id"`
	Gallery       []Asset          `json:"gallery"`
	VariantHeroes map[string]Asset `json:"variant_heroes,omitempty"`
}

// UploadInput describes an asset to be created on the remote catalog.
type UploadInput struct {
	URL      string `json:"url"`
	Position int    `json:"position"`
	AltText  string `json:"alt_text,omitempty"`
}

// Client is the remote catalog collaborator used by the synchronizer.
// Implementations must honor the context for cancellation and apply their
// own bounded timeouts; they report retry-exhausted network failures by
// wrapping ErrTransient.
type Client interface {
	// GetProductMedia returns the product's current gallery and hero state.
	GetProductMedia(ctx context.Context, shopID, productID string) (*Snapshot, error)

	// UploadAsset creates an asset and returns its newly assigned remote id.
	UploadAsset(ctx context.Context, shopID, productID string, in UploadInput) (string, error)

	// AssignVariantHero points a product variant's hero image at an asset.
	AssignVariantHero(ctx context.Context, shopID, variantID, remoteID string) error

	// DeleteAsset removes an asset from the product.
	DeleteAsset(ctx context.Context, shopID, productID, remoteID string) error

	// ReorderAssets sets the gallery display order.
	ReorderAssets(ctx context.Context, shopID, productID string, remoteIDs []string) error
}
