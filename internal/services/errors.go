// Package services defines the business logic for rotation slots, event
// ingestion and attribution, and test statistics. This file centralizes
// common service-level error values so that they can be consistently
// returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler layer.
package services

import "errors"

var (
	// ErrSlotNotFound indicates that the requested rotation slot does not
	// exist.
	ErrSlotNotFound = errors.New("rotation slot not found")

	// ErrSlotConflict is returned when a slot already exists for the
	// requested (shop, product, variant) target.
	ErrSlotConflict = errors.New("slot already exists for target")

	// ErrTestNotFound indicates that no slot runs under the requested test.
	ErrTestNotFound = errors.New("test not found")

	// ErrInvalidSlot is returned when a slot definition is missing required
	// fields.
	ErrInvalidSlot = errors.New("invalid slot definition")

	// ErrInvalidProductID is returned when a product reference is neither a
	// numeric id nor a recognizable gid:// form.
	ErrInvalidProductID = errors.New("invalid product id")

	// ErrInvalidInterval is returned when a slot's rotation interval is
	// below the minimum.
	ErrInvalidInterval = errors.New("rotation interval must be at least one minute")

	// ErrInvalidVariant is returned when a variant label is neither control
	// nor test.
	ErrInvalidVariant = errors.New("variant must be control or test")

	// ErrInvalidStatus is returned when a slot status value is outside the
	// allowed set.
	ErrInvalidStatus = errors.New("status must be active, paused or disabled")

	// ErrEmptyMedia is returned when a slot is created or updated with an
	// empty control or test media set.
	ErrEmptyMedia = errors.New("control and test media sets must be non-empty")

	// ErrInvalidEvent is returned when an ingested event fails validation
	// (missing identifiers, unknown type, or malformed purchase fields).
	ErrInvalidEvent = errors.New("invalid event")
)
