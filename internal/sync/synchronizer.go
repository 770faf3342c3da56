// Package sync implements the media state synchronizer: the four-phase
// CAPTURE → BUILD → EXECUTE → VERIFY protocol that transitions a slot's
// remote-visible media to a target set safely.
//
// Correctness rules the pipeline is built around:
//
//   - CAPTURE re-queries the remote catalog instead of trusting the local
//     record: remote asset ids drift on every re-upload.
//   - All diffing is by normalized URL key, never by remote id, position,
//     or count. A deletion candidate is deleted only when its key is
//     confirmed absent from the target set.
//   - Remote calls run uploads first, then hero reassignment, then
//     deletions, then reorder, so an asset is never deleted while a
//     reassignment might still reference it.
//   - VERIFY re-queries and compares by key; any missing target entry
//     fails the switch, and the caller must not commit slot state or a
//     ledger entry.
//
// The synchronizer never mutates the slot store itself; the scheduler does
// that only after a fully verified switch.
package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/splitpix/go-splitpix-backend/internal/catalog"
	"github.com/splitpix/go-splitpix-backend/internal/domain"
	"github.com/splitpix/go-splitpix-backend/internal/media"
)

// ErrValidation marks a malformed switch request: inactive slot, unknown
// variant, or an empty/unkeyed target media set. Raised before any remote
// call; never retried.
var ErrValidation = errors.New("invalid switch target")

// ErrIntegrity marks a VERIFY-phase mismatch: the post-execute remote state
// is missing target entries. The switch must not be committed; the slot is
// left as observed pre-switch for the operator or a later tick.
var ErrIntegrity = errors.New("remote state mismatch at verify")

// Result is the audit record of a successful switch.
type Result struct {
	// Verified is the post-switch snapshot taken by the VERIFY phase.
	Verified *catalog.Snapshot
	Uploaded int
	Reused   int
	Deleted  int
}

// Synchronizer drives media switches against a remote catalog client.
type Synchronizer struct {
	Catalog catalog.Client
}

// New constructs a Synchronizer.
func New(c catalog.Client) *Synchronizer {
	return &Synchronizer{Catalog: c}
}

// Switch transitions the slot's remote media to the target variant's set.
// On success it returns the VERIFY snapshot plus {uploaded, reused, deleted}
// counts. On failure nothing local is written and the error classifies the
// phase: ErrValidation before any remote call, catalog.ErrTransient for
// retryable remote failures, ErrIntegrity for a VERIFY mismatch.
func (s *Synchronizer) Switch(ctx context.Context, slot *domain.RotationSlot, targetVariant string) (*Result, error) {
	tr := otel.Tracer("sync/Synchronizer")
	ctx, span := tr.Start(ctx, "Switch",
		trace.WithAttributes(
			attribute.String("slot.id", slot.ID),
			attribute.String("target.variant", targetVariant),
		),
	)
	defer span.End()

	// Phase 0: validation, before any remote call.
	target, err := s.validate(slot, targetVariant)
	if err != nil {
		return nil, err
	}

	// CAPTURE: the remote's current state is authoritative.
	captured, err := s.Catalog.GetProductMedia(ctx, slot.ShopID, slot.ProductID)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	capturedByKey := indexSnapshot(captured)

	// BUILD: deduplicated target state.
	registry := buildRegistry(target)

	// EXECUTE: diff by key, then uploads → hero reassignment → deletions → reorder.
	res := &Result{}
	remoteIDByKey := make(map[string]string, registry.Len())
	for _, key := range registry.Keys() {
		if asset, ok := capturedByKey[key]; ok {
			remoteIDByKey[key] = asset.RemoteID
			res.Reused++
			continue
		}
		entry := registry.Get(key)
		remoteID, err := s.Catalog.UploadAsset(ctx, slot.ShopID, slot.ProductID, catalog.UploadInput{
			URL:      entry.IdentityURL(),
			Position: entry.Position,
			AltText:  entry.AltText,
		})
		if err != nil {
			return nil, fmt.Errorf("execute upload %s: %w", key, err)
		}
		remoteIDByKey[key] = remoteID
		res.Uploaded++
	}

	for _, entry := range registry.Ordered() {
		for _, variantID := range entry.HeroVariants {
			if err := s.Catalog.AssignVariantHero(ctx, slot.ShopID, variantID, remoteIDByKey[entry.Key()]); err != nil {
				return nil, fmt.Errorf("execute hero %s: %w", variantID, err)
			}
		}
	}

	// Delete by identity, never by position or count: only captured gallery
	// assets whose key is confirmed absent from BUILD.
	for _, asset := range captured.Gallery {
		key := media.NormalizeKey(asset.URL)
		if key == "" || registry.Has(key) {
			continue
		}
		if err := s.Catalog.DeleteAsset(ctx, slot.ShopID, slot.ProductID, asset.RemoteID); err != nil {
			return nil, fmt.Errorf("execute delete %s: %w", key, err)
		}
		res.Deleted++
	}

	order := make([]string, 0, registry.Len())
	for _, entry := range registry.Ordered() {
		if entry.Gallery {
			order = append(order, remoteIDByKey[entry.Key()])
		}
	}
	if len(order) > 0 {
		if err := s.Catalog.ReorderAssets(ctx, slot.ShopID, slot.ProductID, order); err != nil {
			return nil, fmt.Errorf("execute reorder: %w", err)
		}
	}

	// VERIFY: re-query and compare to BUILD by key.
	verified, err := s.Catalog.GetProductMedia(ctx, slot.ShopID, slot.ProductID)
	if err != nil {
		return nil, fmt.Errorf("verify query: %w", err)
	}
	if missing := missingKeys(registry, verified); len(missing) > 0 {
		log.Error().
			Str("slot_id", slot.ID).
			Str("target_variant", targetVariant).
			Strs("missing_keys", missing).
			Msg("verify mismatch, switch not committed")
		return nil, fmt.Errorf("%w: %d target entries missing after execute", ErrIntegrity, len(missing))
	}

	res.Verified = verified
	log.Info().
		Str("slot_id", slot.ID).
		Str("target_variant", targetVariant).
		Int("uploaded", res.Uploaded).
		Int("reused", res.Reused).
		Int("deleted", res.Deleted).
		Msg("media switch verified")
	return res, nil
}

// validate checks the switch preconditions and returns the target media set.
func (s *Synchronizer) validate(slot *domain.RotationSlot, targetVariant string) (media.DescriptorList, error) {
	if targetVariant != domain.VariantControl && targetVariant != domain.VariantTest {
		return nil, fmt.Errorf("%w: unknown variant %q", ErrValidation, targetVariant)
	}
	if slot.Status != domain.SlotStatusActive {
		return nil, fmt.Errorf("%w: slot %s is %s", ErrValidation, slot.ID, slot.Status)
	}
	target := slot.TargetMedia(targetVariant)
	if len(target) == 0 {
		return nil, fmt.Errorf("%w: %s media set is empty", ErrValidation, targetVariant)
	}
	for _, d := range target {
		if d.Key() == "" {
			return nil, fmt.Errorf("%w: descriptor without a source or permanent URL", ErrValidation)
		}
	}
	return target, nil
}

// buildRegistry splits a slot media set into gallery and hero targets and
// dedups them. Descriptors without explicit usage default to the gallery.
func buildRegistry(target media.DescriptorList) *media.Registry {
	var gallery []media.Descriptor
	heroes := make(map[string]media.Descriptor)
	for _, d := range target {
		if d.Gallery || len(d.HeroVariants) == 0 {
			g := d
			gallery = append(gallery, g)
		}
		for _, variantID := range d.HeroVariants {
			h := d
			heroes[variantID] = h
		}
	}
	return media.Build(gallery, heroes)
}

// indexSnapshot keys every asset of a snapshot (gallery and heroes) by its
// normalized URL.
func indexSnapshot(snap *catalog.Snapshot) map[string]catalog.Asset {
	out := make(map[string]catalog.Asset, len(snap.Gallery)+len(snap.VariantHeroes))
	for _, a := range snap.Gallery {
		if key := media.NormalizeKey(a.URL); key != "" {
			out[key] = a
		}
	}
	for _, a := range snap.VariantHeroes {
		key := media.NormalizeKey(a.URL)
		if key == "" {
			continue
		}
		if _, ok := out[key]; !ok {
			out[key] = a
		}
	}
	return out
}

// missingKeys returns BUILD keys absent from the post-execute remote state.
func missingKeys(registry *media.Registry, snap *catalog.Snapshot) []string {
	present := indexSnapshot(snap)
	var missing []string
	for _, key := range registry.Keys() {
		if _, ok := present[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}
