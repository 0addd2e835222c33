/*
Package storage implements the durable cold store for Corral.

Every collection (nodes, vms, users, images, pricingTiers, events,
attestations, usageRecords, vmTemplates, templateCategories,
marketplaceReviews, referrals, creditGrants, promoCampaigns) maps to one
bbolt bucket of JSON documents keyed by entity ID. Writes are upserts.
Enums are stored as strings, timestamps as UTC, byte sizes as 64-bit
integers and monetary values as fixed-precision decimals.

Unique indexes (node wallet, user wallet, sparse user email, template
slug, one review per reviewer per resource) are materialised as index
buckets and enforced at write time with ErrDuplicateKey. An index
manifest is persisted alongside the data; on open, any index whose
unique or sparse flag differs from the declared contract is dropped and
rebuilt from its primary bucket.

Two implementations exist: BoltStore for durable deployments and
MemoryStore for in-memory-only deployments and tests. The hot/cold
working-set logic lives above this package in pkg/state.
*/
package storage
