// Package billing charges VM owners for verified runtime and accrues
// node payouts. The gate runs on a fixed cycle; attestation decides
// whether a window is billable, and unverified minutes are tracked but
// never charged. Money is decimal end to end.
package billing
