// Package fee implements the platform fee policy applied when an escrow is
// funded. Amounts are integer token units; the fee is expressed in basis
// points and always rounds down, so fee and net always add up to the
// principal.
package fee

// RateBps is the platform fee rate in basis points (2%).
const RateBps int64 = 200

// BpsDenominator is the number of basis points in a whole.
const BpsDenominator int64 = 10000

// Compute splits a principal into the platform fee and the net amount owed to
// the recipient: fee = floor(principal * RateBps / BpsDenominator).
//
// The product is never formed directly, so the result is exact for every
// non-negative int64 principal.
func Compute(principal int64) (fee, net int64) {
	if principal <= 0 {
		return 0, principal
	}
	q, r := principal/BpsDenominator, principal%BpsDenominator
	fee = q*RateBps + r*RateBps/BpsDenominator
	return fee, principal - fee
}
