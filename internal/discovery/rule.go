// Package discovery finds in-network peers. A channel counts as a marker
// when its capacity in satoshis is an exact multiple of a configured
// divisor; relays discover each other through marked channels anchored at
// the rendezvous node and the controller picks relays by their position in
// the address directory.
package discovery

// Rule holds the divisors that make a channel capacity a marker.
type Rule struct {
	DiscoveryDivisor  int64
	ControllerDivisor int64
}

func divides(capacitySat, divisor int64) bool {
	if divisor <= 0 {
		return false
	}
	return capacitySat%divisor == 0
}

// Evaluate reports whether capacitySat satisfies the discovery divisor.
func (r Rule) Evaluate(capacitySat int64) bool {
	return divides(capacitySat, r.DiscoveryDivisor)
}

// EvaluateController reports whether capacitySat satisfies the controller
// divisor.
func (r Rule) EvaluateController(capacitySat int64) bool {
	return divides(capacitySat, r.ControllerDivisor)
}

// IsMarked is true for capacities matching either divisor.
func (r Rule) IsMarked(capacitySat int64) bool {
	return r.Evaluate(capacitySat) || r.EvaluateController(capacitySat)
}

// MsatToSat truncates a millisatoshi amount.
func MsatToSat(msat uint64) int64 {
	return int64(msat / 1000)
}
