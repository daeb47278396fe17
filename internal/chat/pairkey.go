package chat

// PairKeySep joins the two sorted participant IDs in a pair key.
const PairKeySep = ":"

// PairKey computes the canonical, order-independent key for a two-party
// conversation: the two user IDs sorted lexicographically and joined with a
// fixed separator. PairKey(a, b) == PairKey(b, a) for all a, b.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + PairKeySep + b
}
