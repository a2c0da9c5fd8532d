package localcache

// accountant tracks how much weight is currently admitted against a fixed
// limit. It has no locking of its own: per spec.md §5 every Bucket
// operation already runs under the Bucket's single mutex, so an
// accountant is only ever touched from inside that lock.
type accountant struct {
	limit int64
	used  int64
}

func newAccountant(limit int64) accountant {
	return accountant{limit: limit}
}

// admit reports whether weight more can be added without the total
// exceeding limit.
func (a *accountant) admit(weight int64) bool {
	return a.used+weight <= a.limit
}

// add records weight as newly admitted.
func (a *accountant) add(weight int64) {
	a.used += weight
}

// remove records weight as no longer admitted.
func (a *accountant) remove(weight int64) {
	a.used -= weight
}
