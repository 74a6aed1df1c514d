package domain

// Inventory is the quantitative record for one resource class on one
// provider. Units are nonnegative integers.
type Inventory struct {
	ProviderUUID  string `json:"resource_provider_uuid"`
	ResourceClass string `json:"resource_class"`

	Total           int64   `json:"total"`
	Reserved        int64   `json:"reserved"`
	MinUnit         int64   `json:"min_unit"`
	MaxUnit         int64   `json:"max_unit"`
	StepSize        int64   `json:"step_size"`
	AllocationRatio float64 `json:"allocation_ratio"`
}

// DefaultInventory fills the conventional unit defaults for a total.
func DefaultInventory(rp, rc string, total int64) Inventory {
	return Inventory{
		ProviderUUID:    rp,
		ResourceClass:   rc,
		Total:           total,
		MinUnit:         1,
		MaxUnit:         total,
		StepSize:        1,
		AllocationRatio: 1.0,
	}
}

// Capacity is the effective capacity: floor(total * allocation_ratio) - reserved.
func (inv Inventory) Capacity() int64 {
	return int64(float64(inv.Total)*inv.AllocationRatio) - inv.Reserved
}

// AllowsAmount reports whether amount can be drawn from this inventory
// given the currently allocated sum: the amount must lie on the
// min/max/step grid and fit in the remaining capacity.
func (inv Inventory) AllowsAmount(amount, used int64) bool {
	if amount < inv.MinUnit || amount > inv.MaxUnit {
		return false
	}
	step := inv.StepSize
	if step <= 0 {
		step = 1
	}
	if (amount-inv.MinUnit)%step != 0 {
		return false
	}
	return used+amount <= inv.Capacity()
}
