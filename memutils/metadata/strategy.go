package metadata

// AllocationStrategy exposes several options for choosing the location of a new allocation. If none
// is chosen, a balanced strategy will be used.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory chooses the smallest free range that fits, minimizing fragmentation
	// at the expense of allocation time
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime chooses the first suitable free range that is cheap to find
	AllocationStrategyMinTime
	// AllocationStrategyMinOffset chooses the lowest offset in available space. This packs data tightly
	// and leaves the most room after each allocation for in-place growth.
	AllocationStrategyMinOffset
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	0:                           "Balanced",
	AllocationStrategyMinMemory: "MinMemory",
	AllocationStrategyMinTime:   "MinTime",
	AllocationStrategyMinOffset: "MinOffset",
}

func (s AllocationStrategy) String() string {
	str, ok := allocationStrategyMapping[s]
	if !ok {
		return "Unknown"
	}
	return str
}

// ParseAllocationStrategy converts the output of AllocationStrategy.String back into a strategy
func ParseAllocationStrategy(name string) (AllocationStrategy, bool) {
	for strategy, str := range allocationStrategyMapping {
		if str == name {
			return strategy, true
		}
	}

	return 0, false
}
