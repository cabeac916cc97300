package metadata

// AllocationRequestType indicates which BlockMetadata implementation produced an AllocationRequest
type AllocationRequestType uint32

const (
	// AllocationRequestTLSF indicates that the allocation request was sourced from metadata.TLSFBlockMetadata
	AllocationRequestTLSF AllocationRequestType = iota
)

var allocationRequestMapping = map[AllocationRequestType]string{
	AllocationRequestTLSF: "TLSF",
}

func (t AllocationRequestType) String() string {
	return allocationRequestMapping[t]
}

// AllocationRequest is returned from BlockMetadata.CreateAllocationRequest and describes where the
// metadata intends to place a new suballocation. It is committed with BlockMetadata.Alloc.
type AllocationRequest struct {
	// BlockAllocationHandle identifies the region the allocation will be carved from. Once the request
	// is committed, it is also the handle of the new suballocation.
	BlockAllocationHandle BlockAllocationHandle
	// Size is the size in bytes of the allocation
	Size int
	// Type identifies the BlockMetadata implementation that generated this request
	Type AllocationRequestType

	// AlgorithmData is arbitrary data used by the BlockMetadata implementation for internal purposes
	AlgorithmData uint64
}
