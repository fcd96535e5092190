package lsm

// tieringDecision is what the active TieringOption chooses for a newly
// opened warm output at outputLevel.
type tieringDecision struct {
	residency Residency
	// needsEviction/evictLevel are set when LRUTiering must evict a PMEM
	// instance inline before it can proceed.
	needsEviction bool
	evictLevel    int
}

// decideWarmResidency implements the four tiering modes. It never
// mutates state; eviction (if needsEviction is set) is performed by the
// caller via TieringStats.LeastRecentlyCreatedPmem + materializing that
// run to SST.
func decideWarmResidency(opt TieringOption, outputLevel, pmemLevelCap int, pmemFreeListEmpty bool, anyInputIsSST bool) tieringDecision {
	if pmemLevelCap < 0 {
		pmemLevelCap = DefaultPmemLevelCap
	}
	switch opt {
	case LeveledTiering:
		if pmemFreeListEmpty || outputLevel > pmemLevelCap {
			return tieringDecision{residency: ResidencySST}
		}
		return tieringDecision{residency: ResidencyPmem}

	case ColdDataTiering:
		if pmemFreeListEmpty {
			return tieringDecision{residency: ResidencySST}
		}
		return tieringDecision{residency: ResidencyPmem}

	case LRUTiering:
		if anyInputIsSST {
			return tieringDecision{residency: ResidencySST}
		}
		if pmemFreeListEmpty {
			return tieringDecision{residency: ResidencyPmem, needsEviction: true, evictLevel: outputLevel}
		}
		return tieringDecision{residency: ResidencyPmem}

	case NoTiering:
		return tieringDecision{residency: ResidencySST}

	default:
		return tieringDecision{residency: ResidencySST}
	}
}

// hotOutputPermitted implements the "Hot routing rule (formalised)":
// enabled iff input_level ∈ {0,1} AND the warm output's target is PMEM.
func hotOutputPermitted(inputLevel int, warmResidency Residency) bool {
	return (inputLevel == 0 || inputLevel == 1) && warmResidency == ResidencyPmem
}
