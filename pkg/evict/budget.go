package evict

// EffectiveBudget computes how many bytes the cache may occupy right now.
//
// The budget is the smaller of the configured fixed maximum and what the
// volume can spare after keeping a free reserve. The reserve is the larger
// of an absolute floor and a percentage of the volume, so small disks keep
// a meaningful margin and large disks do not reserve absurd amounts.
//
// The second return value reports whether the disk reserve, not the fixed
// maximum, is the binding constraint. Callers use it to log why the cache
// shrank on a filling disk.
func EffectiveBudget(fixedMax, totalDisk, reserveAbs int64, reservePct float64) (int64, bool) {
	reserve := reserveAbs
	if pct := int64(float64(totalDisk) * reservePct / 100); pct > reserve {
		reserve = pct
	}
	diskBudget := totalDisk - reserve
	if diskBudget < 0 {
		diskBudget = 0
	}
	if diskBudget < fixedMax {
		return diskBudget, true
	}
	return fixedMax, false
}
