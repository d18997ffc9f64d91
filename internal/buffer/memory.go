package buffer

// FixedRatio is the share of total memory handed to the record buffer when
// no explicit budget is configured.
const FixedRatio = 0.7

// fallbackTotalMemory is assumed when total memory cannot be read.
const fallbackTotalMemory int64 = 2 << 30

// totalMemory is a test seam; see memory_linux.go and memory_other.go.
var totalMemory = systemMemory

// Budget returns override when positive, else FixedRatio of total memory.
func Budget(override int64) int64 {
	if override > 0 {
		return override
	}
	total, ok := totalMemory()
	if !ok || total <= 0 {
		total = fallbackTotalMemory
	}
	return int64(float64(total) * FixedRatio)
}
