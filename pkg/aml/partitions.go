// Partition layout for Superbird, extracted from the output of:
// bulkcmd 'amlmmc part 1'

package aml

// PartitionInfo describes one entry of the Superbird eMMC layout.
type PartitionInfo struct {
	// Offset in bytes.
	Offset int
	// Size in 512-byte sectors.
	Size int
	// SizeAlt is an alternate sector count (zero when absent). Some devices
	// shipped with a smaller data partition.
	SizeAlt int
}

// SuperbirdPartitions maps partition names to their on-disk location. The
// table is immutable and shared freely.
var SuperbirdPartitions = map[string]PartitionInfo{
	"bootloader": {Offset: 0, Size: 4096},
	"reserved":   {Offset: 73728, Size: 131072},
	"cache":      {Offset: 221184, Size: 0},
	"env":        {Offset: 237568, Size: 16384},
	"fip_a":      {Offset: 270336, Size: 8192},
	"fip_b":      {Offset: 294912, Size: 8192},
	"logo":       {Offset: 319488, Size: 16384},
	"dtbo_a":     {Offset: 352256, Size: 8192},
	"dtbo_b":     {Offset: 376832, Size: 8192},
	"vbmeta_a":   {Offset: 401408, Size: 2048},
	"vbmeta_b":   {Offset: 419840, Size: 2048},
	"boot_a":     {Offset: 438272, Size: 32768},
	"boot_b":     {Offset: 487424, Size: 32768},
	"system_a":   {Offset: 536576, Size: 1056856},
	"system_b":   {Offset: 1609816, Size: 1056856},
	"misc":       {Offset: 2683056, Size: 16384},
	"settings":   {Offset: 2715824, Size: 524288},
	"data":       {Offset: 3256496, Size: 4476752, SizeAlt: 4378448},
}
