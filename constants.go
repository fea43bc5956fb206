package gpuflow

import "github.com/delgado-oss/gpuflow/internal/config"

// Re-export the configuration table's defaults for the public API.
const (
	DefaultEnabled              = config.DefaultEnabled
	DefaultMask                 = config.DefaultMask
	DefaultVerbose              = config.DefaultVerbose
	DefaultMemoryBlockSize      = config.DefaultMemoryBlockSize
	DefaultMemoryUsePercent     = config.DefaultMemoryUsePercent
	DefaultMemoryNumberOfBlocks = config.DefaultMemoryNumberOfBlocks
)

// KernelLibPathEnv is the environment variable that, when set, takes
// precedence over a Config's Path.
const KernelLibPathEnv = config.KernelLibPathEnv
