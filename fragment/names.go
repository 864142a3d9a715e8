package fragment

// Suffixes for the object names a table writes under its data prefix.
const (
	// FileSuffix is the extension of columnar fragment files.
	FileSuffix = ".frag"
	// DeletionSuffix is the extension of deletion-vector files.
	DeletionSuffix = ".del"
)
