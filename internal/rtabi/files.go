package rtabi

// Oat file identification
var (
	OatMagic   = [4]byte{'o', 'a', 't', '\n'}
	OatVersion = [4]byte{'0', '7', '9', 0}
)

// Image file identification
var (
	ImageMagic   = [4]byte{'a', 'r', 't', '\n'}
	ImageVersion = [4]byte{'0', '3', '0', 0}
)

// Oat key-value store keys
const (
	KeyImageLocation    = "image-location"
	KeyDex2OatCmdLine   = "dex2oat-cmdline"
	KeyDex2OatHost      = "dex2oat-host"
	KeyPic              = "pic"
	KeyHasPatchInfo     = "has-patch-info"
	KeyDebuggable       = "debuggable"
	KeyNativeDebuggable = "native-debuggable"
	KeyCompilerFilter   = "compiler-filter"
	KeyBootClassPath    = "bootclasspath"
	KeyClassPath        = "classpath"

	ValueTrue  = "true"
	ValueFalse = "false"
)

// Well-known symbol names in the oat ELF file.
const (
	SymOatData        = "oatdata"
	SymOatLastWord    = "oatlastword"
	SymOatExec        = "oatexec"
	SymOatBss         = "oatbss"
	SymOatBssLastWord = "oatbsslastword"
)

// Special runtime methods stored in the image header.
const (
	ImageMethodResolution = iota
	ImageMethodImtConflict
	ImageMethodImtUnimplemented
	ImageMethodSaveAllCalleeSaves
	ImageMethodSaveRefsOnly
	ImageMethodSaveRefsAndArgs

	ImageMethodsCount
)

// Image roots object array indices.
const (
	ImageRootDexCaches = iota
	ImageRootClassRoots

	ImageRootsMax
)
