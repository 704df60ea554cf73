package ext4

const (
	ext4Magic   = 0xEF53
	extentMagic = 0xF30A

	// Feature flags the builder writes. Extents and the file type byte
	// in directory entries are required to read the image at all, the
	// rest is compatible.
	featureCompat   = 0x0008 | 0x0020 // ext_attr, dir_index
	featureIncompat = 0x0002 | 0x0040 // filetype, extents
	featureRoCompat = 0x0001 | 0x0002 | 0x0040 // sparse_super, large_file, extra_isize

	inodeFlagExtents = 0x00080000

	// File mode type bits.
	sIFIFO  = 0x1000
	sIFCHR  = 0x2000
	sIFDIR  = 0x4000
	sIFBLK  = 0x6000
	sIFREG  = 0x8000
	sIFLNK  = 0xA000
	sIFSOCK = 0xC000
	sIFMT   = 0xF000

	// Directory entry file types.
	ftRegular  = 1
	ftDir      = 2
	ftChardev  = 3
	ftBlockdev = 4
	ftFifo     = 5
	ftSocket   = 6
	ftSymlink  = 7

	// maxInlineSymlink is the longest target stored directly in the
	// inode block area.
	maxInlineSymlink = 59

	// maxExtentLength stays below the unwritten-extent marker bit.
	maxExtentLength = 32767

	// maxInlineExtents is how many extents fit in the inode block area
	// behind the header.
	maxInlineExtents = 4

	extraIsize = 32
)

// superblock is the on-disk ext4 superblock. Offsets follow the format
// exactly, fields the builder never sets stay in Reserved.
type superblock struct {
	InodesCount          uint32
	BlocksCountLo        uint32
	RBlocksCountLo       uint32
	FreeBlocksCountLo    uint32
	FreeInodesCount      uint32
	FirstDataBlock       uint32
	LogBlockSize         uint32
	LogClusterSize       uint32
	BlocksPerGroup       uint32
	ClustersPerGroup     uint32
	InodesPerGroup       uint32
	Mtime                uint32
	Wtime                uint32
	MntCount             uint16
	MaxMntCount          uint16
	Magic                uint16
	State                uint16
	Errors               uint16
	MinorRevLevel        uint16
	LastCheck            uint32
	CheckInterval        uint32
	CreatorOS            uint32
	RevLevel             uint32
	DefResuid            uint16
	DefResgid            uint16
	FirstIno             uint32
	InodeSize            uint16
	BlockGroupNr         uint16
	FeatureCompat        uint32
	FeatureIncompat      uint32
	FeatureRoCompat      uint32
	UUID                 [16]byte
	VolumeName           [16]byte
	LastMounted          [64]byte
	AlgorithmUsageBitmap uint32
	PreallocBlocks       uint8
	PreallocDirBlocks    uint8
	ReservedGdtBlocks    uint16
	JournalUUID          [16]byte
	JournalInum          uint32
	JournalDev           uint32
	LastOrphan           uint32
	HashSeed             [4]uint32
	DefHashVersion       uint8
	JnlBackupType        uint8
	DescSize             uint16
	DefaultMountOpts     uint32
	FirstMetaBg          uint32
	MkfsTime             uint32
	JnlBlocks            [17]uint32
	BlocksCountHi        uint32
	RBlocksCountHi       uint32
	FreeBlocksCountHi    uint32
	MinExtraIsize        uint16
	WantExtraIsize       uint16
	Reserved             [672]byte
}

// groupDesc is the 32 byte descriptor of one block group.
type groupDesc struct {
	BlockBitmapLo     uint32
	InodeBitmapLo     uint32
	InodeTableLo      uint32
	FreeBlocksCountLo uint16
	FreeInodesCountLo uint16
	UsedDirsCountLo   uint16
	Flags             uint16
	ExcludeBitmapLo   uint32
	BlockBitmapCsumLo uint16
	InodeBitmapCsumLo uint16
	ItableUnusedLo    uint16
	Checksum          uint16
}

// inode is the 256 byte on-disk inode.
type inode struct {
	Mode       uint16
	UID        uint16
	SizeLo     uint32
	Atime      uint32
	Ctime      uint32
	Mtime      uint32
	Dtime      uint32
	GID        uint16
	LinksCount uint16
	BlocksLo   uint32
	Flags      uint32
	Version    uint32
	Block      [60]byte
	Generation uint32
	FileACLLo  uint32
	SizeHi     uint32
	ObsoFaddr  uint32
	BlocksHi   uint16
	FileACLHi  uint16
	UIDHi      uint16
	GIDHi      uint16
	ChecksumLo uint16
	Reserved   uint16
	ExtraIsize uint16
	ChecksumHi uint16
	CtimeExtra uint32
	MtimeExtra uint32
	AtimeExtra uint32
	Crtime     uint32
	CrtimeExtra uint32
	VersionHi  uint32
	Projid     uint32
	Padding    [96]byte
}

// extentHeader sits at the start of every extent tree node.
type extentHeader struct {
	Magic      uint16
	Entries    uint16
	Max        uint16
	Depth      uint16
	Generation uint32
}

// extentLeaf maps a run of logical blocks to physical blocks.
type extentLeaf struct {
	Block   uint32 // first logical block
	Len     uint16
	StartHi uint16
	StartLo uint32
}

// extentIndex points an interior node at a lower level node.
type extentIndex struct {
	Block  uint32
	LeafLo uint32
	LeafHi uint16
	Unused uint16
}

// extent is the in-memory form used while building.
type extent struct {
	logical int64
	start   int64
	length  int64
}

func fileTypeOfMode(mode uint16) byte {
	switch mode & sIFMT {
	case sIFREG:
		return ftRegular
	case sIFDIR:
		return ftDir
	case sIFCHR:
		return ftChardev
	case sIFBLK:
		return ftBlockdev
	case sIFIFO:
		return ftFifo
	case sIFSOCK:
		return ftSocket
	case sIFLNK:
		return ftSymlink
	default:
		return 0
	}
}
