package main

// CLI defines the root command structure with subcommands
type CLI struct {
	Build   BuildCmd   `cmd:"" help:"Build a disk image bundle from a directory tree or container image"`
	Verify  VerifyCmd  `cmd:"" help:"Verify the integrity and signature of a bundle"`
	Inspect InspectCmd `cmd:"" help:"Show the manifest of a bundle"`
	Keygen  KeygenCmd  `cmd:"" help:"Generate an ed25519 signing keypair"`
	List    ListCmd    `cmd:"" help:"List recorded builds"`
}

// BuildCmd builds a bundle archive
type BuildCmd struct {
	Source         string   `arg:"" optional:"" type:"existingdir" help:"Root filesystem tree to bundle"`
	Image          string   `short:"i" help:"Container image reference to bundle instead of a directory"`
	Output         string   `short:"o" type:"path" help:"Output path for the bundle archive"`
	WorkDir        string   `type:"path" help:"Scratch directory for build runs"`
	Label          string   `short:"l" help:"Filesystem label and root partition name"`
	Size           string   `short:"s" help:"Total image size (e.g. 2G), sized from the tree when empty"`
	Timestamp      int64    `help:"Build timestamp override in unix seconds"`
	Compression    string   `short:"c" help:"Archive compression: zstd, gzip, xz or none"`
	Exclude        []string `short:"e" sep:"," help:"Path patterns left out of the image"`
	SkipUnreadable bool     `help:"Skip unreadable files instead of failing"`
	OneFilesystem  bool     `help:"Do not cross mount points"`
	ESP            bool     `help:"Add an EFI system partition"`
	ESPSize        string   `name:"esp-size" help:"EFI system partition size (e.g. 64M)"`
	ESPSource      string   `name:"esp-source" type:"existingdir" help:"Tree staged into the EFI system partition"`
	Key            string   `short:"k" type:"path" help:"Ed25519 private key to sign the bundle with"`
	Config         string   `type:"path" help:"Path to TOML config file"`
	Debug          bool     `short:"d" help:"Enable debug logging"`
}

// VerifyCmd verifies a bundle archive
type VerifyCmd struct {
	Archive string `arg:"" type:"existingfile" help:"Bundle archive to verify"`
	Key     string `short:"k" type:"existingfile" help:"Ed25519 public key to check the signature against"`
}

// InspectCmd shows what is inside a bundle archive
type InspectCmd struct {
	Archive string `arg:"" type:"existingfile" help:"Bundle archive to inspect"`
	Image   bool   `help:"Unpack the image and read the partition table and filesystem back"`
}

// KeygenCmd generates a signing keypair
type KeygenCmd struct {
	Out  string `short:"o" default:"." type:"path" help:"Directory the keypair is written to"`
	Name string `default:"bundle" help:"Base name for the key files"`
}

// ListCmd lists builds recorded in the catalog
type ListCmd struct {
	DB     string `type:"path" help:"Path to the build catalog database"`
	Limit  int    `short:"n" default:"20" help:"Number of builds to show"`
	Config string `type:"path" help:"Path to TOML config file"`
}
