package version

import "fmt"

// Build values, set by the linker:
//
//	-ldflags "-X github.com/effective-security/p11demo/internal/version.Build=..."
var (
	Build  = "0.0.0"
	Commit = "dev"
)

// Info describes the build
type Info struct {
	Build  string
	Commit string
}

// Current returns the build info
func Current() Info {
	return Info{
		Build:  Build,
		Commit: Commit,
	}
}

func (v Info) String() string {
	return fmt.Sprintf("%s-%s", v.Build, v.Commit)
}
