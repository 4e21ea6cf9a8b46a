package version

import (
	"fmt"
	"runtime"
)

// Version represents the current version of kmon.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// KmonVersion is the current version of kmon.
var KmonVersion = Version{Major: "0", Minor: "3", Patch: "1", Metadata: ""}

func (v Version) String() string {
	ver := fmt.Sprintf("Version: %s.%s.%s", v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		ver += "-" + v.Metadata
	}
	if v.Build == "" {
		return fmt.Sprintf("%s\nGo version: %s", ver, runtime.Version())
	}
	return fmt.Sprintf("%s\nBuild: %s\nGo version: %s", ver, v.Build, runtime.Version())
}
