package version

// Version is the Major.Minor.Patch tag of the build, set with
// -ldflags "-X github.com/jake-scott/harmonyctl/version.Version=..."
var Version string = "dev"
