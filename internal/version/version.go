// ABOUTME: Build version and product identity
// ABOUTME: Reported by a2dpd at startup and by a2dpctl version
package version

// Version can be overridden with -ldflags "-X .../internal/version.Version=..."
var Version = "0.3.0"

const (
	Product      = "bluestream a2dpd"
	Manufacturer = "Sendspin"
)

// String returns the product and version on one line
func String() string {
	return Product + " " + Version
}
