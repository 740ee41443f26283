//go:build !unix

package registry

// lockFile only serializes within this process on platforms without flock
func lockFile(string) (func(), error) {
	return func() {}, nil
}
