//go:build !unix

package worker

func setReuseAddr(fd uintptr) error {
	return nil
}
