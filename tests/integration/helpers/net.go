package helpers

import "net"

// GetFreeTCPPort finds an available TCP port on localhost, for scenarios
// that need to hand witnessd an address before it binds one itself.
func GetFreeTCPPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
