//go:build !unix

package transport

import "net"

func listenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
