package discovery

import (
	"fmt"
	"net"

	"github.com/edgefog/agentd/internal/config"
)

// ResolveBroadcastAddr picks the UDP broadcast address beacon mode sends to.
// Per original_source/lightdiscovery.py, when MF2C is set the broadcast
// address of the WIFI_DEV interface takes precedence over the literal
// BROADCASTADDR env var; spec.md §6 names both variables but not this
// precedence.
func ResolveBroadcastAddr(cfg config.Config) (string, error) {
	if cfg.MF2C && cfg.WifiDev != "" {
		if addr, err := interfaceBroadcast(cfg.WifiDev); err == nil {
			return addr, nil
		}
	}
	if cfg.BroadcastAddr != "" {
		return cfg.BroadcastAddr, nil
	}
	return "", fmt.Errorf("discovery: no broadcast address resolved (set BROADCASTADDR, or MF2C+WIFI_DEV)")
}

func interfaceBroadcast(name string) (string, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return "", err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.To4() == nil {
			continue
		}
		ip := ipnet.IP.To4()
		mask := ipnet.Mask
		bcast := make(net.IP, len(ip))
		for i := range ip {
			bcast[i] = ip[i] | ^mask[i]
		}
		return bcast.String(), nil
	}
	return "", fmt.Errorf("discovery: interface %s has no IPv4 address", name)
}
