package listener

import (
	"fmt"
	"net"

	"github.com/huin/goupnp/dcps/internetgateway2"
	"github.com/rs/zerolog"
)

const mappingDescription = "ttorrent"

// portMapper is the subset of the generated WANIPConnection/WANPPPConnection
// clients goupnp produces for each device flavor an IGD might expose.
type portMapper interface {
	AddPortMapping(newRemoteHost string, newExternalPort uint16, newProtocol string, newInternalPort uint16, newInternalClient string, newEnabled bool, newPortMappingDescription string, newLeaseDuration uint32) error
	DeletePortMapping(newRemoteHost string, newExternalPort uint16, newProtocol string) error
}

type natMapping struct {
	client       portMapper
	externalPort uint16
}

// tryMapPort attempts a UPnP IGD port mapping for port, trying each known
// WANIPConnection/WANPPPConnection device flavor in turn. It never fails
// the caller: if no gateway responds, or the discovered gateway rejects the
// mapping, it logs and returns nil so the client falls back to being
// reachable only via NAT-independent means (a manually forwarded port, or
// no inbound connections at all).
func tryMapPort(port int, log zerolog.Logger) *natMapping {
	client := discoverGateway(log)
	if client == nil {
		return nil
	}

	internalClient, err := outboundLocalIP()
	if err != nil {
		log.Info().Err(err).Msg("upnp: could not determine local address for port mapping")
		return nil
	}

	extPort := uint16(port)
	if err := client.AddPortMapping("", extPort, "TCP", extPort, internalClient, true, mappingDescription, 0); err != nil {
		log.Info().Err(err).Msg("upnp: gateway rejected port mapping")
		return nil
	}

	log.Info().Int("port", port).Msg("upnp: port mapping installed")
	return &natMapping{client: client, externalPort: extPort}
}

func (m *natMapping) remove(log zerolog.Logger) {
	if err := m.client.DeletePortMapping("", m.externalPort, "TCP"); err != nil {
		log.Info().Err(err).Msg("upnp: failed to remove port mapping")
	}
}

// discoverGateway probes for each WANIPConnection/WANPPPConnection device
// flavor goupnp knows how to generate a client for, since a given router
// may only expose one of them.
func discoverGateway(log zerolog.Logger) portMapper {
	if clients, _, err := internetgateway2.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
		return clients[0]
	}
	if clients, _, err := internetgateway2.NewWANIPConnection2Clients(); err == nil && len(clients) > 0 {
		return clients[0]
	}
	if clients, _, err := internetgateway2.NewWANPPPConnection1Clients(); err == nil && len(clients) > 0 {
		return clients[0]
	}
	log.Info().Msg("upnp: no internet gateway device found")
	return nil
}

// outboundLocalIP finds the local address this host would use to reach the
// wider internet, without sending any traffic: dialing UDP just resolves a
// route, it doesn't open a connection.
func outboundLocalIP() (string, error) {
	conn, err := net.Dial("udp4", "203.0.113.1:80")
	if err != nil {
		return "", fmt.Errorf("determine outbound address: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
